package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pid-provider/models"
	"pid-provider/storage"
)

// VersionStore verwaltet die XML-Fassungen eines Datensatzes: Zeilen in der
// Datenbank, Inhalte im Blob-Store.
type VersionStore struct {
	blobs storage.BlobStore
}

// NewVersionStore erstellt einen VersionStore.
func NewVersionStore(blobs storage.BlobStore) *VersionStore {
	return &VersionStore{blobs: blobs}
}

// Key liefert den Blob-Key einer Fassung von rec.
func (s *VersionStore) Key(rec *models.Record, fingerprint string) string {
	issn := rec.IssnElectronic
	if issn == "" {
		issn = rec.IssnPrint
	}
	return storage.XMLKey(issn, rec.PkgName, fingerprint)
}

// GetOrCreate liefert die Fassung (rec, fingerprint). Existiert sie, aber ihr
// Blob fehlt, wird der Blob neu geschrieben; sonst wird sie angelegt.
func (s *VersionStore) GetOrCreate(ctx context.Context, tx *gorm.DB, rec *models.Record, fingerprint string, content []byte, filename, user string) (*models.XMLVersion, bool, error) {
	var v models.XMLVersion
	err := tx.WithContext(ctx).Where("record_id = ? AND fingerprint = ?", rec.ID, fingerprint).First(&v).Error
	switch {
	case err == nil:
		ok, err := s.blobs.Exists(ctx, v.BlobKey)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if err := s.blobs.Put(ctx, v.BlobKey, content); err != nil {
				return nil, false, err
			}
		}
		return &v, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	v = models.XMLVersion{
		RecordID:    rec.ID,
		Fingerprint: fingerprint,
		BlobKey:     s.Key(rec, fingerprint),
		Filename:    filename,
		Creator:     user,
	}
	if err := s.blobs.Put(ctx, v.BlobKey, content); err != nil {
		return nil, false, err
	}
	if err := tx.WithContext(ctx).Create(&v).Error; err != nil {
		return nil, false, fmt.Errorf("creating version: %w", err)
	}
	return &v, true, nil
}

// Latest liefert die aktuelle Fassung, falls ihr Blob vorhanden ist, sonst
// die jüngste Fassung mit vorhandenem Blob.
func (s *VersionStore) Latest(ctx context.Context, db *gorm.DB, rec *models.Record) (*models.XMLVersion, error) {
	if rec.CurrentVersionID != nil {
		var cur models.XMLVersion
		err := db.WithContext(ctx).First(&cur, *rec.CurrentVersionID).Error
		if err == nil {
			ok, err := s.blobs.Exists(ctx, cur.BlobKey)
			if err != nil {
				return nil, err
			}
			if ok {
				return &cur, nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var versions []models.XMLVersion
	if err := db.WithContext(ctx).Where("record_id = ?", rec.ID).Order("id DESC").Find(&versions).Error; err != nil {
		return nil, err
	}
	for i := range versions {
		ok, err := s.blobs.Exists(ctx, versions[i].BlobKey)
		if err != nil {
			return nil, err
		}
		if ok {
			return &versions[i], nil
		}
	}
	return nil, ErrNoVersion
}

// IsEqualTo meldet, ob die aktuelle Fassung fingerprint hat und ihr Blob vorhanden ist.
func (s *VersionStore) IsEqualTo(ctx context.Context, db *gorm.DB, rec *models.Record, fingerprint string) (bool, error) {
	v, err := s.Latest(ctx, db, rec)
	if errors.Is(err, ErrNoVersion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Fingerprint == fingerprint, nil
}

// Load liefert den Inhalt einer Fassung.
func (s *VersionStore) Load(ctx context.Context, v *models.XMLVersion) ([]byte, error) {
	return s.blobs.Get(ctx, v.BlobKey)
}

// Count zählt die Fassungen eines Datensatzes.
func (s *VersionStore) Count(ctx context.Context, db *gorm.DB, recordID uint) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.XMLVersion{}).Where("record_id = ?", recordID).Count(&n).Error
	return n, err
}

package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pid-provider/models"
)

// LookupKind unterscheidet die möglichen Ergebnisse einer Suche.
type LookupKind int

const (
	NotFound LookupKind = iota
	Found
	Ambiguous
)

func (k LookupKind) String() string {
	switch k {
	case Found:
		return "found"
	case Ambiguous:
		return "ambiguous"
	default:
		return "not_found"
	}
}

// LookupResult ist Found(Record), NotFound oder Ambiguous(Candidates).
type LookupResult struct {
	Kind       LookupKind
	Record     *models.Record
	Candidates []models.Record
	// Set ist die Parametermenge, die zum Ergebnis geführt hat.
	Set ParamSet
}

// Owner ist der Datensatz, dem ein PID-Wert gehört.
type Owner struct {
	RecordID uint
	V3       string
	Type     string
}

// RecordIndex kapselt alle Lesezugriffe und Ledger-Operationen auf Records.
// Jede Methode bekommt die Verbindung bzw. Transaktion explizit übergeben.
type RecordIndex struct {
	postgres bool
}

// NewRecordIndex erstellt einen RecordIndex passend zum Dialekt von db.
func NewRecordIndex(db *gorm.DB) *RecordIndex {
	return &RecordIndex{postgres: db.Dialector.Name() == "postgres"}
}

// maxCandidates begrenzt die Liste mehrdeutiger Treffer in Fehlermeldungen.
const maxCandidates = 10

// Lookup probiert die Parametermengen der Query der Reihe nach.
func (ix *RecordIndex) Lookup(ctx context.Context, db *gorm.DB, q *Query) (LookupResult, error) {
	for _, set := range q.Sets {
		var records []models.Record
		err := q.Scope(db.WithContext(ctx).Model(&models.Record{}), set).
			Order("id").
			Limit(maxCandidates).
			Find(&records).Error
		if err != nil {
			return LookupResult{}, fmt.Errorf("querying %s: %w", set, err)
		}
		switch len(records) {
		case 0:
			continue
		case 1:
			return LookupResult{Kind: Found, Record: &records[0], Set: set}, nil
		default:
			return LookupResult{Kind: Ambiguous, Candidates: records, Set: set}, nil
		}
	}
	return LookupResult{Kind: NotFound}, nil
}

// GetRecord liefert den eindeutigen Treffer oder ErrRecordNotFound bzw. MultipleObjectsError.
func (ix *RecordIndex) GetRecord(ctx context.Context, db *gorm.DB, q *Query) (*models.Record, error) {
	res, err := ix.Lookup(ctx, db, q)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case Found:
		return res.Record, nil
	case Ambiguous:
		return nil, ambiguousError(res)
	default:
		return nil, ErrRecordNotFound
	}
}

func ambiguousError(res LookupResult) error {
	e := &MultipleObjectsError{Params: res.Set.String()}
	for _, r := range res.Candidates {
		e.V3s = append(e.V3s, r.V3)
	}
	return e
}

// ByV3 sucht den Datensatz mit der kanonischen PID v3.
func (ix *RecordIndex) ByV3(ctx context.Context, db *gorm.DB, v3 string) (*models.Record, error) {
	var r models.Record
	if err := db.WithContext(ctx).Where("v3 = ?", v3).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: v3 %s", ErrRecordNotFound, v3)
		}
		return nil, err
	}
	return &r, nil
}

// ForUpdate lädt den Datensatz neu; auf PostgreSQL mit Zeilensperre.
func (ix *RecordIndex) ForUpdate(ctx context.Context, tx *gorm.DB, id uint) (*models.Record, error) {
	q := tx.WithContext(ctx)
	if ix.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r models.Record
	if err := q.First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// LockPackage serialisiert Transaktionen zum selben Paket über Prozessgrenzen hinweg.
// Ohne PostgreSQL ist es ein No-op.
func (ix *RecordIndex) LockPackage(ctx context.Context, tx *gorm.DB, pkgName string) error {
	if !ix.postgres {
		return nil
	}
	return tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", pkgName).Error
}

// IsRegisteredPid sucht value unter kanonischen PIDs und Aliasen; nil, wenn unbekannt.
func (ix *RecordIndex) IsRegisteredPid(ctx context.Context, db *gorm.DB, value string) (*models.Record, error) {
	var issued models.IssuedPid
	err := db.WithContext(ctx).Where("value = ?", value).First(&issued).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r models.Record
	if err := db.WithContext(ctx).First(&r, issued.RecordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Owner liefert den Besitzer von value laut Ledger.
func (ix *RecordIndex) Owner(ctx context.Context, db *gorm.DB, value string) (*Owner, error) {
	var issued models.IssuedPid
	err := db.WithContext(ctx).Where("value = ?", value).First(&issued).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o := &Owner{RecordID: issued.RecordID, Type: issued.Type}
	var r models.Record
	if err := db.WithContext(ctx).Select("v3").First(&r, issued.RecordID).Error; err == nil {
		o.V3 = r.V3
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return o, nil
}

// KnownPids liefert alle Ledger-Einträge eines Datensatzes (kanonisch und Aliase).
func (ix *RecordIndex) KnownPids(ctx context.Context, db *gorm.DB, recordID uint) ([]models.IssuedPid, error) {
	var issued []models.IssuedPid
	err := db.WithContext(ctx).Where("record_id = ?", recordID).Order("id").Find(&issued).Error
	return issued, err
}

// Claim trägt value für recordID ins Ledger ein. false bedeutet, dass der
// Wert bereits vergeben ist; die Transaktion bleibt dabei gültig.
func (ix *RecordIndex) Claim(ctx context.Context, db *gorm.DB, recordID uint, pidType, value string) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "value"}}, DoNothing: true}).
		Create(&models.IssuedPid{Value: value, Type: pidType, RecordID: recordID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AssignClaims überträgt vorläufig (record_id 0) reservierte Werte auf recordID.
func (ix *RecordIndex) AssignClaims(ctx context.Context, tx *gorm.DB, recordID uint, values []string) error {
	if len(values) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.IssuedPid{}).
		Where("record_id = 0 AND value IN ?", values).
		Update("record_id", recordID).Error
}

// Aliases liefert die früheren PIDs eines Datensatzes.
func (ix *RecordIndex) Aliases(ctx context.Context, db *gorm.DB, recordID uint) ([]models.PidAlias, error) {
	var aliases []models.PidAlias
	err := db.WithContext(ctx).Where("record_id = ?", recordID).Order("id").Find(&aliases).Error
	return aliases, err
}

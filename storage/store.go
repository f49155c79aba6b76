// Package storage speichert XML-Fassungen und Backups als Blobs.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
)

// ErrNotFound wird geliefert, wenn unter einem Key kein Blob liegt.
var ErrNotFound = errors.New("blob not found")

// BlobStore ist der vom Provider benötigte Ausschnitt eines Objektspeichers.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// XMLKey baut den Key einer XML-Fassung:
// {issn oder "aop"}/{pkg_name}/{fingerprint}/{pkg_name}.xml
func XMLKey(issn, pkgName, fingerprint string) string {
	if issn == "" {
		issn = "aop"
	}
	pkgName = safe(pkgName)
	return path.Join(safe(issn), pkgName, fingerprint, pkgName+".xml")
}

// BadRequestKey ist der Key eines abgelehnten XMLs.
func BadRequestKey(fingerprint, basename string) string {
	return path.Join("bad_requests", fingerprint, safe(basename)+".xml")
}

// FetchKey ist der Key eines per URI geladenen XMLs, dessen Registrierung scheiterte.
func FetchKey(name, fingerprint string) string {
	return path.Join("fetched", safe(name), fingerprint+".xml")
}

func safe(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// MemoryStore hält Blobs im Speicher, für Tests und den lokalen Betrieb.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore erstellt einen leeren MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.blobs[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// Delete entfernt einen Blob; damit lassen sich verlorene Blobs nachstellen.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
}

// Len gibt die Anzahl der gespeicherten Blobs zurück.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

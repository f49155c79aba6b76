package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pid-provider/config"
	"pid-provider/models"
	"pid-provider/storage"
	"pid-provider/xmlsps"
	"pid-provider/xmlsps/xmlspstest"
)

const (
	v3One = "JZpHbCdRf8kVTy4KtXq2aBc"
	v3Two = "Mn3PqRsT5uVwXyZ6abCdEfG"
	v2One = "S1234-56782024000300001"
	v2Two = "S1234-56782024000300002"
	v2AOP = "S1234-56782024005000007"
)

func testConfig() *config.Config {
	return &config.Config{
		PidMintAlphabetSize: 56,
		PidV3Length:         23,
		PidMintMaxTries:     10,
		ZipWorkers:          2,
		FetchTimeout:        2 * time.Second,
	}
}

func openDB(t require.TestingT, path string) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// eine Verbindung; innerhalb einer Transaktion darf nur tx benutzt werden
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	return db
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

type testEnv struct {
	provider *Provider
	db       *gorm.DB
	blobs    *storage.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openDB(t, filepath.Join(t.TempDir(), "pid.db"))
	t.Cleanup(func() { closeDB(db) })
	blobs := storage.NewMemoryStore()
	return &testEnv{
		provider: NewProvider(testConfig(), db, blobs, zap.NewNop(), nil),
		db:       db,
		blobs:    blobs,
	}
}

// article ist ein VoR-Artikel in Band 12, Heft 3 mit der DOI 10.1/x.
func article(v3, v2 string) xmlspstest.Article {
	a := xmlspstest.Default().WithPids(v3, v2, "")
	a.Volume, a.Issue = "12", "3"
	a.DOI = "10.1/x"
	return a
}

// otherArticle ist ein anderer Artikel desselben Hefts.
func otherArticle(v3, v2 string) xmlspstest.Article {
	a := article(v3, v2)
	a.DOI = "10.1/y"
	a.Fpage, a.Lpage = "200", "210"
	a.Title = "Another study"
	return a
}

func parseArticle(t require.TestingT, a xmlspstest.Article) *xmlsps.XMLWithPre {
	x, err := xmlsps.Parse(a.Bytes())
	require.NoError(t, err)
	return x
}

func (e *testEnv) register(t *testing.T, a xmlspstest.Article, opts RegisterOptions) (*Response, error) {
	t.Helper()
	if opts.User == "" {
		opts.User = "test"
	}
	return e.provider.Register(context.Background(), parseArticle(t, a), opts)
}

func (e *testEnv) mustRegister(t *testing.T, a xmlspstest.Article, filename string) *Response {
	t.Helper()
	resp, err := e.register(t, a, RegisterOptions{Filename: filename})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) count(t *testing.T, model any, where ...any) int64 {
	t.Helper()
	q := e.db.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	var n int64
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (e *testEnv) record(t *testing.T, v3 string) *models.Record {
	t.Helper()
	rec, err := e.provider.GetByV3(context.Background(), v3)
	require.NoError(t, err)
	return rec
}

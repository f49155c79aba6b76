package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"pid-provider/models"
	"pid-provider/storage"
)

// Egal wie oft eingereichte Artikel dieselben PIDs tragen: jeder Wert
// gehört am Ende genau einem Datensatz.
func TestRegister_PidsStayUnique(t *testing.T) {
	dir := t.TempDir()
	v3s := []string{v3One, v3Two, "Qw7ErTy8UiOpAsDfGhJkLzX"}
	v2s := []string{v2One, v2Two, v2AOP}
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		db := openDB(rt, filepath.Join(dir, fmt.Sprintf("prop-%d.db", run)))
		defer closeDB(db)
		p := NewProvider(testConfig(), db, storage.NewMemoryStore(), zap.NewNop(), nil)
		ctx := context.Background()

		n := rapid.IntRange(1, 5).Draw(rt, "articles")
		for i := 0; i < n; i++ {
			a := article(rapid.SampledFrom(v3s).Draw(rt, "v3"), rapid.SampledFrom(v2s).Draw(rt, "v2"))
			a.DOI = fmt.Sprintf("10.1/%d", i)
			a.Fpage = strconv.Itoa(100 + 20*i)
			a.Lpage = strconv.Itoa(110 + 20*i)
			_, err := p.Register(ctx, parseArticle(rt, a), RegisterOptions{
				Filename:             fmt.Sprintf("a%d.xml", i),
				AutoSolvePidConflict: true,
			})
			require.NoError(rt, err)
		}

		var records []models.Record
		require.NoError(rt, db.Find(&records).Error)
		require.Len(rt, records, n)

		owner := map[string]uint{}
		for _, r := range records {
			for _, v := range []string{r.V3, r.V2, r.AOPPid} {
				if v == "" {
					continue
				}
				_, dup := owner[v]
				require.False(rt, dup, "%s is canonical for two records", v)
				owner[v] = r.ID
			}
		}

		var issued []models.IssuedPid
		require.NoError(rt, db.Find(&issued).Error)
		seen := map[string]bool{}
		for _, ip := range issued {
			require.False(rt, seen[ip.Value], "%s issued twice", ip.Value)
			seen[ip.Value] = true
			require.NotZero(rt, ip.RecordID, "%s is still a provisional claim", ip.Value)
		}
		for v, id := range owner {
			require.True(rt, seen[v], "%s missing from ledger", v)
			var ip models.IssuedPid
			require.NoError(rt, db.Where("value = ?", v).First(&ip).Error)
			require.Equal(rt, id, ip.RecordID)
		}
	})
}

package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pid-provider/models"
	"pid-provider/xmlsps"
	"pid-provider/xmlsps/xmlspstest"
)

func TestRegister_FreshInsert(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	a.IssnPrint = ""

	resp := env.mustRegister(t, a, "a.xml")

	assert.Equal(t, StatusCreated, resp.RecordStatus)
	assert.Equal(t, v3One, resp.V3)
	assert.Equal(t, v2One, resp.V2)
	assert.Empty(t, resp.AOPPid)
	assert.Equal(t, "a", resp.PkgName)
	assert.False(t, resp.XMLChanged)
	assert.Empty(t, resp.XML)
	assert.Nil(t, resp.ChangedPids)

	rec := env.record(t, v3One)
	assert.Equal(t, 1, rec.Registrations)
	assert.Equal(t, "1234-5678", rec.IssnElectronic)
	assert.Equal(t, "12", rec.Volume)
	assert.Equal(t, "3", rec.Number)
	assert.Equal(t, "10.1/x", rec.MainDOI)
	assert.Equal(t, "test", rec.Creator)
	require.NotNil(t, rec.AvailableSince)
	assert.Equal(t, "2024-03-15", rec.AvailableSince.Format("2006-01-02"))

	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}, "record_id = ?", rec.ID))
	assert.EqualValues(t, 2, env.count(t, &models.IssuedPid{}, "record_id = ?", rec.ID))
	assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}, "record_id = 0"))
	assert.Equal(t, 1, env.blobs.Len())

	content, v, err := env.provider.CurrentXML(context.Background(), v3One)
	require.NoError(t, err)
	assert.Equal(t, parseArticle(t, a).Fingerprint(), v.Fingerprint)
	stored, err := xmlsps.Parse(content)
	require.NoError(t, err)
	assert.Equal(t, v3One, stored.V3())
}

func TestRegister_ReplayIsRetrieved(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	resp := env.mustRegister(t, a, "a.xml")
	assert.Equal(t, StatusRetrieved, resp.RecordStatus)
	assert.Equal(t, v3One, resp.V3)
	assert.False(t, resp.XMLChanged)

	compact := a
	compact.Compact = true
	resp = env.mustRegister(t, compact, "a.xml")
	assert.Equal(t, StatusRetrieved, resp.RecordStatus, "whitespace between elements is not a change")

	rec := env.record(t, v3One)
	assert.Equal(t, 2, rec.Retrievals)
	assert.Equal(t, 0, rec.Updates)
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))

	events, err := env.provider.Timeline().Events(context.Background(), env.db, "a", models.ProcedureRegistration)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "start", events[0].Name)
	assert.Equal(t, "finish", events[5].Name)
	assert.Empty(t, events[5].Error)
}

func TestRegister_ChangedContentCreatesVersion(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	revised := a
	revised.Title = "A revised study"
	resp := env.mustRegister(t, revised, "a.xml")
	assert.Equal(t, StatusUpdated, resp.RecordStatus)

	rec := env.record(t, v3One)
	assert.Equal(t, 1, rec.Updates)
	assert.EqualValues(t, 2, env.count(t, &models.XMLVersion{}, "record_id = ?", rec.ID))

	_, v, err := env.provider.CurrentXML(context.Background(), v3One)
	require.NoError(t, err)
	assert.Equal(t, parseArticle(t, revised).Fingerprint(), v.Fingerprint)

	// die alte Fassung wird wieder aktuell, ohne neue Zeile
	resp = env.mustRegister(t, a, "a.xml")
	assert.Equal(t, StatusUpdated, resp.RecordStatus)
	assert.EqualValues(t, 2, env.count(t, &models.XMLVersion{}, "record_id = ?", rec.ID))
}

func TestRegister_SpaceBetweenInlineElementsIsAChange(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	a.Body = "<italic>alpha</italic> <bold>beta</bold>"
	env.mustRegister(t, a, "a.xml")

	joined := a
	joined.Body = "<italic>alpha</italic><bold>beta</bold>"
	resp := env.mustRegister(t, joined, "a.xml")
	assert.Equal(t, StatusUpdated, resp.RecordStatus)

	content, _, err := env.provider.CurrentXML(context.Background(), v3One)
	require.NoError(t, err)
	assert.Contains(t, string(content), "<italic>alpha</italic><bold>beta</bold>")
	assert.EqualValues(t, 2, env.count(t, &models.XMLVersion{}))
}

func TestRegister_ForceUpdate(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	resp, err := env.register(t, a, RegisterOptions{Filename: "a.xml", ForceUpdate: true, User: "editor"})
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, resp.RecordStatus)

	rec := env.record(t, v3One)
	assert.Equal(t, 1, rec.Updates)
	assert.Equal(t, "editor", rec.Updater)
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
}

func TestRegister_RegisteredInCoreChangeUpdates(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	resp, err := env.register(t, a, RegisterOptions{Filename: "a.xml", RegisteredInCore: true})
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, resp.RecordStatus)
	assert.True(t, resp.RegisteredInCore)
	assert.True(t, env.record(t, v3One).RegisteredInCore)
}

func TestRegister_AOPThenVoR(t *testing.T) {
	env := newTestEnv(t)
	aop := article(v3One, v2AOP).AOP()
	resp := env.mustRegister(t, aop, "aop.xml")
	require.Equal(t, StatusCreated, resp.RecordStatus)
	assert.True(t, env.record(t, v3One).IsAOP())

	vor := article(v3One, v2One)
	resp = env.mustRegister(t, vor, "vor.xml")

	assert.Equal(t, StatusUpdated, resp.RecordStatus)
	assert.Equal(t, v3One, resp.V3)
	assert.Equal(t, v2One, resp.V2)
	assert.Equal(t, v2AOP, resp.AOPPid)
	assert.True(t, resp.XMLChanged)
	assert.Equal(t, map[string]string{
		models.PidTypeV2:  v2One,
		models.PidTypeAOP: v2AOP,
	}, resp.ChangedPids)

	rewritten, err := xmlsps.Parse([]byte(resp.XML))
	require.NoError(t, err)
	assert.Equal(t, v2One, rewritten.V2())
	assert.Equal(t, v2AOP, rewritten.AOPPid())

	rec := env.record(t, v3One)
	assert.False(t, rec.IsAOP())
	assert.Equal(t, "vor", rec.PkgName)
	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
	assert.EqualValues(t, 2, env.count(t, &models.XMLVersion{}, "record_id = ?", rec.ID))
	assert.EqualValues(t, 3, env.count(t, &models.IssuedPid{}, "record_id = ?", rec.ID))

	// die frühere v2 bleibt dem Datensatz zugeordnet
	again := article(v3One, v2AOP)
	resp = env.mustRegister(t, again, "vor.xml")
	assert.Equal(t, StatusRetrieved, resp.RecordStatus)
	assert.Equal(t, v2One, resp.V2)
	assert.True(t, resp.XMLChanged)
}

func TestRegister_AOPOverVoRIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, article(v3One, v2One), "vor.xml")

	_, err := env.register(t, article(v3One, v2AOP).AOP(), RegisterOptions{Filename: "aop.xml"})
	var forbidden *ForbiddenRegistrationError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, v3One, forbidden.V3)
	assert.Equal(t, TypeForbiddenRegistration, ErrorType(err))
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
}

func TestRegister_PidV3Conflict(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, article(v3One, v2One), "a.xml")

	other := otherArticle(v3One, v2Two)
	_, err := env.register(t, other, RegisterOptions{Filename: "b.xml"})

	var conflict *PidConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.PidTypeV3, conflict.Type)
	assert.Equal(t, v3One, conflict.OwnerV3)
	assert.Equal(t, TypePidV3Conflict, ErrorType(err))

	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
	assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}, "value = ?", v2Two))

	var bad models.BadRequest
	require.NoError(t, env.db.First(&bad).Error)
	assert.Equal(t, parseArticle(t, other).Fingerprint(), bad.Fingerprint)
	assert.Equal(t, "b.xml", bad.Basename)
	assert.Equal(t, TypePidV3Conflict, bad.ErrorType)
	ok, err := env.blobs.Exists(context.Background(), bad.BlobKey)
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := env.provider.Timeline().Events(context.Background(), env.db, "b", models.ProcedureRegistration)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "finish", events[1].Name)
	assert.Contains(t, events[1].Error, v3One)
	assert.EqualValues(t, 0, env.count(t, &models.UnexpectedEvent{}))

	// dieselbe Ablehnung erzeugt keinen zweiten BadRequest
	_, err = env.register(t, other, RegisterOptions{Filename: "b.xml"})
	require.Error(t, err)
	assert.EqualValues(t, 1, env.count(t, &models.BadRequest{}))
}

func TestRegister_PidV2Conflict(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, article(v3One, v2One), "a.xml")

	_, err := env.register(t, otherArticle(v3Two, v2One), RegisterOptions{Filename: "b.xml"})
	assert.Equal(t, TypePidV2Conflict, ErrorType(err))
	assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}, "value = ?", v3Two), "nothing is claimed for a rejected xml")
}

func TestRegister_AutoSolveMintsNewPids(t *testing.T) {
	env := newTestEnv(t)
	env.mustRegister(t, article(v3One, v2One), "a.xml")

	resp, err := env.register(t, otherArticle(v3One, v2One), RegisterOptions{Filename: "b.xml", AutoSolvePidConflict: true})
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, resp.RecordStatus)
	assert.NotEqual(t, v3One, resp.V3)
	assert.NotEqual(t, v2One, resp.V2)
	assert.Len(t, resp.V3, 23)
	assert.Len(t, resp.V2, 23)
	assert.True(t, strings.HasPrefix(resp.V2, "S0034-89102024"), resp.V2)
	assert.Equal(t, map[string]string{
		models.PidTypeV3: resp.V3,
		models.PidTypeV2: resp.V2,
	}, resp.ChangedPids)
	assert.True(t, resp.XMLChanged)

	x, err := xmlsps.Parse([]byte(resp.XML))
	require.NoError(t, err)
	assert.Equal(t, resp.V3, x.V3())
	assert.Equal(t, resp.V2, x.V2())
	assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}, "record_id = 0"))
}

func TestRegister_ValidationErrors(t *testing.T) {
	noISSN := article(v3One, v2One)
	noISSN.IssnElectronic, noISSN.IssnPrint = "", ""

	noYear := article(v3One, v2One)
	noYear.PubYear, noYear.CollectionYear = "", ""

	anonymous := article(v3One, v2One)
	anonymous.DOI, anonymous.Fpage, anonymous.Lpage = "", "", ""
	anonymous.Surnames, anonymous.Body = nil, ""

	tooLong := article(v3One+"X", v2One)

	aopTooLong := article(v3One, v2One)
	aopTooLong.AOPPid = v2AOP + "X"

	cases := []struct {
		name string
		a    xmlspstest.Article
		want error
	}{
		{"missing issn", noISSN, ErrRequiredISSN},
		{"missing year", noYear, ErrRequiredPublicationYear},
		{"not enough parameters", anonymous, ErrNotEnoughParameters},
		{"missing v3", article("", v2One), ErrInvalidPid},
		{"missing v2", article(v3One, ""), ErrInvalidPid},
		{"v3 too long", tooLong, ErrInvalidPid},
		{"aop_pid too long", aopTooLong, ErrInvalidPid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.register(t, tc.a, RegisterOptions{Filename: "a.xml"})
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsDomainError(err))
			assert.EqualValues(t, 0, env.count(t, &models.Record{}))
			assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}))
		})
	}
}

func TestRegister_ConcurrentIdenticalSubmissions(t *testing.T) {
	env := newTestEnv(t)
	x := article(v3One, v2One)

	inputs := make([]*xmlsps.XMLWithPre, 4)
	for i := range inputs {
		inputs[i] = parseArticle(t, x)
	}
	statuses := make([]string, len(inputs))
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.provider.Register(context.Background(), inputs[i], RegisterOptions{Filename: "a.xml"})
			if assert.NoError(t, err) {
				statuses[i] = resp.RecordStatus
			}
		}()
	}
	wg.Wait()

	created := 0
	for _, s := range statuses {
		if s == StatusCreated {
			created++
		} else {
			assert.Equal(t, StatusRetrieved, s)
		}
	}
	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
}

func TestRegister_ConcurrentSubmissionsUnderDifferentFilenames(t *testing.T) {
	env := newTestEnv(t)
	filenames := []string{"a.xml", "b.xml", "renamed.xml"}

	inputs := make([]*xmlsps.XMLWithPre, len(filenames))
	for i := range inputs {
		inputs[i] = parseArticle(t, article(v3One, v2One))
	}
	statuses := make([]string, len(inputs))
	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.provider.Register(context.Background(), inputs[i], RegisterOptions{Filename: filenames[i]})
			if assert.NoError(t, err, filenames[i]) {
				statuses[i] = resp.RecordStatus
			}
		}()
	}
	wg.Wait()

	created := 0
	for _, s := range statuses {
		if s == StatusCreated {
			created++
		} else {
			assert.Equal(t, StatusRetrieved, s)
		}
	}
	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
	assert.EqualValues(t, 0, env.count(t, &models.BadRequest{}))
}

func TestRegistrationKeys(t *testing.T) {
	a := parseArticle(t, article(v3One, v2One))
	proj := xmlsps.NewAdapter(a, "a.xml").Projection()
	assert.ElementsMatch(t, []string{"pkg:a", "pid:" + v3One, "pid:" + v2One, "doi:10.1/x"}, registrationKeys(proj))

	renamed := xmlsps.NewAdapter(a, "b.xml").Projection()
	assert.Subset(t, registrationKeys(renamed), []string{"pid:" + v3One, "doi:10.1/x"})
}

func TestRegister_LostBlobIsRestored(t *testing.T) {
	env := newTestEnv(t)
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	var v models.XMLVersion
	require.NoError(t, env.db.First(&v).Error)
	env.blobs.Delete(v.BlobKey)

	_, _, err := env.provider.CurrentXML(context.Background(), v3One)
	assert.ErrorIs(t, err, ErrNoVersion)

	resp := env.mustRegister(t, a, "a.xml")
	assert.Equal(t, StatusUpdated, resp.RecordStatus)
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
	ok, err := env.blobs.Exists(context.Background(), v.BlobKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompletePids_ReadOnly(t *testing.T) {
	env := newTestEnv(t)
	x := parseArticle(t, article("", ""))

	c, err := env.provider.CompletePids(context.Background(), x, "a.xml", false)
	require.NoError(t, err)

	assert.Len(t, c.V3, 23)
	assert.True(t, strings.HasPrefix(c.V2, "S0034-89102024"), c.V2)
	assert.True(t, c.XMLChanged)
	assert.Equal(t, c.V3, c.XML.V3())
	assert.Empty(t, x.V3(), "the input is not modified")
	assert.EqualValues(t, 0, env.count(t, &models.Record{}))
	assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}))
}

func TestCompletePids_InvalidPidIsReplaced(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.provider.CompletePids(context.Background(), parseArticle(t, article("short", v2One)), "a.xml", false)
	require.NoError(t, err)
	assert.Len(t, c.V3, 23)
	assert.Equal(t, v2One, c.V2)
	assert.Contains(t, c.ChangedPids, models.PidTypeV3)
}

func TestProvidePidForXML(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bare := article("", "")

	resp, err := env.provider.ProvidePidForXML(ctx, parseArticle(t, bare), RegisterOptions{Filename: "a.xml"})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, resp.RecordStatus)
	assert.True(t, resp.XMLChanged)
	assert.Contains(t, resp.ChangedPids, models.PidTypeV3)
	assert.Contains(t, resp.ChangedPids, models.PidTypeV2)
	x, err := xmlsps.Parse([]byte(resp.XML))
	require.NoError(t, err)
	assert.Equal(t, resp.V3, x.V3())

	// ohne PIDs erneut eingereicht: dieselben PIDs, nichts Neues
	again, err := env.provider.ProvidePidForXML(ctx, parseArticle(t, bare), RegisterOptions{Filename: "a.xml"})
	require.NoError(t, err)
	assert.Equal(t, StatusRetrieved, again.RecordStatus)
	assert.Equal(t, resp.V3, again.V3)
	assert.Equal(t, resp.V2, again.V2)
	assert.True(t, again.XMLChanged)
	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
}

func TestProvidePidForXML_CompletionErrorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := article("", "")
	a.IssnElectronic, a.IssnPrint = "", ""

	_, err := env.provider.ProvidePidForXML(context.Background(), parseArticle(t, a), RegisterOptions{Filename: "a.xml"})
	assert.ErrorIs(t, err, ErrRequiredISSN)
	assert.EqualValues(t, 1, env.count(t, &models.BadRequest{}))
}

func TestProvidePidForZip(t *testing.T) {
	env := newTestEnv(t)
	content, err := xmlsps.CreateZip(map[string][]byte{
		"one.xml":    article(v3One, v2One).Bytes(),
		"two.xml":    otherArticle(v3Two, v2Two).Bytes(),
		"broken.xml": []byte("<article><front id=></front></article>"),
		"readme.txt": []byte("ignored"),
	})
	require.NoError(t, err)

	results, err := env.provider.ProvidePidForZip(context.Background(), content, RegisterOptions{User: "zip"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := map[string]Result{}
	for _, r := range results {
		if r.IsError() {
			byName[r.ErrorResult.Filename] = r
		} else {
			byName[r.Response.Filename] = r
		}
	}
	require.Contains(t, byName, "broken.xml")
	assert.Equal(t, TypeInvalidXML, byName["broken.xml"].ErrorType)
	require.Contains(t, byName, "one.xml")
	assert.Equal(t, v3One, byName["one.xml"].V3)
	require.Contains(t, byName, "two.xml")
	assert.Equal(t, StatusCreated, byName["two.xml"].RecordStatus)
	assert.EqualValues(t, 2, env.count(t, &models.Record{}))
}

func TestProvidePidForZip_NotAZip(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.provider.ProvidePidForZip(context.Background(), []byte("plain"), RegisterOptions{})
	assert.ErrorIs(t, err, ErrInvalidXML)
}

func TestIsRegistered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := article(v3One, v2One)
	env.mustRegister(t, a, "a.xml")

	out, err := env.provider.IsRegistered(ctx, parseArticle(t, a), "a.xml")
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.True(t, out.IsEqual)
	assert.Nil(t, out.Backfill)

	out, err = env.provider.IsRegistered(ctx, parseArticle(t, article("", "")), "a.xml")
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.False(t, out.IsEqual)
	assert.Equal(t, map[string]string{
		models.PidTypeV3: v3One,
		models.PidTypeV2: v2One,
	}, out.Backfill)

	out, err = env.provider.IsRegistered(ctx, parseArticle(t, otherArticle("", "")), "b.xml")
	require.NoError(t, err)
	assert.False(t, out.Found)
	assert.Nil(t, out.Record)

	events, err := env.provider.Timeline().Events(ctx, env.db, "a", models.ProcedureIsRegistered)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.EqualValues(t, 1, env.count(t, &models.XMLVersion{}))
}

func TestFixPidV2(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustRegister(t, article(v3One, v2One), "a.xml")

	resp, err := env.provider.FixPidV2(ctx, v3One, v2Two, "fixer")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, resp.RecordStatus)
	assert.Equal(t, v2Two, resp.V2)
	assert.Equal(t, map[string]string{models.PidTypeV2: v2Two}, resp.ChangedPids)

	rec := env.record(t, v3One)
	assert.Equal(t, v2Two, rec.V2)
	assert.Equal(t, "fixer", rec.Updater)
	assert.False(t, rec.RegisteredInCore)

	aliases, err := env.provider.index.Aliases(ctx, env.db, rec.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, models.PidTypeV2, aliases[0].Type)
	assert.Equal(t, v2One, aliases[0].Value)

	content, _, err := env.provider.CurrentXML(ctx, v3One)
	require.NoError(t, err)
	x, err := xmlsps.Parse(content)
	require.NoError(t, err)
	assert.Equal(t, v2Two, x.V2())
	assert.EqualValues(t, 2, env.count(t, &models.XMLVersion{}, "record_id = ?", rec.ID))

	// erneuter Aufruf ändert nichts
	resp, err = env.provider.FixPidV2(ctx, v3One, v2Two, "fixer")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrieved, resp.RecordStatus)

	// das alte XML wird weiterhin dem Datensatz zugeordnet
	again := env.mustRegister(t, article(v3One, v2One), "a.xml")
	assert.Equal(t, v2Two, again.V2)
	assert.EqualValues(t, 1, env.count(t, &models.Record{}))
}

func TestFixPidV2_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid v2", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.FixPidV2(ctx, v3One, "short", "fixer")
		assert.ErrorIs(t, err, ErrInvalidPid)
	})

	t.Run("unknown v3", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.FixPidV2(ctx, v3One, v2Two, "fixer")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("v2 owned by another record", func(t *testing.T) {
		env := newTestEnv(t)
		env.mustRegister(t, article(v3One, v2One), "a.xml")
		env.mustRegister(t, otherArticle(v3Two, v2Two), "b.xml")

		_, err := env.provider.FixPidV2(ctx, v3One, v2Two, "fixer")
		var conflict *PidConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, v3Two, conflict.OwnerV3)
		assert.Equal(t, v2One, env.record(t, v3One).V2)
	})

	t.Run("no stored version", func(t *testing.T) {
		env := newTestEnv(t)
		env.mustRegister(t, article(v3One, v2One), "a.xml")
		var v models.XMLVersion
		require.NoError(t, env.db.First(&v).Error)
		env.blobs.Delete(v.BlobKey)

		_, err := env.provider.FixPidV2(ctx, v3One, v2Two, "fixer")
		assert.ErrorIs(t, err, ErrNoVersion)
		assert.Equal(t, v2One, env.record(t, v3One).V2)
		assert.EqualValues(t, 0, env.count(t, &models.IssuedPid{}, "value = ?", v2Two))

		events, err := env.provider.Timeline().Events(ctx, env.db, "a", models.ProcedureFixPidV2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.NotEmpty(t, events[1].Error)
	})
}

func TestResultMarshalJSON(t *testing.T) {
	ok := Result{Response: &Response{V3: v3One, V2: v2One, RecordStatus: StatusCreated}}
	b, err := ok.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"aop_pid":null`)
	assert.Contains(t, string(b), `"record_status":"created"`)

	failed := Result{ErrorResult: NewErrorResult(ErrInvalidPid, "fp", "a.xml")}
	b, err = failed.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error_type":"InvalidPid","error_message":"invalid pid","id":"fp","filename":"a.xml"}`, string(b))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pid-provider/models"
)

func TestVersionStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vs := env.provider.Versions()

	rec := &models.Record{V3: v3One, V2: v2One, PkgName: "a", IssnElectronic: "1234-5678"}
	require.NoError(t, env.db.Create(rec).Error)

	_, err := vs.Latest(ctx, env.db, rec)
	assert.ErrorIs(t, err, ErrNoVersion)

	first, created, err := vs.GetOrCreate(ctx, env.db, rec, "fp1", []byte("<a/>"), "a.xml", "test")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, vs.Key(rec, "fp1"), first.BlobKey)

	again, created, err := vs.GetOrCreate(ctx, env.db, rec, "fp1", []byte("<a/>"), "a.xml", "test")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	second, _, err := vs.GetOrCreate(ctx, env.db, rec, "fp2", []byte("<b/>"), "a.xml", "test")
	require.NoError(t, err)
	n, err := vs.Count(ctx, env.db, rec.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rec.CurrentVersionID = &first.ID
	latest, err := vs.Latest(ctx, env.db, rec)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	equal, err := vs.IsEqualTo(ctx, env.db, rec, "fp1")
	require.NoError(t, err)
	assert.True(t, equal)

	// ohne Blob fällt Latest auf die jüngste vorhandene Fassung zurück
	env.blobs.Delete(first.BlobKey)
	latest, err = vs.Latest(ctx, env.db, rec)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	content, err := vs.Load(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, "<b/>", string(content))

	equal, err = vs.IsEqualTo(ctx, env.db, rec, "fp1")
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestTimeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tl := NewTimeline(zap.NewNop())

	entry, err := tl.Entry(ctx, env.db, "a", models.ProcedureRegistration)
	require.NoError(t, err)
	same, err := tl.Entry(ctx, env.db, "a", models.ProcedureRegistration)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, same.ID)

	other, err := tl.Entry(ctx, env.db, "a", models.ProcedureFixPidV2)
	require.NoError(t, err)
	assert.NotEqual(t, entry.ID, other.ID)

	require.NoError(t, tl.Append(ctx, env.db, entry, "start", map[string]any{"v3": v3One}, nil))
	require.NoError(t, tl.Append(ctx, env.db, entry, "finish", nil, errors.New("boom")))
	require.NoError(t, tl.Append(ctx, env.db, other, "start", nil, nil))

	events, err := tl.Events(ctx, env.db, "a", models.ProcedureRegistration)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "start", events[0].Name)
	assert.JSONEq(t, `{"v3":"`+v3One+`"}`, string(events[0].Detail))
	assert.Equal(t, "boom", events[1].Error)
}

func TestEventSink(t *testing.T) {
	env := newTestEnv(t)
	cause := errors.New("disk full")
	ev := env.provider.Sink().Record(context.Background(), "register", fmt.Errorf("storing: %w", cause), map[string]any{"pkg_name": "a"})

	var stored models.UnexpectedEvent
	require.NoError(t, env.db.Where("uuid = ?", ev.UUID).First(&stored).Error)
	assert.Equal(t, "register", stored.Operation)
	assert.Equal(t, "*errors.errorString", stored.ExceptionType)
	assert.Equal(t, "storing: disk full", stored.ExceptionMsg)
	assert.NotEmpty(t, stored.Traceback)
	assert.JSONEq(t, `{"pkg_name":"a"}`, string(stored.Detail))
}

func TestErrorType(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&PidConflictError{Type: models.PidTypeV3}, TypePidV3Conflict},
		{fmt.Errorf("wrapped: %w", &PidConflictError{Type: models.PidTypeV2}), TypePidV2Conflict},
		{&PidConflictError{Type: models.PidTypeAOP}, TypeAopConflict},
		{&ForbiddenRegistrationError{}, TypeForbiddenRegistration},
		{&MultipleObjectsError{}, TypeMultipleObjects},
		{fmt.Errorf("%w: x", ErrInvalidPid), TypeInvalidPid},
		{ErrInvalidXML, TypeInvalidXML},
		{ErrRequiredISSN, TypeRequiredISSN},
		{ErrRequiredPublicationYear, TypeRequiredPublicationYear},
		{ErrNotEnoughParameters, TypeNotEnoughParameters},
		{ErrRecordNotFound, TypeRecordNotFound},
		{ErrFetch, TypeFetch},
		{ErrNoVersion, TypeNoVersion},
		{errors.New("boom"), TypeUnexpected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorType(tc.err), "%v", tc.err)
	}
	assert.True(t, IsDomainError(ErrInvalidPid))
	assert.False(t, IsDomainError(errors.New("boom")))
	assert.False(t, IsDomainError(nil))
}

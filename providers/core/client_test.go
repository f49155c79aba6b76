package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pid-provider/config"
	"pid-provider/xmlsps"
	"pid-provider/xmlsps/xmlspstest"
)

type coreServer struct {
	*httptest.Server
	tokenCalls   atomic.Int32
	postCalls    atomic.Int32
	rejectFirst  atomic.Bool
	tokenStatus  int
	postStatus   int
	lastFilename atomic.Value
}

func newCoreServer(t *testing.T) *coreServer {
	t.Helper()
	s := &coreServer{tokenStatus: http.StatusOK, postStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/token/", func(w http.ResponseWriter, r *http.Request) {
		n := s.tokenCalls.Add(1)
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds["username"] != "user" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.tokenStatus != http.StatusOK {
			w.WriteHeader(s.tokenStatus)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{Refresh: "r", Access: "token-" + string(rune('0'+n))})
	})
	mux.HandleFunc("/api/v2/pid/pid_provider/", func(w http.ResponseWriter, r *http.Request) {
		s.postCalls.Add(1)
		if s.rejectFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fh, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer fh.Close()
		s.lastFilename.Store(hdr.Filename)
		data, _ := io.ReadAll(fh)
		items, err := xmlsps.ReadZip(data)
		if err != nil || len(items) != 1 || items[0].Err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		x := items[0].XML
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.postStatus)
		if s.postStatus == http.StatusBadRequest {
			json.NewEncoder(w).Encode([]map[string]any{{"error_type": "PidV3Conflict", "error_message": "taken", "filename": items[0].Filename}})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{{"v3": x.V3(), "v2": x.V2(), "record_status": "created", "filename": items[0].Filename}})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *coreServer) client() *Client {
	return NewClient(&config.Config{
		APIPostXMLURL:  s.URL + "/api/v2/pid/pid_provider/",
		APIGetTokenURL: s.URL + "/api/v2/auth/token/",
		APIUsername:    "user",
		APIPassword:    "secret",
	}, zap.NewNop())
}

func sample() []byte {
	return xmlspstest.Default().WithPids("JZpHbCdRf8kVTy4KtXq2aBc", "S1234-56782024000300001", "").Bytes()
}

func TestClient_Register(t *testing.T) {
	srv := newCoreServer(t)
	c := srv.client()
	assert.Equal(t, "core", c.Name())

	results, err := c.Register(context.Background(), "a", sample())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
	assert.Equal(t, "JZpHbCdRf8kVTy4KtXq2aBc", results[0].V3)
	assert.Equal(t, "a.xml", results[0].Filename)
	assert.Equal(t, "a.zip", srv.lastFilename.Load())

	_, err = c.Register(context.Background(), "b.xml", sample())
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.tokenCalls.Load(), "token is cached")
	assert.EqualValues(t, 2, srv.postCalls.Load())
}

func TestClient_RefreshesTokenOnce(t *testing.T) {
	srv := newCoreServer(t)
	c := srv.client()
	srv.rejectFirst.Store(true)

	results, err := c.Register(context.Background(), "a.xml", sample())
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.EqualValues(t, 2, srv.tokenCalls.Load())
	assert.EqualValues(t, 2, srv.postCalls.Load())
}

func TestClient_Rejection(t *testing.T) {
	srv := newCoreServer(t)
	srv.postStatus = http.StatusBadRequest

	results, err := srv.client().Register(context.Background(), "a.xml", sample())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Equal(t, "PidV3Conflict", results[0].ErrorType)
}

func TestClient_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, err := NewClient(&config.Config{}, zap.NewNop()).Register(context.Background(), "a.xml", sample())
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("bad credentials", func(t *testing.T) {
		srv := newCoreServer(t)
		srv.tokenStatus = http.StatusUnauthorized
		_, err := srv.client().Register(context.Background(), "a.xml", sample())
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("server error", func(t *testing.T) {
		srv := newCoreServer(t)
		srv.postStatus = http.StatusInternalServerError
		_, err := srv.client().Register(context.Background(), "a.xml", sample())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("cancelled", func(t *testing.T) {
		srv := newCoreServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := srv.client().Register(ctx, "a.xml", sample())
		assert.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}

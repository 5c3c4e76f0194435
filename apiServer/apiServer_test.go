package apiServer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	antdist "github.com/antdist/antdist"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
)

func testManifest(version string) string {
	return fmt.Sprintf(`{
		"id": "com.example.notes",
		"name": "Notes",
		"version": %q,
		"iconUri": "icon",
		"description": "notes app",
		"components": []
	}`, version)
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	net := network.NewMemoryNet()
	dist, err := antdist.New(antdist.Config{
		Network: network.ModeLocal,
		Dialer: func(ctx context.Context, mode network.Mode) (network.Client, error) {
			return net, nil
		},
		CacheDir: t.TempDir(),
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, dist.Start(context.Background()))
	t.Cleanup(func() { _ = dist.Close(context.Background()) })

	return New(dist, opts...)
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func errCodeOf(t *testing.T, rec *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code int `json:"code"`
			Data struct {
				Code string `json:"code"`
			} `json:"data"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code, envelope.Error.Data.Code
}

func publishBody(version string) []byte {
	return []byte(fmt.Sprintf(`{"appId": "com.example.notes", "manifest": %s}`, testManifest(version)))
}

func TestPublishAndLatest(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/publish", publishBody("1.0.0"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		URI   string `json:"uri"`
		Entry string `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.URI)

	rec = do(t, s, http.MethodGet, "/apps/com.example.notes/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var latest entryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, created.Entry, latest.Entry)
	assert.Equal(t, created.URI, latest.ManifestURI)
}

func TestPublishValidationError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/publish",
		[]byte(`{"appId": "com.example.notes", "manifest": {"name": "X"}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	code, symbol := errCodeOf(t, rec)
	assert.Equal(t, codeValidation, code)
	assert.Equal(t, "validation_error", symbol)
}

func TestLatestUnknownApp(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/apps/com.example.ghost/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	code, symbol := errCodeOf(t, rec)
	assert.Equal(t, codeNotFound, code)
	assert.Equal(t, "not_found", symbol)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		rec := do(t, s, http.MethodPost, "/publish", publishBody(v))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, s, http.MethodGet, "/apps/com.example.notes/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Entries []entryView `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Entries, 3)

	rec = do(t, s, http.MethodGet, "/apps/com.example.notes/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Entries, 2)
}

func TestManifestEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/publish", publishBody("1.0.0"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodGet, "/apps/com.example.notes/manifest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Antdist-Entry"))

	var m struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "com.example.notes", m.ID)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestUploadDownload(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	payload := []byte("artifact bytes over http")
	rec := do(t, s, http.MethodPost, "/upload", payload)
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded struct {
		URI string `json:"uri"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = do(t, s, http.MethodGet, "/download?uri="+uploaded.URI, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestDownloadBadURI(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/download?uri=http://example.com/x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	code, symbol := errCodeOf(t, rec)
	assert.Equal(t, codeInvalidParams, code)
	assert.Equal(t, "invalid_uri", symbol)
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/estimate", []byte("some payload"))
	require.Equal(t, http.StatusOK, rec.Code)

	var estimate struct {
		Chunks int    `json:"Chunks"`
		Total  uint64 `json:"Total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &estimate))
	assert.Equal(t, 1, estimate.Chunks)
	assert.Greater(t, estimate.Total, uint64(0))
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodDelete, "/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"healthy": true}`, rec.Body.String())
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, WithAuth(TokenAuth("secret")))

	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	code, symbol := errCodeOf(t, rec)
	assert.Equal(t, codeUnauthorized, code)
	assert.Equal(t, "unauthorized", symbol)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	ok := httptest.NewRecorder()
	s.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Auth-Token", "wrong")
	bad := httptest.NewRecorder()
	s.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, WithAuth(TokenAuth("secret")))

	req := httptest.NewRequest(http.MethodOptions, "/publish", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	// Preflight succeeds without credentials.
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

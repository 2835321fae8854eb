package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()
	require.NoError(t, cfg.validate())
	s, err := newServer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ts := httptest.NewServer(s.handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res, body
}

func TestServeMemoryBackendWithSeed(t *testing.T) {
	seed := writeFile(t, "seed.yaml", `
users:
  alice:
    name: Alice
`)
	ts := newTestServer(t, &Config{
		Backend:    backendMemory,
		BasePath:   "/api",
		SeedFile:   seed,
		LogLevel:   "info",
		ContextTTL: 0,
	})

	res, body := getJSON(t, ts.URL+"/api/users/alice")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "Alice", body["name"])

	// The request chain was saved and can be fetched back.
	id := res.Header.Get("X-Context-Id")
	require.NotEmpty(t, id)
	res, body = getJSON(t, ts.URL+"/_contexts/"+id)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, body)

	res, _ = getJSON(t, ts.URL+"/elsewhere")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServeFSBackend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644))
	ts := newTestServer(t, &Config{Backend: backendFS, FSRoot: root, BasePath: "/", LogLevel: "info"})

	res, err := http.Get(ts.URL + "/hello.txt?_mimeType=application/octet-stream")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "hi", string(b))
}

func TestNewServerRejectsMissingSeed(t *testing.T) {
	_, err := newServer(context.Background(), &Config{
		Backend:  backendMemory,
		SeedFile: filepath.Join(t.TempDir(), "missing.yaml"),
		LogLevel: "info",
	}, slog.Default())
	require.Error(t, err)
}

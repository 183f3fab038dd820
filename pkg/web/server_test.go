package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/vat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Options{Level: "error", JSON: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *vat.Runtime, *httptest.Server) {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rt := vat.New("vat-web-test", s, nil)
	srv := New(rt, nil, "sekrit")
	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, rt, ts
}

func get(t *testing.T, url, nonce string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if nonce != "" {
		req.Header.Set("Authorization", "Bearer "+nonce)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, url, nonce, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if nonce != "" {
		req.Header.Set("Authorization", "Bearer "+nonce)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp := get(t, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlRequiresNonce(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name  string
		nonce string
		want  int
	}{
		{name: "missing nonce", nonce: "", want: http.StatusForbidden},
		{name: "wrong nonce", nonce: "guess", want: http.StatusForbidden},
		{name: "right nonce", nonce: "sekrit", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, ts.URL+"/status", tt.nonce)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStatusShape(t *testing.T) {
	_, rt, ts := newTestServer(t)
	_, err := rt.CreateMemory("{}")
	require.NoError(t, err)

	resp := get(t, ts.URL+"/status", "sekrit")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "vat-web-test", st["vat_id"])
	assert.Equal(t, float64(1), st["memories"])
}

func TestPokeCreateMemory(t *testing.T) {
	_, rt, ts := newTestServer(t)

	resp := post(t, ts.URL+"/poke", "sekrit", "create-memory")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "created memory mem-")

	err = rt.Store().View(func(tx *storage.Tx) error {
		memories, err := tx.ListMemories()
		if err != nil {
			return err
		}
		assert.Len(t, memories, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestBarePokeTriggersQueues(t *testing.T) {
	srv, _, ts := newTestServer(t)
	drained, kicked := false, false
	srv.Drain = func() { drained = true }
	srv.KickTransport = func() { kicked = true }

	resp := post(t, ts.URL+"/poke", "sekrit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "I am poked")
	assert.True(t, drained)
	assert.True(t, kicked)
}

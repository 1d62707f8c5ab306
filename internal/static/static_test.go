package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

func TestACMEHandler_ServesChallengeToken(t *testing.T) {
	webroot := t.TempDir()
	dir := filepath.Join(webroot, ".well-known", "acme-challenge")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc"), []byte("token-body"), 0o644))

	h := NewACMEHandler(webroot)
	req := httptest.NewRequest(http.MethodGet, "http://site.test/.well-known/acme-challenge/abc", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "token-body", rr.Body.String())
}

func TestACMEHandler_UnknownTokenIs404(t *testing.T) {
	h := NewACMEHandler(t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "http://site.test/.well-known/acme-challenge/nope", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFileHandler_StripPrefix(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello"), 0o644))

	h := NewFileHandler(model.Static{
		Name:        "files",
		PathPrefix:  "/downloads",
		Root:        root,
		StripPrefix: true,
	})
	req := httptest.NewRequest(http.MethodGet, "http://site.test/downloads/f.txt", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello", rr.Body.String())
}

func TestIsChallenge(t *testing.T) {
	assert.True(t, IsChallenge("/.well-known/acme-challenge/x"))
	assert.False(t, IsChallenge("/.well-known/other"))
}

package static

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// ChallengePrefix is the ACME HTTP-01 path served from the webroot.
const ChallengePrefix = "/.well-known/acme-challenge/"

// NewACMEHandler serves challenge files from a certbot-style webroot
// (webroot/.well-known/acme-challenge/<token>).
func NewACMEHandler(webroot string) http.Handler {
	dir := http.Dir(filepath.Join(webroot, ".well-known", "acme-challenge"))
	return http.StripPrefix(ChallengePrefix, http.FileServer(dir))
}

// IsChallenge reports whether the path is an ACME challenge request.
func IsChallenge(path string) bool {
	return strings.HasPrefix(path, ChallengePrefix)
}

// NewFileHandler serves a document root for a static rule, optionally
// stripping the matched prefix.
func NewFileHandler(rule model.Static) http.Handler {
	fs := http.FileServer(http.Dir(rule.Root))
	if !rule.StripPrefix || rule.PathPrefix == "/" {
		return fs
	}
	return http.StripPrefix(strings.TrimSuffix(rule.PathPrefix, "/"), fs)
}

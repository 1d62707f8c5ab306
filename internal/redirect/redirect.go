package redirect

import (
	"net"
	"net/url"
	"strings"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// ReservedPrefix is never redirected: ACME HTTP-01 validation must reach the
// challenge files over plain HTTP even on hosts that force HTTPS.
const ReservedPrefix = "/.well-known/"

// Bypass reports whether the path is exempt from all redirect rules.
func Bypass(path string) bool {
	return strings.HasPrefix(path, ReservedPrefix)
}

// Target builds the Location header value for rule r applied to a request
// with the given scheme and Host header. Path and query are preserved
// verbatim (escaped form, no decode/re-encode).
func Target(r *model.Redirect, scheme, host string, u *url.URL) string {
	toScheme := r.ToScheme
	if toScheme == "" {
		toScheme = scheme
	}

	toHost := host
	switch {
	case r.WWW != "":
		toHost = NormalizeWWW(r.WWW, host)
	case r.ToHost != "":
		toHost = r.ToHost
	}
	if toScheme != scheme {
		// scheme change moves to the target scheme's default port
		toHost = hostOnly(toHost)
	}
	return build(toScheme, toHost, u)
}

// Original reconstructs the request's own URL in escaped form. A rule whose
// target equals it is a no-op and must not redirect: the Location would point
// back at itself. www rules with a broad match hit this on hosts that are
// already normalized.
func Original(scheme, host string, u *url.URL) string {
	return build(scheme, host, u)
}

func build(scheme, host string, u *url.URL) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// NormalizeWWW applies the www policy to a host. It is idempotent: applying
// the same mode twice yields the host the first application produced.
func NormalizeWWW(mode, host string) string {
	bare := hostOnly(host)
	switch mode {
	case "strip":
		if rest, ok := strings.CutPrefix(bare, "www."); ok {
			return rest + portSuffix(host)
		}
	case "add":
		if !strings.HasPrefix(bare, "www.") {
			return "www." + bare + portSuffix(host)
		}
	}
	return host
}

// hostOnly drops an explicit port, keeping IPv6 literals bracketed so the
// result is still valid in a URL.
func hostOnly(h string) string {
	host, _, err := net.SplitHostPort(h)
	if err != nil {
		return h
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func portSuffix(h string) string {
	if _, port, err := net.SplitHostPort(h); err == nil {
		return ":" + port
	}
	return ""
}

package model

import "net/url"

// Service is an upstream balancer group with protocol and endpoints.
type Service struct {
	Name      string
	Proto     string     // "http1" | "auto"
	Endpoints []Endpoint // normalized, non-empty
	TLS       *UpstreamTLS

	// VirtualHostBase, when non-empty, is the site identifier embedded in the
	// Plone-style /VirtualHostBase/<scheme>/<host>:<port>/<site>/VirtualHostRoot
	// path prefix so the backend can reconstruct the external URL.
	VirtualHostBase string
}

type UpstreamTLS struct {
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
}

type Endpoint struct {
	URL    *url.URL
	Weight int // 0 means default (1)
}

// Route is a proxy rule: match + backend selection.
type Route struct {
	Name         string
	Host         string // empty => wildcard; may be "*.example.com"
	PathPrefix   string // must start with "/"
	Service      string // Service.Name
	PreserveHost bool
	HostRewrite  string           // if set, overrides PreserveHost
	RateLimit    *RateLimitConfig // optional per-route limit
}

// Redirect sends the client elsewhere instead of proxying.
type Redirect struct {
	Name       string
	Host       string // match host; empty => wildcard
	Scheme     string // match scheme; empty => any
	PathPrefix string
	ToScheme   string // target scheme; empty => keep original
	ToHost     string // target host; empty => keep original
	WWW        string // "strip" | "add": derive target host from request host
	Status     int    // 301 or 302
}

// Static serves files from a document root without proxying.
type Static struct {
	Name        string
	Host        string
	PathPrefix  string
	Root        string
	StripPrefix bool
}

// CertificateBundle names the PEM files backing one TLS identity.
// All three files must be readable before a listener using the bundle binds.
type CertificateBundle struct {
	Name      string
	CertFile  string
	KeyFile   string
	ChainFile string
	Domains   []string // SNI names covered; empty => bundle name only
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Listener defines an entrypoint.
type Listener struct {
	Name    string
	Address string
	TLS     []string // certificate bundle names; empty => plaintext
	Service string   // if non-empty, L4 TCP proxy to this service; else L7 HTTP
}

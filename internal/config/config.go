package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// DefaultUpstreamTimeout matches the proxy timeout the legacy Apache setup
// used (ProxyTimeout 1800).
const DefaultUpstreamTimeout = 1800 * time.Second

type rawConfig struct {
	EntryPoints []struct {
		Name    string   `yaml:"name"`
		Address string   `yaml:"address"`
		TLS     []string `yaml:"tls"`
		Service string   `yaml:"service"`
	} `yaml:"entrypoints"`
	Admin struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	Certificates []struct {
		Name      string   `yaml:"name"`
		CertFile  string   `yaml:"cert_file"`
		KeyFile   string   `yaml:"key_file"`
		ChainFile string   `yaml:"chain_file"`
		Domains   []string `yaml:"domains"`
	} `yaml:"certificates"`
	Services []struct {
		Name            string `yaml:"name"`
		Proto           string `yaml:"proto"`
		Endpoints       []any  `yaml:"endpoints"`
		VirtualHostBase string `yaml:"virtual_host_base"`
		TLS             *struct {
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
			CAFile             string `yaml:"ca_file"`
			CertFile           string `yaml:"cert_file"`
			KeyFile            string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"services"`
	Redirects []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string `yaml:"host"`
			Scheme     string `yaml:"scheme"`
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		Target struct {
			Scheme string `yaml:"scheme"`
			Host   string `yaml:"host"`
		} `yaml:"target"`
		WWW    string `yaml:"www_normalize"`
		Status int    `yaml:"status"`
	} `yaml:"redirects"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string `yaml:"host"`
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		Service string `yaml:"service"`
		Options struct {
			PreserveHost bool   `yaml:"preserve_host"`
			HostRewrite  string `yaml:"host_rewrite"`
			RateLimit    *struct {
				RequestsPerSecond float64 `yaml:"requests_per_second"`
				Burst             int     `yaml:"burst"`
			} `yaml:"rate_limit"`
		} `yaml:"options"`
	} `yaml:"routes"`
	Static []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string `yaml:"host"`
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		Root        string `yaml:"root"`
		StripPrefix bool   `yaml:"strip_prefix"`
	} `yaml:"static"`
	ACME struct {
		Enabled bool   `yaml:"enabled"`
		Webroot string `yaml:"webroot"`
	} `yaml:"acme"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Path     string   `yaml:"path"`
		Fields   []string `yaml:"fields"`
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"access_log"`
}

type Config struct {
	Listeners    []model.Listener
	Admin        string // admin API address; empty disables
	Certificates map[string]model.CertificateBundle
	Services     map[string]model.Service
	Redirects    []model.Redirect
	Routes       []model.Route
	Static       []model.Static
	ACME         ACME
	Timeouts     Timeouts
	AccessLog    AccessLogConfig
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Certificates: make(map[string]model.CertificateBundle),
		Services:     make(map[string]model.Service),
	}

	// listeners
	for i, ep := range rc.EntryPoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			name = fmt.Sprintf("entrypoint-%d", i)
		}
		addr := strings.TrimSpace(ep.Address)
		if addr == "" {
			return nil, fmt.Errorf("entrypoints[%d]: address is required", i)
		}
		c.Listeners = append(c.Listeners, model.Listener{
			Name:    name,
			Address: addr,
			TLS:     ep.TLS,
			Service: strings.TrimSpace(ep.Service),
		})
	}
	if len(c.Listeners) == 0 {
		c.Listeners = append(c.Listeners, model.Listener{Name: "http", Address: ":80"})
	}
	c.Admin = strings.TrimSpace(rc.Admin.Address)

	// certificate bundles
	for i, cb := range rc.Certificates {
		name := strings.TrimSpace(cb.Name)
		if name == "" {
			return nil, fmt.Errorf("certificates[%d]: name is required", i)
		}
		if _, dup := c.Certificates[name]; dup {
			return nil, fmt.Errorf("certificates: duplicate name %q", name)
		}
		if cb.CertFile == "" || cb.KeyFile == "" || cb.ChainFile == "" {
			return nil, fmt.Errorf("certificates[%d] (%s): cert_file, key_file and chain_file are all required", i, name)
		}
		c.Certificates[name] = model.CertificateBundle{
			Name:      name,
			CertFile:  cb.CertFile,
			KeyFile:   cb.KeyFile,
			ChainFile: cb.ChainFile,
			Domains:   cb.Domains,
		}
	}

	// services
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		proto := strings.ToLower(strings.TrimSpace(s.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto":
		default:
			return nil, fmt.Errorf("services[%d]: unknown proto %q", i, proto)
		}
		if len(s.Endpoints) == 0 {
			return nil, fmt.Errorf("services[%d]: endpoints is empty", i)
		}
		var eps []model.Endpoint
		for j, raw := range s.Endpoints {
			ep, err := parseEndpoint(raw)
			if err != nil {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: %w", i, j, err)
			}
			eps = append(eps, ep)
		}
		site := strings.TrimSpace(s.VirtualHostBase)
		if site != "" && !validPathSegment(site) {
			return nil, fmt.Errorf("services[%d]: virtual_host_base %q is not a valid path segment", i, site)
		}
		if _, dup := c.Services[name]; dup {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		svc := model.Service{
			Name:            name,
			Proto:           proto,
			Endpoints:       eps,
			VirtualHostBase: site,
		}
		if s.TLS != nil {
			svc.TLS = &model.UpstreamTLS{
				InsecureSkipVerify: s.TLS.InsecureSkipVerify,
				CAFile:             s.TLS.CAFile,
				CertFile:           s.TLS.CertFile,
				KeyFile:            s.TLS.KeyFile,
			}
		}
		c.Services[name] = svc
	}

	// redirects
	for i, r := range rc.Redirects {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("redirect-%d", i)
		}
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if pfx == "" {
			pfx = "/"
		}
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("redirects[%d]: path_prefix must start with '/'", i)
		}
		scheme := strings.ToLower(strings.TrimSpace(r.Match.Scheme))
		switch scheme {
		case "", "http", "https":
		default:
			return nil, fmt.Errorf("redirects[%d]: unknown scheme %q", i, scheme)
		}
		www := strings.ToLower(strings.TrimSpace(r.WWW))
		switch www {
		case "", "strip", "add":
		default:
			return nil, fmt.Errorf("redirects[%d]: www_normalize must be \"strip\" or \"add\"", i)
		}
		status := r.Status
		if status == 0 {
			status = 301
		}
		if status != 301 && status != 302 {
			return nil, fmt.Errorf("redirects[%d]: status must be 301 or 302", i)
		}
		rd := model.Redirect{
			Name:       name,
			Host:       strings.ToLower(strings.TrimSpace(r.Match.Host)),
			Scheme:     scheme,
			PathPrefix: pfx,
			ToScheme:   strings.ToLower(strings.TrimSpace(r.Target.Scheme)),
			ToHost:     strings.ToLower(strings.TrimSpace(r.Target.Host)),
			WWW:        www,
			Status:     status,
		}
		if err := checkRedirectLoop(rd); err != nil {
			return nil, fmt.Errorf("redirects[%d] (%s): %w", i, name, err)
		}
		c.Redirects = append(c.Redirects, rd)
	}

	// routes
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}
		service := strings.TrimSpace(r.Service)
		if service == "" {
			return nil, fmt.Errorf("routes[%d]: service is required", i)
		}
		if _, ok := c.Services[service]; !ok {
			return nil, fmt.Errorf("routes[%d]: service=%q not found in services", i, service)
		}
		rt := model.Route{
			Name:         name,
			Host:         strings.ToLower(strings.TrimSpace(r.Match.Host)),
			PathPrefix:   pfx,
			Service:      service,
			PreserveHost: r.Options.PreserveHost,
			HostRewrite:  strings.TrimSpace(r.Options.HostRewrite),
		}
		if rl := r.Options.RateLimit; rl != nil {
			if rl.RequestsPerSecond <= 0 {
				return nil, fmt.Errorf("routes[%d]: rate_limit.requests_per_second must be positive", i)
			}
			burst := rl.Burst
			if burst <= 0 {
				burst = 1
			}
			rt.RateLimit = &model.RateLimitConfig{
				RequestsPerSecond: rl.RequestsPerSecond,
				Burst:             burst,
			}
		}
		c.Routes = append(c.Routes, rt)
	}

	// static rules
	for i, s := range rc.Static {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = fmt.Sprintf("static-%d", i)
		}
		pfx := strings.TrimSpace(s.Match.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return nil, fmt.Errorf("static[%d]: path_prefix must start with '/'", i)
		}
		root := strings.TrimSpace(s.Root)
		if root == "" {
			return nil, fmt.Errorf("static[%d]: root is required", i)
		}
		c.Static = append(c.Static, model.Static{
			Name:        name,
			Host:        strings.ToLower(strings.TrimSpace(s.Match.Host)),
			PathPrefix:  pfx,
			Root:        root,
			StripPrefix: s.StripPrefix,
		})
	}

	// acme
	c.ACME = ACME{Enabled: rc.ACME.Enabled, Webroot: strings.TrimSpace(rc.ACME.Webroot)}
	if c.ACME.Enabled && c.ACME.Webroot == "" {
		return nil, fmt.Errorf("acme: webroot is required when enabled")
	}

	// listener TLS references
	for i, l := range c.Listeners {
		for _, ref := range l.TLS {
			if _, ok := c.Certificates[ref]; !ok {
				return nil, fmt.Errorf("entrypoints[%d] (%s): unknown certificate bundle %q", i, l.Name, ref)
			}
		}
		if l.Service != "" {
			if _, ok := c.Services[l.Service]; !ok {
				return nil, fmt.Errorf("entrypoints[%d] (%s): unknown service %q", i, l.Name, l.Service)
			}
		}
	}

	// timeouts
	var err error
	if c.Timeouts.Read, err = parseDuration(rc.Timeouts.Read); err != nil {
		return nil, fmt.Errorf("timeouts.read: %w", err)
	}
	if c.Timeouts.Write, err = parseDuration(rc.Timeouts.Write); err != nil {
		return nil, fmt.Errorf("timeouts.write: %w", err)
	}
	if c.Timeouts.Upstream, err = parseDuration(rc.Timeouts.Upstream); err != nil {
		return nil, fmt.Errorf("timeouts.upstream: %w", err)
	}
	if c.Timeouts.Upstream == 0 {
		c.Timeouts.Upstream = DefaultUpstreamTimeout
	}

	// access log
	c.AccessLog = AccessLogConfig{
		Path:     strings.TrimSpace(rc.AccessLog.Path),
		Fields:   rc.AccessLog.Fields,
		Sampling: 1.0,
	}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be in [0,1]")
		}
		c.AccessLog.Sampling = s
	}

	return c, nil
}

func parseEndpoint(raw any) (model.Endpoint, error) {
	var rawURL string
	weight := 1

	switch v := raw.(type) {
	case string:
		rawURL = v
	case map[string]any:
		if u, ok := v["url"].(string); ok {
			rawURL = u
		}
		if w, ok := v["weight"].(int); ok {
			weight = w
		}
	default:
		return model.Endpoint{}, fmt.Errorf("invalid format")
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("parse: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return model.Endpoint{}, fmt.Errorf("must be http(s) URL with host")
		}
	case "unix":
		// PHP-FPM style socket endpoint: unix:///run/php/fpm.sock
		if u.Path == "" {
			return model.Endpoint{}, fmt.Errorf("unix endpoint needs a socket path")
		}
	default:
		return model.Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return model.Endpoint{URL: u, Weight: weight}, nil
}

// checkRedirectLoop rejects rules whose target resolves to their own match.
func checkRedirectLoop(r model.Redirect) error {
	if r.WWW != "" {
		// strip/add is idempotent; a match it does not change is served as a
		// no-op by the handler instead of redirecting
		return nil
	}
	// a rule is loop-free only if the target provably changes the host or
	// the scheme for every request it matches
	hostChanges := r.ToHost != "" && r.Host != "" && r.ToHost != r.Host
	schemeChanges := r.ToScheme != "" && r.Scheme != "" && r.ToScheme != r.Scheme
	if hostChanges || schemeChanges {
		return nil
	}
	if r.ToHost == "" && r.ToScheme == "" {
		return fmt.Errorf("target must change scheme or host (redirect loop)")
	}
	return fmt.Errorf("target can match its own output; pin match.host and match.scheme so the target provably differs (redirect loop)")
}

func validPathSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	if strings.ContainsAny(s, "/?#%\\ ") {
		return false
	}
	return true
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

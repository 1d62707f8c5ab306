package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the default transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 to disable
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns a RoundTripper by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	RegisterService(svc model.Service) error
	Unix(socketPath string) http.RoundTripper
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers. "http1" and "auto"
// are pre-registered; services with upstream TLS settings get their own
// transport via RegisterService.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newTransport(false, nil)
	r.store[ProtoAuto] = r.newTransport(true, nil)
	return r
}

func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	rt, ok := r.store[name]
	r.mu.RUnlock()
	if ok && rt != nil {
		return rt
	}
	r.mu.RLock()
	fb := r.store[ProtoHTTP1]
	r.mu.RUnlock()
	return fb
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// RegisterService builds a dedicated transport for a service that carries
// upstream TLS settings, keyed by the service name. Services without TLS
// settings use the shared proto transports.
func (r *Registry) RegisterService(svc model.Service) error {
	if svc.TLS == nil {
		return nil
	}
	tc := &tls.Config{InsecureSkipVerify: svc.TLS.InsecureSkipVerify}
	if svc.TLS.CAFile != "" {
		pem, err := os.ReadFile(svc.TLS.CAFile)
		if err != nil {
			return fmt.Errorf("service %q: read ca file: %w", svc.Name, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("service %q: no certificates in %s", svc.Name, svc.TLS.CAFile)
		}
		tc.RootCAs = pool
	}
	if svc.TLS.CertFile != "" || svc.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(svc.TLS.CertFile, svc.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("service %q: client keypair: %w", svc.Name, err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	r.Register(svc.Name, r.newTransport(svc.Proto == ProtoAuto, tc))
	return nil
}

// Unix returns a transport that dials the given unix socket regardless of the
// request host, lazily built and cached per socket path.
func (r *Registry) Unix(socketPath string) http.RoundTripper {
	key := "unix:" + socketPath
	r.mu.RLock()
	rt, ok := r.store[key]
	r.mu.RUnlock()
	if ok {
		return rt
	}

	dialer := &net.Dialer{Timeout: r.opts.DialTimeout}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	r.mu.Lock()
	if existing, ok := r.store[key]; ok {
		tr.CloseIdleConnections()
		r.mu.Unlock()
		return existing
	}
	r.store[key] = tr
	r.mu.Unlock()
	return tr
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) newTransport(allowH2 bool, tc *tls.Config) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	if tc == nil {
		tc = &tls.Config{}
	}
	if !allowH2 {
		tc.NextProtos = []string{"http/1.1"}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     allowH2,
		TLSClientConfig:       tc,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

var _ Factory = (*Registry)(nil)

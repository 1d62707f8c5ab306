package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fabian4/vhost-gateway-go/internal/config"
	fwd "github.com/fabian4/vhost-gateway-go/internal/forward"
	"github.com/fabian4/vhost-gateway-go/internal/lb"
	"github.com/fabian4/vhost-gateway-go/internal/metrics"
	"github.com/fabian4/vhost-gateway-go/internal/model"
	"github.com/fabian4/vhost-gateway-go/internal/ratelimit"
	"github.com/fabian4/vhost-gateway-go/internal/redirect"
	"github.com/fabian4/vhost-gateway-go/internal/router"
	"github.com/fabian4/vhost-gateway-go/internal/static"
)

// GatewayState is everything derived from one config load. It is immutable;
// reload builds a fresh state and swaps the pointer, so in-flight requests
// keep the rules they started with.
type GatewayState struct {
	Routes          *router.Table
	Services        map[string]model.Service
	balancers       map[string]lb.Balancer
	statics         map[string]http.Handler // keyed by static rule name
	acme            http.Handler            // nil when disabled
	UpstreamTimeout time.Duration
	AccessLogConfig config.AccessLogConfig
	Summary         RulesSummary
}

// RulesSummary is the admin API's view of the active rule table.
type RulesSummary struct {
	Redirects []model.Redirect `json:"redirects"`
	Routes    []model.Route    `json:"routes"`
	Static    []model.Static   `json:"static"`
	Services  []string         `json:"services"`
}

// Snapshot returns the currently active rules.
func (g *Gateway) Snapshot() RulesSummary {
	return g.state.load().Summary
}

// atomicState swaps the whole rule table in one pointer store so request
// goroutines never block on reload.
type atomicState struct {
	p atomic.Pointer[GatewayState]
}

func (a *atomicState) load() *GatewayState { return a.p.Load() }
func (a *atomicState) store(s *GatewayState) { a.p.Store(s) }

type Gateway struct {
	state atomicState

	Transports fwd.Factory
	AccessLog  io.Writer
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Registry
	Logger     zerolog.Logger
}

func NewGateway(cfg *config.Config, f fwd.Factory, accessLog io.Writer, m *metrics.Registry, logger zerolog.Logger) (*Gateway, error) {
	if accessLog == nil {
		accessLog = io.Discard
	}
	g := &Gateway{
		Transports: f,
		AccessLog:  accessLog,
		Limiter:    ratelimit.NewLimiter(),
		Metrics:    m,
		Logger:     logger,
	}
	if err := g.UpdateState(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateState swaps in a new rule table built from cfg. The rate limiter is
// kept across reloads so re-tuned buckets do not refill.
func (g *Gateway) UpdateState(cfg *config.Config) error {
	for _, svc := range cfg.Services {
		if err := g.Transports.RegisterService(svc); err != nil {
			return err
		}
	}
	balancers := make(map[string]lb.Balancer, len(cfg.Services))
	for name, svc := range cfg.Services {
		balancers[name] = lb.NewSmoothWRR(svc.Endpoints)
	}
	statics := make(map[string]http.Handler, len(cfg.Static))
	for _, s := range cfg.Static {
		statics[s.Name] = static.NewFileHandler(s)
	}
	var acme http.Handler
	if cfg.ACME.Enabled {
		acme = static.NewACMEHandler(cfg.ACME.Webroot)
	}
	svcNames := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		svcNames = append(svcNames, name)
	}
	sort.Strings(svcNames)
	g.state.store(&GatewayState{
		Routes:          router.New(cfg.Redirects, cfg.Routes, cfg.Static),
		Services:        cfg.Services,
		balancers:       balancers,
		statics:         statics,
		acme:            acme,
		UpstreamTimeout: cfg.Timeouts.Upstream,
		AccessLogConfig: cfg.AccessLog,
		Summary: RulesSummary{
			Redirects: cfg.Redirects,
			Routes:    cfg.Routes,
			Static:    cfg.Static,
			Services:  svcNames,
		},
	})
	return nil
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := g.state.load()

	start := time.Now()
	reqID := uuid.NewString()
	lw := &loggingResponseWriter{ResponseWriter: w}
	var ruleName, serviceName, upstreamAddr, location string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		g.logAccess(state, AccessLog{
			Time:         start,
			RequestID:    reqID,
			Method:       r.Method,
			Host:         r.Host,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Rule:         ruleName,
			Service:      serviceName,
			Upstream:     upstreamAddr,
			Location:     location,
			BytesWritten: lw.bytes,
		})
		if g.Metrics != nil && serviceName != "" {
			g.Metrics.IncRequest(serviceName, ruleName, r.Method, strconv.Itoa(status))
			g.Metrics.ObserveLatency(serviceName, ruleName, duration)
		}
	}()

	// anti-open-proxy guard: only origin-form request targets are served
	if r.URL.Path == "" || !strings.HasPrefix(r.URL.Path, "/") {
		http.Error(lw, "bad request", http.StatusBadRequest)
		return
	}
	if !validHost(r.Host) {
		http.Error(lw, "bad request: malformed host", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	path := r.URL.Path

	// ACME challenges are served before anything can redirect them away
	if state.acme != nil && static.IsChallenge(path) {
		ruleName = "acme"
		state.acme.ServeHTTP(lw, r)
		return
	}

	if !redirect.Bypass(path) {
		if rd := state.Routes.Redirect(r.Host, path, scheme); rd != nil {
			// a www rule matched on an already-normalized host is a no-op;
			// redirecting to the request's own URL would loop, so fall
			// through to the remaining rules instead
			if loc := redirect.Target(rd, scheme, r.Host, r.URL); loc != redirect.Original(scheme, r.Host, r.URL) {
				ruleName = rd.Name
				location = loc
				if g.Metrics != nil {
					g.Metrics.IncRedirect(rd.Name, strconv.Itoa(rd.Status))
				}
				http.Redirect(lw, r, location, rd.Status)
				return
			}
		}
	}

	if st := state.Routes.Static(r.Host, path); st != nil {
		ruleName = st.Name
		state.statics[st.Name].ServeHTTP(lw, r)
		return
	}

	route := state.Routes.Route(r.Host, path)
	if route == nil {
		http.NotFound(lw, r)
		return
	}
	ruleName = route.Name
	serviceName = route.Service

	if rl := route.RateLimit; rl != nil {
		if !g.Limiter.Allow(route.Name, rl.RequestsPerSecond, rl.Burst) {
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	svc, ok := state.Services[route.Service]
	if !ok || len(svc.Endpoints) == 0 {
		http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	ep := state.balancers[route.Service].Next()
	if ep == nil {
		http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	target, tr, unixSock := g.upstreamTarget(svc, ep, scheme, r)
	upstreamAddr = target

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	hdr.Set("X-Forwarded-Proto", scheme)
	hdr.Set("X-Forwarded-Host", r.Host)

	ctx := r.Context()
	if state.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.UpstreamTimeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(lw, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr

	// Host policy
	switch {
	case route.HostRewrite != "":
		reqUp.Host = route.HostRewrite
	case route.PreserveHost || unixSock:
		reqUp.Host = r.Host
	default:
		reqUp.Host = ep.URL().Host
	}

	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; nothing sensible left to write
			ep.Feedback(true)
			return
		}
		ep.Feedback(false)
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		g.Logger.Error().Err(err).
			Str("request_id", reqID).
			Str("route", route.Name).
			Str("upstream", target).
			Msg("upstream error")
		// never retried: the request may not be idempotent
		http.Error(lw, http.StatusText(status), status)
		return
	}
	defer func() {
		if err := resUp.Body.Close(); err != nil {
			g.Logger.Warn().Err(err).Msg("closing upstream body")
		}
	}()

	ep.Feedback(resUp.StatusCode < 500)

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)

	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		lw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, _ = io.Copy(lw, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

// upstreamTarget builds the upstream URL for the chosen endpoint. The
// escaped request path is carried verbatim so %2F survives. Services with a
// virtual_host_base site get the Plone path encoding
// /VirtualHostBase/<scheme>/<host>:<port>/<site>/VirtualHostRoot<path>.
func (g *Gateway) upstreamTarget(svc model.Service, ep lb.Endpoint, scheme string, r *http.Request) (target string, tr http.RoundTripper, unixSock bool) {
	base := ep.URL()

	var b strings.Builder
	if base.Scheme == "unix" {
		b.WriteString("http://unix")
		tr = g.Transports.Unix(base.Path)
		unixSock = true
	} else {
		b.WriteString(base.Scheme)
		b.WriteString("://")
		b.WriteString(base.Host)
		b.WriteString(strings.TrimSuffix(base.EscapedPath(), "/"))
		if svc.TLS != nil {
			tr = g.Transports.Get(svc.Name)
		} else {
			tr = g.Transports.Get(svc.Proto)
		}
	}

	if svc.VirtualHostBase != "" && !unixSock {
		b.WriteString("/VirtualHostBase/")
		b.WriteString(scheme)
		b.WriteByte('/')
		b.WriteString(externalHostPort(r.Host, scheme))
		b.WriteByte('/')
		b.WriteString(svc.VirtualHostBase)
		b.WriteString("/VirtualHostRoot")
	}

	b.WriteString(r.URL.EscapedPath())
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	return b.String(), tr, unixSock
}

// externalHostPort normalizes the Host header to host:port, defaulting the
// port from the scheme, as the VirtualHostBase convention requires.
func externalHostPort(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if scheme == "https" {
		return host + ":443"
	}
	return host + ":80"
}

func (g *Gateway) logAccess(state *GatewayState, entry AccessLog) {
	alc := state.AccessLogConfig
	if alc.Sampling < 1.0 && rand.Float64() > alc.Sampling {
		return
	}
	if err := json.NewEncoder(g.AccessLog).Encode(entry.filter(alc.Fields)); err != nil {
		g.Logger.Warn().Err(err).Msg("access log write failed")
	}
}

// --- helpers ---

func validHost(host string) bool {
	if host == "" {
		return false
	}
	h := host
	if hp, port, err := net.SplitHostPort(host); err == nil {
		h = hp
		if _, err := strconv.Atoi(port); err != nil {
			return false
		}
	}
	if h == "" || strings.ContainsAny(h, " /\\?#@\t") {
		return false
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

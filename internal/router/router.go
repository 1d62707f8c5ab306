package router

import (
	"net"
	"sort"
	"strings"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// Table is the immutable rule table built at config load. Matching priority:
// exact host, then wildcard host pattern ("*.example.com"), then catch-all;
// within a host bucket the longest path prefix wins, ties broken by
// declaration order. Host comparison is case-insensitive and port-blind.
type Table struct {
	statics   *hostTable[model.Static]
	redirects *hostTable[model.Redirect]
	routes    *hostTable[model.Route]
}

func New(redirects []model.Redirect, routes []model.Route, statics []model.Static) *Table {
	t := &Table{
		statics:   newHostTable[model.Static](),
		redirects: newHostTable[model.Redirect](),
		routes:    newHostTable[model.Route](),
	}
	for _, s := range statics {
		t.statics.add(s.Host, s.PathPrefix, s)
	}
	for _, r := range redirects {
		t.redirects.add(r.Host, r.PathPrefix, r)
	}
	for _, r := range routes {
		t.routes.add(r.Host, r.PathPrefix, r)
	}
	t.statics.sort()
	t.redirects.sort()
	t.routes.sort()
	return t
}

// Static returns the matching static rule, or nil.
func (t *Table) Static(host, path string) *model.Static {
	return t.statics.match(host, path, nil)
}

// Redirect returns the matching redirect rule for the request scheme, or nil.
func (t *Table) Redirect(host, path, scheme string) *model.Redirect {
	return t.redirects.match(host, path, func(r model.Redirect) bool {
		return r.Scheme == "" || r.Scheme == scheme
	})
}

// Route returns the matching proxy route, or nil.
func (t *Table) Route(host, path string) *model.Route {
	return t.routes.match(host, path, nil)
}

// --- host/prefix matching ---

type entry[T any] struct {
	host   string // "" for catch-all, "*.x" patterns kept verbatim
	prefix string
	val    T
}

type hostTable[T any] struct {
	exact map[string][]entry[T]
	wild  []entry[T]
	any   []entry[T]
}

func newHostTable[T any]() *hostTable[T] {
	return &hostTable[T]{exact: make(map[string][]entry[T])}
}

func (h *hostTable[T]) add(host, prefix string, val T) {
	e := entry[T]{host: strings.ToLower(host), prefix: prefix, val: val}
	switch {
	case host == "":
		h.any = append(h.any, e)
	case strings.HasPrefix(host, "*."):
		h.wild = append(h.wild, e)
	default:
		h.exact[e.host] = append(h.exact[e.host], e)
	}
}

func (h *hostTable[T]) sort() {
	byPrefix := func(es []entry[T]) {
		sort.SliceStable(es, func(i, j int) bool {
			return len(es[i].prefix) > len(es[j].prefix)
		})
	}
	for k := range h.exact {
		byPrefix(h.exact[k])
	}
	// longer pattern = more specific wildcard
	sort.SliceStable(h.wild, func(i, j int) bool {
		if len(h.wild[i].host) != len(h.wild[j].host) {
			return len(h.wild[i].host) > len(h.wild[j].host)
		}
		return len(h.wild[i].prefix) > len(h.wild[j].prefix)
	})
	byPrefix(h.any)
}

func (h *hostTable[T]) match(host, path string, ok func(T) bool) *T {
	hn := strings.ToLower(hostOnly(host))
	if v := scan(h.exact[hn], path, func(entry[T]) bool { return true }, ok); v != nil {
		return v
	}
	if v := scan(h.wild, path, func(e entry[T]) bool {
		return strings.HasSuffix(hn, e.host[1:]) // "*.example.com" -> ".example.com"
	}, ok); v != nil {
		return v
	}
	return scan(h.any, path, func(entry[T]) bool { return true }, ok)
}

func scan[T any](es []entry[T], path string, hostOK func(entry[T]) bool, ok func(T) bool) *T {
	for i := range es {
		if !hostOK(es[i]) {
			continue
		}
		if !strings.HasPrefix(path, es[i].prefix) {
			continue
		}
		if ok != nil && !ok(es[i].val) {
			continue
		}
		return &es[i].val
	}
	return nil
}

// hostOnly drops an explicit port and unbrackets IPv6 literals so the result
// compares against rule hosts as written ("::1", not "[::1]").
func hostOnly(h string) string {
	host, _, err := net.SplitHostPort(h)
	if err != nil {
		return strings.Trim(h, "[]")
	}
	return host
}

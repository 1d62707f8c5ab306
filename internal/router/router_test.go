package router

import (
	"testing"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

func TestRoute_MultiHostAndLongestPrefix(t *testing.T) {
	routes := []model.Route{
		{Name: "r1", Host: "app.example.com", PathPrefix: "/api", Service: "s1"},
		{Name: "r2", Host: "app.example.com", PathPrefix: "/api/v1", Service: "s2"},
		{Name: "r3", Host: "other.example.com", PathPrefix: "/", Service: "s3"},
	}
	rt := New(nil, routes, nil)

	// longest prefix wins under same host
	if got := rt.Route("app.example.com", "/api/v1/items"); got == nil || got.Service != "s2" {
		t.Fatalf("want s2 for /api/v1/*, got %+v", got)
	}
	if got := rt.Route("app.example.com", "/api/foo"); got == nil || got.Service != "s1" {
		t.Fatalf("want s1 for /api/*, got %+v", got)
	}

	// host case/port insensitivity
	if got := rt.Route("APP.Example.COM:8080", "/api/v1"); got == nil || got.Service != "s2" {
		t.Fatalf("want s2 for host case-insensitive, got %+v", got)
	}
	// different host
	if got := rt.Route("other.example.com", "/anything"); got == nil || got.Service != "s3" {
		t.Fatalf("want s3 for other host, got %+v", got)
	}
	// no match at all
	if got := rt.Route("nope.example.com", "/x"); got != nil {
		t.Fatalf("want nil for unmatched host, got %+v", got)
	}
}

func TestRoute_HostSpecificityOrder(t *testing.T) {
	routes := []model.Route{
		{Name: "any", Host: "", PathPrefix: "/", Service: "s-any"},
		{Name: "wild", Host: "*.example.com", PathPrefix: "/", Service: "s-wild"},
		{Name: "exact", Host: "app.example.com", PathPrefix: "/", Service: "s-exact"},
	}
	rt := New(nil, routes, nil)

	if got := rt.Route("app.example.com", "/x"); got == nil || got.Service != "s-exact" {
		t.Fatalf("exact host must beat wildcard and catch-all, got %+v", got)
	}
	if got := rt.Route("other.example.com", "/x"); got == nil || got.Service != "s-wild" {
		t.Fatalf("wildcard must beat catch-all, got %+v", got)
	}
	if got := rt.Route("elsewhere.test", "/x"); got == nil || got.Service != "s-any" {
		t.Fatalf("catch-all fallback, got %+v", got)
	}
	// wildcard does not cover the apex
	if got := rt.Route("example.com", "/x"); got == nil || got.Service != "s-any" {
		t.Fatalf("apex must fall through to catch-all, got %+v", got)
	}
}

func TestRoute_DeclarationOrderBreaksTies(t *testing.T) {
	routes := []model.Route{
		{Name: "first", Host: "a.test", PathPrefix: "/p", Service: "s1"},
		{Name: "second", Host: "a.test", PathPrefix: "/p", Service: "s2"},
	}
	rt := New(nil, routes, nil)

	if got := rt.Route("a.test", "/p/x"); got == nil || got.Name != "first" {
		t.Fatalf("want first-declared rule, got %+v", got)
	}
}

func TestRoute_IPv6LiteralHost(t *testing.T) {
	routes := []model.Route{
		{Name: "v6", Host: "::1", PathPrefix: "/", Service: "s1"},
	}
	rt := New(nil, routes, nil)

	// bracketed Host header with and without port
	if got := rt.Route("[::1]:8443", "/x"); got == nil || got.Name != "v6" {
		t.Fatalf("want v6 rule for [::1]:8443, got %+v", got)
	}
	if got := rt.Route("[::1]", "/x"); got == nil || got.Name != "v6" {
		t.Fatalf("want v6 rule for [::1], got %+v", got)
	}
}

func TestRedirect_SchemeFiltered(t *testing.T) {
	redirects := []model.Redirect{
		{Name: "force-https", Host: "a.test", Scheme: "http", PathPrefix: "/", ToScheme: "https", Status: 301},
	}
	rt := New(redirects, nil, nil)

	if got := rt.Redirect("a.test", "/x", "http"); got == nil || got.Name != "force-https" {
		t.Fatalf("want force-https on http, got %+v", got)
	}
	if got := rt.Redirect("a.test", "/x", "https"); got != nil {
		t.Fatalf("rule must not match https requests, got %+v", got)
	}
}

func TestStatic_PrefixMatch(t *testing.T) {
	statics := []model.Static{
		{Name: "files", Host: "a.test", PathPrefix: "/files", Root: "/srv"},
	}
	rt := New(nil, nil, statics)

	if got := rt.Static("a.test", "/files/x.tgz"); got == nil || got.Name != "files" {
		t.Fatalf("want files rule, got %+v", got)
	}
	if got := rt.Static("a.test", "/other"); got != nil {
		t.Fatalf("want nil outside prefix, got %+v", got)
	}
}

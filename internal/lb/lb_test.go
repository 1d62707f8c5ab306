package lb

import (
	"net/url"
	"testing"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

func TestSmoothWRR_WeightedDistribution(t *testing.T) {
	a := mustURL(t, "http://a:1")
	b := mustURL(t, "http://b:1")
	bal := NewSmoothWRR([]model.Endpoint{
		{URL: a, Weight: 2},
		{URL: b, Weight: 1},
	})

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		ep := bal.Next()
		if ep == nil {
			t.Fatal("unexpected nil endpoint")
		}
		counts[ep.URL().Host]++
	}
	if counts["a:1"] != 200 || counts["b:1"] != 100 {
		t.Fatalf("want 2:1 distribution, got %v", counts)
	}
}

func TestSmoothWRR_PassiveHealthSkipsFailingPeer(t *testing.T) {
	a := mustURL(t, "http://a:1")
	b := mustURL(t, "http://b:1")
	bal := NewSmoothWRR([]model.Endpoint{{URL: a}, {URL: b}})

	// fail peer a repeatedly until it enters its skip window
	for i := 0; i < 10; i++ {
		ep := bal.Next()
		if ep.URL().Host == "a:1" {
			ep.Feedback(false)
		} else {
			ep.Feedback(true)
		}
	}
	for i := 0; i < 10; i++ {
		ep := bal.Next()
		if ep == nil {
			t.Fatal("unexpected nil endpoint")
		}
		if ep.URL().Host == "a:1" {
			t.Fatal("failing peer was not skipped")
		}
	}
}

func TestSmoothWRR_AllPeersDownReturnsNil(t *testing.T) {
	a := mustURL(t, "http://a:1")
	bal := NewSmoothWRR([]model.Endpoint{{URL: a}})

	for i := 0; i < maxFails; i++ {
		ep := bal.Next()
		if ep == nil {
			t.Fatal("peer skipped too early")
		}
		ep.Feedback(false)
	}
	if ep := bal.Next(); ep != nil {
		t.Fatalf("want nil when all peers are down, got %v", ep.URL())
	}
}

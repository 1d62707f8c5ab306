package lb

import (
	"net/url"
	"sync"
	"time"

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

// Balancer picks the next endpoint of a balancer group.
type Balancer interface {
	Next() Endpoint
}

// Endpoint is one pick; Feedback reports whether the upstream call worked so
// failing backends get skipped for a while.
type Endpoint interface {
	URL() *url.URL
	Feedback(success bool)
}

const (
	maxFails = 3
	skipFor  = 10 * time.Second
)

type smoothWRR struct {
	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	url           *url.URL
	weight        int
	currentWeight int

	// passive health
	fails     int
	skipUntil time.Time
}

// NewSmoothWRR builds a smooth weighted-round-robin balancer over the group's
// endpoints. Zero or negative weights count as 1.
func NewSmoothWRR(endpoints []model.Endpoint) Balancer {
	peers := make([]*peer, len(endpoints))
	for i, e := range endpoints {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{url: e.URL, weight: w}
	}
	return &smoothWRR{peers: peers}
}

// Next returns the next healthy endpoint, or nil when every peer is in its
// skip window (caller answers 502).
func (b *smoothWRR) Next() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best *peer
	total := 0

	for _, p := range b.peers {
		if !p.skipUntil.IsZero() && now.Before(p.skipUntil) {
			continue
		}
		p.currentWeight += p.weight
		total += p.weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	best.currentWeight -= total
	return &peerEndpoint{p: best, b: b}
}

type peerEndpoint struct {
	p *peer
	b *smoothWRR
}

func (e *peerEndpoint) URL() *url.URL { return e.p.url }

func (e *peerEndpoint) Feedback(success bool) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()

	if success {
		e.p.fails = 0
		e.p.skipUntil = time.Time{}
		return
	}
	e.p.fails++
	if e.p.fails >= maxFails {
		e.p.skipUntil = time.Now().Add(skipFor)
	}
}

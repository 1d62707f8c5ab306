package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Limiter manages token bucket limiters keyed by route name. Buckets survive
// config reloads; their parameters are updated in place when a reload changes
// them so a reload does not grant a burst of fresh tokens.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow checks whether a request is allowed for the key, creating or
// re-tuning the bucket as needed.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rps), burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	if lim.Limit() != ratelib.Limit(rps) {
		lim.SetLimit(ratelib.Limit(rps))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim.Allow()
}

// Remove drops the bucket for a key (route deleted on reload).
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

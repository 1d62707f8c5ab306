package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds gateway metrics and renders them in Prometheus text format.
type Registry struct {
	mu sync.RWMutex
	// key is "name|labels"
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(service, route, method, status string) {
	key := fmt.Sprintf("requests_total|service=%q,route=%q,method=%q,status=%q", service, route, method, status)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncRedirect(rule, status string) {
	key := fmt.Sprintf("redirects_total|rule=%q,status=%q", rule, status)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncActiveConns(listener string) {
	key := fmt.Sprintf("active_connections|listener=%q", listener)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]++
}

func (r *Registry) DecActiveConns(listener string) {
	key := fmt.Sprintf("active_connections|listener=%q", listener)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]--
}

func (r *Registry) ObserveLatency(service, route string, duration time.Duration) {
	key := fmt.Sprintf("upstream_latency_seconds|service=%q,route=%q", service, route)
	val := duration.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: latencyBuckets,
			Counts:  make([]uint64, len(latencyBuckets)),
		}
		r.histograms[key] = h
	}
	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

var metricHelp = map[string]string{
	"requests_total":           "Total number of proxied requests",
	"redirects_total":          "Total number of redirect responses",
	"active_connections":       "Number of active connections",
	"upstream_latency_seconds": "Upstream latency in seconds",
}

func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	writeFamily(w, r.counters, "counter", func(w io.Writer, name, labels string, v uint64) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, v)
	})
	writeFamily(w, r.gauges, "gauge", func(w io.Writer, name, labels string, v int64) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, v)
	})
	writeFamily(w, r.histograms, "histogram", func(w io.Writer, name, labels string, h *Histogram) {
		for i, b := range h.Buckets {
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
		}
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
		_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
		_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
	})
}

func writeFamily[V any](w io.Writer, m map[string]V, typ string, emit func(io.Writer, string, string, V)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	announced := make(map[string]bool)
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 2)
		if len(parts) != 2 {
			continue
		}
		name, labels := parts[0], parts[1]
		if !announced[name] {
			if help, ok := metricHelp[name]; ok {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			}
			_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
			announced[name] = true
		}
		emit(w, name, labels, m[k])
	}
}

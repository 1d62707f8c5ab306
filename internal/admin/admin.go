package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/fabian4/vhost-gateway-go/internal/handler"
	"github.com/fabian4/vhost-gateway-go/internal/metrics"
)

// NewRouter builds the admin API: health, Prometheus-text metrics and a dump
// of the active rule table. This listens on its own address and is never
// routed through the gateway rules.
func NewRouter(gw *handler.Gateway, m *metrics.Registry, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	}).Methods(http.MethodGet)

	r.HandleFunc("/rules", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(gw.Snapshot()); err != nil {
			logger.Warn().Err(err).Msg("admin: rules encode failed")
		}
	}).Methods(http.MethodGet)

	return r
}

// NewServer wraps the admin router in an http.Server.
func NewServer(addr string, r *mux.Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

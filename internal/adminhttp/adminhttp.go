// Package adminhttp exposes the agent's operational surface: liveness,
// Prometheus scraping, and a debug snapshot of the field dictionary.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldtrace/agent/internal/dictionary"
)

// UptimeFunc reports process uptime for the liveness payload.
type UptimeFunc func() time.Duration

// New builds the admin HTTP handler: /healthz, /metrics, and
// /debug/schema.
func New(reg *prometheus.Registry, dict *dictionary.Dictionary, uptime UptimeFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"uptime_secs": uptime().Seconds(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/debug/schema", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dict.Schema())
	})

	return r
}

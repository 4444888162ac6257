// Package httpx holds the HTTP plumbing shared by the services: middleware,
// probes, metrics and JSON responses.
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Log *slog.Logger
	// Registry backs /metrics and the request metrics. Nil disables both.
	Registry *prometheus.Registry
	// Ready is polled by /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the base router with probes and middleware; mount adds
// the service routes.
func NewRouter(cfg RouterConfig, mount func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(cfg.Log))
	r.Use(Recover(cfg.Log))
	if cfg.Registry != nil {
		r.Use(NewMetrics(cfg.Registry).Middleware)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				cfg.Log.Warn("readiness_failed", slog.String("err", err.Error()))
				WriteError(w, req, http.StatusServiceUnavailable, "not_ready", "not ready")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, req, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		WriteError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	if mount != nil {
		mount(r)
	}
	return r
}

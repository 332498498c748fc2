package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpjam/bridge/internal/api"
	"github.com/mcpjam/bridge/internal/bridge"
	"github.com/mcpjam/bridge/internal/config"
	"github.com/mcpjam/bridge/internal/metrics"
	"github.com/mcpjam/bridge/internal/upstream"
)

// New constructs the HTTP handler for the bridge server.
func New(cfg config.ServerConfig, mgr *upstream.Manager, version string) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	sessions := bridge.NewRegistry()
	facade := &bridge.Facade{
		Dispatcher: &bridge.Dispatcher{Manager: mgr, Version: version},
		Sessions:   sessions,
		KeepAlive:  cfg.KeepAliveInterval,
		MaxBody:    cfg.MaxBodyBytes,
	}
	facade.Mount(r)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	state := &api.StateHandler{Servers: mgr, Sessions: sessions}
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", state.GetState)
		ar.Get("/state/stream", state.GetStateStream)
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

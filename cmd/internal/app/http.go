package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// routes builds the server handler:
// /healthz, /readyz, /metrics, /ws and the REST API under /api/v1.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, a.log) })
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", metricsHandler(a.reg))
	r.Handle("/ws", a.gateway)
	r.Route("/api/v1", a.api.RegisterRoutes)

	return WithSecurityHeaders(WithCORS(r, a.cfg.CORS, a.log))
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Database.RequireForReadiness && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.relay != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := a.relay.Ping(ctx)
		cancel()
		if err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

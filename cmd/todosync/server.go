package main

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/todosync/cmd/todosync/handlers"
	"github.com/kimhsiao/todosync/internal/auth"
	"github.com/kimhsiao/todosync/internal/logging"
)

// accessLog logs every request with its status and latency.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      m.Code,
			"duration_ms": m.Duration.Milliseconds(),
			"bytes":       m.Written,
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if m.Code >= http.StatusInternalServerError {
			logging.Warn("HTTP request failed", fields)
			return
		}
		logging.Debug("HTTP request", fields)
	})
}

// newRouter builds the API router.
func newRouter(a *app, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	if a.cfg.JWTSecret != "" {
		r.Use(auth.NewVerifier(a.cfg.JWTSecret).Middleware(a.identity))
	} else {
		r.Use(auth.StaticMiddleware(a.identity))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health(a.observer))
		r.Route("/todos", handlers.NewTodoHandler(a.svc, a.cfg.RemoteTimeout).Routes)
		r.Route("/groups", handlers.NewGroupHandler(a.svc).Routes)
		r.Route("/sync", handlers.NewSyncHandler(a.svc, a.scheduler).Routes)
	})
	r.Get("/ws", HandleWebSocket(hub))

	return r
}

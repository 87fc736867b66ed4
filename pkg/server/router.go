package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/pkg/resultcache"
	"github.com/murmur-labs/scribed/pkg/session"
	"github.com/murmur-labs/scribed/pkg/task"
)

// RouterDeps are the service pieces the router exposes over HTTP.
type RouterDeps struct {
	Hub       *session.Hub
	Scheduler *task.Scheduler
	Cache     *resultcache.Cache

	// Metrics serves the Prometheus scrape; nil removes the route.
	Metrics http.Handler

	// Version/Commit are reported by the status endpoint.
	Version string
	Commit  string
}

// NewRouter builds the chi router with the middleware stack and all routes.
//
// Routes:
//   - GET /ws - WebSocket endpoint (the primary client surface)
//   - GET /healthz - Liveness probe
//   - GET /api/status - Scheduler and cache statistics
//   - GET /metrics - Prometheus scrape (when enabled)
func NewRouter(deps RouterDeps) http.Handler {
	startedAt := time.Now()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		// Browser-origin access is gated by auth, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r.Handle("/ws", deps.Hub.Handler(upgrader))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusBody{
			Version:   deps.Version,
			Commit:    deps.Commit,
			StartedAt: startedAt.UTC().Format(time.RFC3339),
			Uptime:    time.Since(startedAt).Round(time.Second).String(),
			Sessions:  deps.Hub.Len(),
			Tasks:     deps.Scheduler.Stats(),
			Cache:     deps.Cache.Stats(),
		})
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	return r
}

type statusBody struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit,omitempty"`
	StartedAt string            `json:"started_at"`
	Uptime    string            `json:"uptime"`
	Sessions  int               `json:"sessions"`
	Tasks     task.Stats        `json:"tasks"`
	Cache     resultcache.Stats `json:"cache"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("response encoding failed", logger.Err(err))
	}
}

// requestLogger logs HTTP requests through the internal logger. The WebSocket
// endpoint is skipped: sessions do their own lifecycle logging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

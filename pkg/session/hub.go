package session

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/pkg/auth"
	"github.com/murmur-labs/scribed/pkg/blob"
	"github.com/murmur-labs/scribed/pkg/metrics"
	"github.com/murmur-labs/scribed/pkg/task"
)

// Deps wires the hub to the rest of the service. Auth nil disables the
// handshake; Metrics nil disables collection.
type Deps struct {
	Scheduler *task.Scheduler
	Blobs     *blob.Store
	Auth      *auth.TokenService
	Metrics   metrics.SessionMetrics
}

// Hub owns the live session set and fans scheduler events out to them. It is
// the service's task.Sink.
type Hub struct {
	cfg  Config
	deps Deps

	// MaxConnections caps concurrent sessions; 0 means unlimited.
	maxConnections int

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a session hub. The config is defaulted in place.
func NewHub(cfg Config, maxConnections int, deps Deps) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:            cfg,
		deps:           deps,
		maxConnections: maxConnections,
		sessions:       make(map[string]*Session),
	}
}

// Accept adopts an upgraded connection and runs its session to completion.
// Over the connection cap the client gets an error frame and a close.
func (h *Hub) Accept(conn *websocket.Conn, clientIP string) {
	s := newSession(h, conn, clientIP)

	h.mu.Lock()
	if h.closed || (h.maxConnections > 0 && len(h.sessions) >= h.maxConnections) {
		h.mu.Unlock()
		_ = s.writeDirect(TypeError, ErrorData{
			Code:    CodeMaxConnections,
			Message: "connection limit reached, try again later",
		})
		_ = conn.Close()
		return
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	metrics.SessionOpened(h.deps.Metrics)
	logger.Info("session opened",
		logger.KeySessionID, s.id,
		logger.KeyClientIP, clientIP,
		"active", h.Len())

	s.Run()
}

// Deliver implements task.Sink: it routes one scheduler event to every
// subscribed session that is still connected.
func (h *Hub) Deliver(sessionIDs []string, ev task.Event) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if s, ok := h.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll disconnects every session and refuses new ones. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

var _ task.Sink = (*Hub)(nil)

// Handler returns an http.Handler that upgrades requests into sessions.
func (h *Hub) Handler(upgrader websocket.Upgrader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed",
				logger.KeyClientIP, r.RemoteAddr, logger.Err(err))
			return
		}
		h.Accept(conn, clientIP(r))
	})
}

// clientIP strips the port from the remote address, honoring the usual proxy
// header first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

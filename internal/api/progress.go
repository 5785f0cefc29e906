package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/mentorbot/internal/delivery"
)

const progressWriteTimeout = 5 * time.Second

// Hub fans delivery progress out to connected ops dashboards.
type Hub struct {
	mu      sync.RWMutex
	active  map[*websocket.Conn]struct{}
	origins []string
	logger  *slog.Logger
}

// NewHub creates a progress hub accepting websocket origins matching
// origins.
func NewHub(origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:  make(map[*websocket.Conn]struct{}),
		origins: origins,
		logger:  logger,
	}
}

// Count returns the number of connected listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[conn] = struct{}{}
	h.logger.Info("Progress listener registered", "listeners", len(h.active))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[conn]; ok {
		delete(h.active, conn)
		h.logger.Info("Progress listener unregistered", "listeners", len(h.active))
	}
}

// Publish sends p to every listener. A listener that cannot keep up is
// dropped.
func (h *Hub) Publish(p delivery.Progress) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active))
	for c := range h.active {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
		err := wsjson.Write(ctx, c, p)
		cancel()
		if err != nil {
			h.logger.Debug("Dropping progress listener", "error", err)
			h.unregister(c)
			_ = c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.active {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.active = make(map[*websocket.Conn]struct{})
}

// ServeHTTP upgrades the request and keeps the listener registered until the
// client goes away. Clients only receive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	h.register(conn)
	defer h.unregister(conn)

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

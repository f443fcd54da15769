// Package live serves simulation sessions over websockets.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the open websocket connections of each session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register adds conn to the session's connections.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		h.active[sessionID] = conns
	}
	conns[conn] = struct{}{}
	h.logger.Info("live session registered", "session_id", sessionID, "connections", len(conns))
}

// Unregister removes conn. Unknown connections are ignored.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; !exists {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.active, sessionID)
	}
	h.logger.Info("live session unregistered", "session_id", sessionID)
}

// Count returns the number of open connections for a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// CloseSession terminates every connection of a session. It matches
// conversation.CleanupCallback so the idle sweeper can drop sockets.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if len(conns) > 0 {
		h.logger.Info("live session closed", "session_id", sessionID, "connections", len(conns))
	}
}

// CloseAll terminates every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.active
	h.active = make(map[string]map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// Package transport carries the editor's event stream over WebSockets.
package transport

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the open event sockets of every student. A student may
// have several tabs open; each connection is keyed by its own id.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Get returns the connection registered for a student and connection id.
func (m *ConnManager) Get(username, connID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[username]; ok {
		return conns[connID]
	}
	return nil
}

// Count returns how many connections a student has open.
func (m *ConnManager) Count(username string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[username])
}

// Register adds a connection, closing any previous one with the same id.
func (m *ConnManager) Register(username, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[username]; !exists {
		m.active[username] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[username][connID]; exists && existing != conn {
		go closeConn(existing, "connection replaced")
	}
	m.active[username][connID] = conn
	slog.Debug("Event socket registered", "user_id", username, "conn_id", connID)
}

// Unregister removes a connection if it is still the registered one.
func (m *ConnManager) Unregister(username, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[username]
	if !ok {
		return
	}
	if current, exists := conns[connID]; exists && current == conn {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.active, username)
		}
		slog.Debug("Event socket unregistered", "user_id", username, "conn_id", connID)
	}
}

// CloseUser terminates every open connection of a student. It is hooked to
// session teardown and returns without waiting for close handshakes.
func (m *ConnManager) CloseUser(username string) {
	m.mu.Lock()
	conns := m.active[username]
	delete(m.active, username)
	m.mu.Unlock()

	for id, conn := range conns {
		go closeConn(conn, "session closed")
		slog.Info("Event socket closing", "user_id", username, "conn_id", id)
	}
}

// closeConn sends a normal closure and waits for the peer's reply, which
// coder/websocket bounds at five seconds before dropping the connection.
func closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		slog.Debug("Event socket close", "error", err)
	}
}

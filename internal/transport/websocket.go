package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/c2stem/copa/internal/identity"
	"github.com/c2stem/copa/internal/session"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 1 << 20
)

// Handler accepts the editor's event socket at /app/ws/data and feeds every
// inbound message to the student's session.
type Handler struct {
	sessions      *session.Registry
	conns         *ConnManager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a new event socket handler.
func NewHandler(sessions *session.Registry, conns *ConnManager, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:      sessions,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username, err := identity.FromRequest(r)
	if err != nil {
		http.Error(w, "username required", http.StatusUnauthorized)
		return
	}
	logger := h.logger.With("user_id", username)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	connID := uuid.NewString()
	h.conns.Register(username, connID, ws)
	defer h.conns.Unregister(username, connID, ws)

	coord, created := h.sessions.GetOrCreate(username)
	logger.Info("Event socket connected", "run_id", coord.RunID(), "new_session", created, "ip", identity.IPFromRequest(r))

	h.readLoop(r.Context(), ws, coord, logger)
	logger.Info("Event socket disconnected", "run_id", coord.RunID())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop applies messages in arrival order. Replies (echoes and protocol
// errors) go back on the same socket; the connection stays open on bad input.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, coord *session.Coordinator, logger *slog.Logger) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed", "error", err)
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		reply := coord.Ingest(message)
		if reply == nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = ws.Write(writeCtx, websocket.MessageText, reply)
		cancel()
		if err != nil {
			logger.Debug("WebSocket write error", "error", err)
			return
		}
	}
}

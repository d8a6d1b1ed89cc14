package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c2stem/copa/internal/identity"
	"github.com/c2stem/copa/internal/session"
)

const maxRequestBodySize = 64 << 10

// ChatRequest is the body of POST /app/api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// Chat runs one dialogue turn for the calling student.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	if username == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(username) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	coord, _ := h.sessions.GetOrCreate(username)
	slog.Info("Chat request", "user_id", username, "run_id", coord.RunID(), "message_length", len(req.Message))

	res, err := coord.Turn(r.Context(), req.Message)
	if errors.Is(err, session.ErrClosed) {
		Error(w, http.StatusConflict, "session closed, retry")
		return
	}
	if err != nil {
		slog.Error("Chat turn failed", "error", err, "user_id", username)
		Error(w, http.StatusInternalServerError, "chat failed")
		return
	}
	JSON(w, http.StatusOK, res)
}

// Intro returns the agent's greeting for the calling student's session.
func (h *Handler) Intro(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	coord, _ := h.sessions.GetOrCreate(username)
	JSON(w, http.StatusOK, map[string]string{"response": coord.Introduce(r.Context())})
}

// GetSession returns a summary of the calling student's live session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	coord, ok := h.sessions.Get(username)
	if !ok {
		Error(w, http.StatusNotFound, "no active session")
		return
	}
	JSON(w, http.StatusOK, coord.Snapshot())
}

// DeleteSession saves and tears down the calling student's session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())
	removed, err := h.sessions.Remove(r.Context(), username)
	if err != nil {
		slog.Warn("Session did not close cleanly", "error", err, "user_id", username)
	}
	if !removed {
		JSON(w, http.StatusOK, map[string]string{"status": "no_session"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

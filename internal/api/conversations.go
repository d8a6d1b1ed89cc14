package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/identity"
)

// ListConversations returns the latest transcript of every student.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	transcripts, err := h.repo.ListLatestTranscripts(r.Context())
	if err != nil {
		slog.Error("Failed to list transcripts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if transcripts == nil {
		transcripts = []*domain.Transcript{}
	}
	JSON(w, http.StatusOK, transcripts)
}

// GetConversations returns every transcript of one student, newest first.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	username, err := identity.Normalize(chi.URLParam(r, "username"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid username")
		return
	}
	transcripts, err := h.repo.ListTranscripts(r.Context(), username)
	if err != nil {
		slog.Error("Failed to list transcripts", "error", err, "user_id", username)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if len(transcripts) == 0 {
		Error(w, http.StatusNotFound, "no conversations for user")
		return
	}
	JSON(w, http.StatusOK, transcripts)
}

// DeleteConversations tears down the student's live session and removes
// every stored transcript.
func (h *Handler) DeleteConversations(w http.ResponseWriter, r *http.Request) {
	username, err := identity.Normalize(chi.URLParam(r, "username"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid username")
		return
	}
	if _, err := h.sessions.Remove(r.Context(), username); err != nil {
		slog.Warn("Session did not close cleanly", "error", err, "user_id", username)
	}
	deleted, err := h.repo.DeleteTranscripts(r.Context(), username)
	if err != nil {
		slog.Error("Failed to delete transcripts", "error", err, "user_id", username)
		Error(w, http.StatusInternalServerError, "failed to delete conversations")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

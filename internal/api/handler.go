// Package api provides HTTP handlers for the tutoring backend.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c2stem/copa/internal/config"
	"github.com/c2stem/copa/internal/session"
	"github.com/c2stem/copa/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions *session.Registry
	limiter  *RateLimiter
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Registry, limiter *RateLimiter, cfg *config.Config) *Handler {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handler{
		repo:     repo,
		sessions: sessions,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// RegisterRoutes mounts the API under /app/api. Routes that act on the
// caller's own session are wrapped with requireStudent.
func (h *Handler) RegisterRoutes(r chi.Router, requireStudent func(http.Handler) http.Handler) {
	r.Route("/app/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{username}", h.GetConversations)
		r.Delete("/conversations/{username}", h.DeleteConversations)

		r.Group(func(r chi.Router) {
			r.Use(requireStudent)
			r.Post("/chat", h.Chat)
			r.Get("/intro", h.Intro)
			r.Get("/session", h.GetSession)
			r.Delete("/session", h.DeleteSession)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

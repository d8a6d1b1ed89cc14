package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/c2stem/copa/internal/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login remembers the student's username in a cookie. Passwords are only
// checked for presence; the deployment sits behind the classroom's own
// access control.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username, err := identity.Normalize(req.Username)
	if err != nil || req.Password == "" {
		Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if err := identity.EnsureStudent(r.Context(), h.repo, username); err != nil {
		slog.Error("Failed to record student", "error", err, "user_id", username)
		Error(w, http.StatusInternalServerError, "failed to record student")
		return
	}

	identity.SetCookie(w, username, h.cfg.IsDevelopment())
	slog.Info("Student logged in", "user_id", username, "ip", identity.IPFromRequest(r))
	JSON(w, http.StatusOK, map[string]string{"username": username})
}

// Logout clears the login cookie. The session itself is left to the reaper.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity.ClearCookie(w, h.cfg.IsDevelopment())
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Package identity resolves which student a request belongs to.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/c2stem/copa/internal/domain"
	"github.com/c2stem/copa/internal/store"
)

const (
	CookieName     = "username"
	HeaderName     = "X-Copa-Username"
	QueryParam     = "username"
	cookieLifetime = 30 * 24 * time.Hour
)

type contextKey int

const usernameKey contextKey = iota

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// ErrInvalidUsername is returned for empty or malformed usernames.
var ErrInvalidUsername = errors.New("invalid username")

// StudentStore is the slice of the repository identity needs.
type StudentStore interface {
	GetStudent(ctx context.Context, username string) (*domain.Student, error)
	UpsertStudent(ctx context.Context, student *domain.Student) error
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUsername returns a context carrying username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// Normalize trims username and checks it against the allowed alphabet.
func Normalize(username string) (string, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return "", ErrInvalidUsername
	}
	return username, nil
}

// FromRequest returns the username named by the query string, the login
// cookie or the header, in that order.
func FromRequest(r *http.Request) (string, error) {
	if v := r.URL.Query().Get(QueryParam); v != "" {
		return Normalize(v)
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return Normalize(c.Value)
	}
	if v := r.Header.Get(HeaderName); v != "" {
		return Normalize(v)
	}
	return "", ErrInvalidUsername
}

// SetCookie remembers username in the browser.
func SetCookie(w http.ResponseWriter, username string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    username,
		Path:     "/",
		MaxAge:   int(cookieLifetime.Seconds()),
		Expires:  time.Now().Add(cookieLifetime),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// ClearCookie forgets the login cookie.
func ClearCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// EnsureStudent records the student on first sight and refreshes its
// last-seen time afterwards.
func EnsureStudent(ctx context.Context, repo StudentStore, username string) error {
	now := time.Now()
	st, err := repo.GetStudent(ctx, username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &domain.Student{Username: username, CreatedAt: now}
	case err != nil:
		return err
	}
	st.LastSeenAt = now
	return repo.UpsertStudent(ctx, st)
}

// Middleware injects the request's username into its context. Requests
// without a valid username are rejected with 401.
func Middleware(repo StudentStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, err := FromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"username required"}`, http.StatusUnauthorized)
				return
			}
			if repo != nil {
				if err := EnsureStudent(r.Context(), repo, username); err != nil {
					slog.Error("failed to record student", "user_id", username, "error", err)
					http.Error(w, `{"error":"failed to initialize student"}`, http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithUsername(r.Context(), username)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

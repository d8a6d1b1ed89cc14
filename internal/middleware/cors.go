// Package middleware provides HTTP middleware shared by the API and the event socket.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/c2stem/copa/internal/identity"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsMaxAge  = 10 * 60
)

var corsHeaders = strings.Join([]string{"Content-Type", identity.HeaderName}, ", ")

// CORS echoes the request origin when it is in allowedOrigins. A "*" entry
// admits any origin but never with credentials; the username cookie is only
// shared with explicitly listed origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			wildcard = true
		default:
			explicit[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin != "" {
				_, listed := explicit[origin]
				if listed || wildcard {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				}
				if listed {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

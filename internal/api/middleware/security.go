package middleware

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/agentlink/internal/crypto"
)

// EventsPath is the only route that may upgrade to a websocket.
const EventsPath = "/events"

// SecurityHeaders adds headers for a JSON-only API. HSTS is sent only when
// the request arrived over TLS, directly or through a proxy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		// Signed responses hold protocol state for one agent.
		if r.Header.Get(crypto.HeaderAgent) != "" {
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest rejects requests no route of this API accepts: non-JSON
// bodies, upgrades outside GET /events, and malformed paths.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength > 0 {
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				jsonError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
				return
			}
		}

		if r.Header.Get("Upgrade") != "" {
			if r.Method != http.MethodGet || r.URL.Path != EventsPath ||
				!strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				jsonError(w, http.StatusBadRequest, "upgrade not allowed")
				return
			}
		}

		if badPath(r.URL.Path) || hasControl(r.URL.RawQuery) {
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// badPath reports traversal or empty segments. Agent and protocol ids are
// single path segments, so neither can appear in a valid route.
func badPath(p string) bool {
	return strings.Contains(p, "..") || strings.Contains(p, "//") || hasControl(p)
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// Package auth gates the gateway's HTTP surface with a single bearer
// token (spec.md §6: "unauthenticated when no API key is configured;
// otherwise bearer-token required on any path beginning with /api/,
// /v0/, or /v1/"). Grounded on the teacher's APIKeyAuth middleware, cut
// down from a comma-separated key set and provider chain to the one
// LEMONADE_API_KEY the spec defines.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
)

// Middleware gates /api, /v0, /v1 path prefixes with a bearer token.
// When key is empty, every request passes through unauthenticated.
type Middleware struct {
	key []byte
}

func New(key string) *Middleware {
	return &Middleware{key: []byte(key)}
}

func (m *Middleware) Enabled() bool { return len(m.key) > 0 }

// Handler wraps next, rejecting unauthenticated requests to gated
// prefixes with a 401 error envelope.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || !gated(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		candidate := extractKey(r)
		if candidate == "" || subtle.ConstantTimeCompare([]byte(candidate), m.key) != 1 {
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func gated(path string) bool {
	for _, prefix := range []string{"/api/", "/v0/", "/v1/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func extractKey(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("api_key"); v != "" {
		return v
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lemonade"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apierr.Envelope{Error: apierr.EnvelopeBody{
		Message: "a valid API key is required: set Authorization: Bearer <key> or X-API-Key",
		Type:    apierr.CodeInvalidRequest,
		Code:    apierr.CodeInvalidRequest,
	}})
}

package auth

import (
	"net/http"
	"strings"
)

// Middleware guards admin routes with a static bearer token. The configured
// value is an encoded hash from HashToken, never the raw token.
type Middleware struct {
	encodedHash string
}

// NewMiddleware builds a Middleware. An empty hash disables authentication,
// which is only acceptable for local development.
func NewMiddleware(encodedHash string) *Middleware {
	return &Middleware{encodedHash: strings.TrimSpace(encodedHash)}
}

// Enabled reports whether a token hash is configured.
func (m *Middleware) Enabled() bool {
	return m.encodedHash != ""
}

// Require wraps next, rejecting requests without a valid bearer token.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || !VerifyToken(token, m.encodedHash) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/prsentry/prsentry-backend/internal/auth"
)

// Auth enforces a bearer token on /api/v1 routes and sets claims in the
// request context. Webhooks authenticate by HMAC signature, health and
// metrics stay open, and the login/callback pair must be reachable before
// a token exists.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/metrics" ||
				strings.HasPrefix(path, "/webhooks/") ||
				strings.HasPrefix(path, "/api/v1/auth/") {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearer(r)
			if token == "" {
				unauthorized(w, "Authentication required")
				return
			}
			claims, err := auth.ValidateToken(jwtSecret, token)
			if err != nil {
				msg := "Invalid or expired token"
				if err == auth.ErrExpiredToken {
					msg = "Token expired"
				}
				unauthorized(w, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

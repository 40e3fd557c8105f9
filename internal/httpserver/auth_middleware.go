package httpserver

import (
	"context"
	"net/http"
	"strings"

	"plantchat/internal/domain"
	"plantchat/internal/security"
)

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal returns a new context carrying the signed-in identity.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// CurrentPrincipal extracts the signed-in identity from context, if any.
func CurrentPrincipal(r *http.Request) (domain.Principal, bool) {
	p, ok := r.Context().Value(principalContextKey).(domain.Principal)
	return p, ok && p.UserID != ""
}

// AuthMiddleware validates the Bearer token and attaches the principal to the context.
func AuthMiddleware(tokens *security.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			p, err := tokens.Principal(tokenStr)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

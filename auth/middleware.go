package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// TokenContextKey holds the validated token of the request
const TokenContextKey contextKey = "auth_token"

// Validator checks tokens; *Store implements it
type Validator interface {
	Valid(ctx context.Context, token string) (bool, error)
}

// Middleware guards handlers with token validation
type Middleware struct {
	validator Validator
	logger    *zap.SugaredLogger
}

// NewMiddleware creates a middleware. A nil validator disables authentication.
func NewMiddleware(validator Validator, logger *zap.SugaredLogger) *Middleware {
	return &Middleware{validator: validator, logger: logger}
}

// RequireToken rejects requests without a valid token with 403
func (m *Middleware) RequireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.validator == nil {
			next(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			http.Error(w, "forbidden: missing token", http.StatusForbidden)
			return
		}

		ok, err := m.validator.Valid(r.Context(), token)
		if err != nil {
			m.logger.Warnw("Token validation failed", "error", err)
			http.Error(w, "forbidden: token check failed", http.StatusForbidden)
			return
		}
		if !ok {
			http.Error(w, "forbidden: invalid token", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), TokenContextKey, token)
		next(w, r.WithContext(ctx))
	}
}

// extractToken reads the Authorization header, accepting a bare token or
// "Bearer <token>". WebSocket clients may pass ?token= instead.
func extractToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// TokenFromContext returns the validated token of the request, if any
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(TokenContextKey).(string)
	return token
}

// Package middleware provides HTTP middleware for API key identification.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// ErrNoUser is returned by GetUserID for anonymous requests.
var ErrNoUser = errors.New("user ID not found in request context")

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// userIDKey is the context key for storing the authenticated user ID.
const userIDKey ContextKey = "userID"

// KeyResolver maps an API key to its user. found is false for unknown keys.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (userID uuid.UUID, found bool, err error)
}

// APIKeyAuth identifies the caller from the X-API-Key header. A request
// without the header continues anonymously. A key that does not resolve is
// rejected with 401 and never treated as anonymous.
func APIKeyAuth(resolver KeyResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, found, err := resolver.ResolveAPIKey(r.Context(), apiKey)
			if err != nil {
				logger.Error("failed to resolve api key", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "Authentication is temporarily unavailable")
				return
			}
			if !found {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetUserID(r); err != nil {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts the authenticated user ID from the request context.
func GetUserID(r *http.Request) (uuid.UUID, error) {
	userID, ok := r.Context().Value(userIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrNoUser
	}
	return userID, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

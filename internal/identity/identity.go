// Package identity extracts the platform-supplied end-user id from requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// UserHeaderName carries the numeric end-user id set by the platform gateway.
const UserHeaderName = "X-User-ID"

// userQueryParam is accepted for WebSocket upgrades, where browsers cannot set headers.
const userQueryParam = "user_id"

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(userIDKey).(int64); ok {
		return v
	}
	return 0
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ParseUserID parses a positive decimal user id.
func ParseUserID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func userIDFromRequest(r *http.Request) (int64, bool) {
	if raw := r.Header.Get(UserHeaderName); raw != "" {
		return ParseUserID(raw)
	}
	if raw := r.URL.Query().Get(userQueryParam); raw != "" {
		return ParseUserID(raw)
	}
	return 0, false
}

// Middleware rejects requests without a valid user id and stores it in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDFromRequest(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"invalid_request","message":"missing or invalid X-User-ID"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

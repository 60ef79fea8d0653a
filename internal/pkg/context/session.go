// Package context provides request-scoped context utilities.
package context

import (
	"context"
)

type contextKey string

const (
	// SessionIDKey is the context key for storing the subscriber session ID.
	SessionIDKey contextKey = "session_id"
)

// WithSessionID adds a session ID to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session ID from context.
// Returns empty string if not found.
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

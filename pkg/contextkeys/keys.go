// Package contextkeys provides centralized context key definitions.
//
// All context keys used across the application are defined here so that
// producers and consumers agree on the key and the stored type.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserKey contains the authenticated user.
	// Set by: middleware.SessionAuth (pkg/middleware/auth.go)
	// Type: *auth.User
	UserKey Key = "user"

	// SessionKey contains the active SSO session behind the bearer token.
	// Set by: middleware.SessionAuth (pkg/middleware/auth.go)
	// Type: *sso.Session
	SessionKey Key = "session"

	// RequestIDKey contains the request ID string (UUID).
	// Set by: HTTP middleware; used by the logger and audit trail.
	// Type: string
	RequestIDKey Key = "request_id"
)

// WithUser adds the authenticated user to the context. The value is stored
// untyped to keep this package free of upward dependencies.
func WithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// WithSession adds the active session to the context.
func WithSession(ctx context.Context, session interface{}) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

package middleware

import (
	"context"
	"net/http"

	"github.com/gatekey/gatekey/pkg/auth"
	"github.com/gatekey/gatekey/pkg/contextkeys"
	"github.com/gatekey/gatekey/pkg/httputil"
	"github.com/gatekey/gatekey/pkg/sso"
)

// Authenticator resolves a bearer token to its active session and user.
// *sso.Service satisfies this.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*sso.Session, *auth.User, error)
}

// SessionAuth authenticates requests by their bearer session token and
// places the resolved user and session on the request context.
type SessionAuth struct {
	authn    Authenticator
	optional bool // when true, requests without a token pass through anonymously
}

// NewSessionAuth creates the bearer-token authentication middleware.
func NewSessionAuth(authn Authenticator, optional bool) *SessionAuth {
	return &SessionAuth{authn: authn, optional: optional}
}

// Handler wraps an HTTP handler with session authentication.
func (m *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := httputil.BearerToken(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "bearer token required")
			return
		}

		session, user, err := m.authn.Authenticate(r.Context(), token)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithUser(r.Context(), user)
		ctx = contextkeys.WithSession(ctx, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUser extracts the authenticated user from the request, or nil.
func GetUser(r *http.Request) *auth.User {
	user, _ := r.Context().Value(contextkeys.UserKey).(*auth.User)
	return user
}

// GetSession extracts the active session from the request, or nil.
func GetSession(r *http.Request) *sso.Session {
	session, _ := r.Context().Value(contextkeys.SessionKey).(*sso.Session)
	return session
}

// roleRank orders roles by privilege for RequireRole checks.
func roleRank(role string) int {
	switch auth.Role(role) {
	case auth.RoleAdmin:
		return 3
	case auth.RoleMember:
		return 2
	case auth.RoleViewer:
		return 1
	}
	return 0
}

// RequireRole creates middleware that admits only users holding at least
// the given role. It must run after SessionAuth.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r)
			if user == nil {
				httputil.WriteErrorMessage(w, http.StatusForbidden, "authentication required")
				return
			}
			if roleRank(user.Role) < roleRank(string(role)) {
				httputil.WriteErrorMessage(w, http.StatusForbidden, "insufficient role permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekey/gatekey/pkg/auth"
	"github.com/gatekey/gatekey/pkg/sso"
)

// fakeAuthenticator accepts a single token and returns a canned user.
type fakeAuthenticator struct {
	token   string
	session *sso.Session
	user    *auth.User
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*sso.Session, *auth.User, error) {
	if token != f.token {
		return nil, nil, errors.New("unknown token")
	}
	return f.session, f.user, nil
}

func testAuthn(role string) *fakeAuthenticator {
	return &fakeAuthenticator{
		token:   "gk_valid",
		session: &sso.Session{ID: "sess-1", TenantID: 1},
		user:    &auth.User{ID: 7, TenantID: 1, Username: "carol", Role: role},
	}
}

func TestSessionAuth_Handler(t *testing.T) {
	tests := []struct {
		name           string
		authHeader     string
		optional       bool
		expectStatus   int
		expectUserSeen bool
	}{
		{
			name:           "valid token",
			authHeader:     "Bearer gk_valid",
			expectStatus:   http.StatusOK,
			expectUserSeen: true,
		},
		{
			name:         "missing token",
			expectStatus: http.StatusUnauthorized,
		},
		{
			name:         "unknown token",
			authHeader:   "Bearer gk_other",
			expectStatus: http.StatusUnauthorized,
		},
		{
			name:         "malformed header",
			authHeader:   "Basic dXNlcjpwYXNz",
			expectStatus: http.StatusUnauthorized,
		},
		{
			name:         "optional passes without token",
			optional:     true,
			expectStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawUser *auth.User
			var sawSession *sso.Session
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawUser = GetUser(r)
				sawSession = GetSession(r)
				w.WriteHeader(http.StatusOK)
			})

			handler := NewSessionAuth(testAuthn("member"), tt.optional).Handler(next)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sso/providers", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectStatus, rec.Code)
			if tt.expectUserSeen {
				require.NotNil(t, sawUser)
				assert.Equal(t, int64(7), sawUser.ID)
				require.NotNil(t, sawSession)
				assert.Equal(t, "sess-1", sawSession.ID)
			} else if rec.Code == http.StatusOK {
				assert.Nil(t, sawUser)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name         string
		userRole     string
		required     auth.Role
		expectStatus int
	}{
		{name: "admin passes admin gate", userRole: "admin", required: auth.RoleAdmin, expectStatus: http.StatusOK},
		{name: "member refused admin gate", userRole: "member", required: auth.RoleAdmin, expectStatus: http.StatusForbidden},
		{name: "member passes viewer gate", userRole: "member", required: auth.RoleViewer, expectStatus: http.StatusOK},
		{name: "unknown role refused", userRole: "contractor", required: auth.RoleViewer, expectStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			chain := NewSessionAuth(testAuthn(tt.userRole), false).Handler(
				RequireRole(tt.required)(next))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/sso/audit", nil)
			req.Header.Set("Authorization", "Bearer gk_valid")
			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, req)
			assert.Equal(t, tt.expectStatus, rec.Code)
		})
	}
}

func TestRequireRole_WithoutAuthentication(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireRole(auth.RoleViewer)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sso/audit", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

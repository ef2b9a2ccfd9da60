package sso

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOAuthServer serves a minimal token and userinfo endpoint pair.
func fakeOAuthServer(t *testing.T, claims map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(claims)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func oauthTestProvider(serverURL string) *Provider {
	return &Provider{
		ID:       5,
		TenantID: 1,
		Name:     "acme-oauth",
		Type:     ProviderTypeOAuth2,
		IsActive: true,
		OAuthConfig: &OAuthConfig{
			ClientID:     "client-1",
			ClientSecret: "client-secret",
			AuthURL:      serverURL + "/authorize",
			TokenURL:     serverURL + "/token",
			UserInfoURL:  serverURL + "/userinfo",
			Scopes:       []string{"read:user"},
		},
	}
}

func TestOAuth2Handler_Initiate(t *testing.T) {
	provider := oauthTestProvider("https://idp.example.com")
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)

	result, err := handler.Initiate(context.Background(), &Session{ID: "sess-1", CorrelationToken: "state-abc"})
	require.NoError(t, err)

	parsed, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "state-abc", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "read:user", q.Get("scope"))
	assert.Equal(t, "https://sp.example.com/api/v1/auth/sso/5/callback", q.Get("redirect_uri"))
}

func TestOAuth2Handler_Initiate_ExplicitRedirectURL(t *testing.T) {
	provider := oauthTestProvider("https://idp.example.com")
	provider.OAuthConfig.RedirectURL = "https://custom.example.com/cb"
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)

	result, err := handler.Initiate(context.Background(), &Session{CorrelationToken: "s"})
	require.NoError(t, err)
	parsed, _ := url.Parse(result.RedirectURL)
	assert.Equal(t, "https://custom.example.com/cb", parsed.Query().Get("redirect_uri"))
}

func TestOAuth2Handler_Complete(t *testing.T) {
	server := fakeOAuthServer(t, map[string]interface{}{
		"sub":    "subject-1",
		"email":  "user@example.com",
		"name":   "Test User",
		"groups": []string{"eng", "sec"},
	})
	provider := oauthTestProvider(server.URL)
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)

	session := &Session{ID: "sess-1", CorrelationToken: "state-abc"}
	identity, err := handler.Complete(context.Background(), session, &CompletionInput{
		Params: url.Values{"state": {"state-abc"}, "code": {"good-code"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "subject-1", identity.SubjectID)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.Equal(t, "Test User", identity.Name)
	assert.Equal(t, []string{"eng", "sec"}, identity.Groups)
	assert.Equal(t, "subject-1", identity.Attributes["sub"])
}

func TestOAuth2Handler_Complete_NumericSubject(t *testing.T) {
	// GitHub-style providers return a numeric id; the mapping renders it
	// as a string.
	server := fakeOAuthServer(t, map[string]interface{}{
		"id":    12345,
		"email": "octo@example.com",
	})
	provider := oauthTestProvider(server.URL)
	provider.AttributeMapping = map[string]string{"id": AttrSubjectID}
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)

	session := &Session{CorrelationToken: "state-abc"}
	identity, err := handler.Complete(context.Background(), session, &CompletionInput{
		Params: url.Values{"state": {"state-abc"}, "code": {"good-code"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", identity.SubjectID)
}

func TestOAuth2Handler_Complete_Errors(t *testing.T) {
	server := fakeOAuthServer(t, map[string]interface{}{"sub": "subject-1"})
	provider := oauthTestProvider(server.URL)
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)
	session := &Session{CorrelationToken: "state-abc"}
	ctx := context.Background()

	tests := []struct {
		name   string
		params url.Values
		kind   ErrorKind
	}{
		{
			name:   "user denied consent",
			params: url.Values{"error": {"access_denied"}, "error_description": {"user denied"}},
			kind:   KindCredential,
		},
		{
			name:   "other IdP error",
			params: url.Values{"error": {"server_error"}},
			kind:   KindProtocol,
		},
		{
			name:   "state mismatch",
			params: url.Values{"state": {"evil"}, "code": {"good-code"}},
			kind:   KindState,
		},
		{
			name:   "missing code",
			params: url.Values{"state": {"state-abc"}},
			kind:   KindProtocol,
		},
		{
			name:   "code exchange rejected",
			params: url.Values{"state": {"state-abc"}, "code": {"bad-code"}},
			kind:   KindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler.Complete(ctx, session, &CompletionInput{Params: tt.params})
			require.Error(t, err)
			assert.Equal(t, tt.kind, AsAuthError(err).Kind)
		})
	}
}

func TestOAuth2Handler_Complete_MissingSubject(t *testing.T) {
	server := fakeOAuthServer(t, map[string]interface{}{"email": "user@example.com"})
	provider := oauthTestProvider(server.URL)
	handler, err := newOAuth2Handler(provider, "https://sp.example.com", 5*time.Second)
	require.NoError(t, err)

	session := &Session{CorrelationToken: "state-abc"}
	_, err = handler.Complete(context.Background(), session, &CompletionInput{
		Params: url.Values{"state": {"state-abc"}, "code": {"good-code"}},
	})
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidResponse, AsAuthError(err).Reason)
}

func TestClaimString(t *testing.T) {
	assert.Equal(t, "", claimString(nil))
	assert.Equal(t, "plain", claimString("plain"))
	assert.Equal(t, "42", claimString(json.Number("42")))
	assert.Equal(t, "true", claimString(true))
}

func TestClaimStrings(t *testing.T) {
	assert.Nil(t, claimStrings(nil))
	assert.Nil(t, claimStrings("not-a-list"))
	assert.Equal(t, []string{"a", "7"},
		claimStrings([]interface{}{"a", json.Number("7"), ""}))
}

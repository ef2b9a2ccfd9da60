package sso

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) *HandlerFactory {
	factory, err := NewHandlerFactory(FactoryOptions{
		BaseURL:         "https://sp.example.com",
		UpstreamTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return factory
}

func TestNewHandlerFactory_RequiresBaseURL(t *testing.T) {
	_, err := NewHandlerFactory(FactoryOptions{})
	assert.Error(t, err)
}

func TestHandlerFactory_CompilesByType(t *testing.T) {
	factory := newTestFactory(t)
	ctx := context.Background()

	saml := samlTestProvider(1, "acme-saml")
	saml.ID = 1
	handler, err := factory.HandlerFor(ctx, saml)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeSAML, handler.Type())

	ldapProvider := ldapTestProvider(1, "acme-ldap")
	ldapProvider.ID = 2
	handler, err = factory.HandlerFor(ctx, ldapProvider)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeLDAP, handler.Type())

	oauthProvider := &Provider{
		ID: 3, TenantID: 1, Name: "acme-oauth", Type: ProviderTypeOAuth2,
		OAuthConfig: &OAuthConfig{
			ClientID:    "client-1",
			AuthURL:     "https://idp.example.com/authorize",
			TokenURL:    "https://idp.example.com/token",
			UserInfoURL: "https://idp.example.com/userinfo",
		},
	}
	handler, err = factory.HandlerFor(ctx, oauthProvider)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeOAuth2, handler.Type())

	_, err = factory.HandlerFor(ctx, &Provider{ID: 4, Type: "kerberos"})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, AsAuthError(err).Kind)
}

func TestHandlerFactory_CachesUntilProviderChanges(t *testing.T) {
	factory := newTestFactory(t)
	ctx := context.Background()

	updated := time.Now().UTC()
	p := samlTestProvider(1, "acme-saml")
	p.ID = 1
	p.UpdatedAt = updated

	first, err := factory.HandlerFor(ctx, p)
	require.NoError(t, err)
	second, err := factory.HandlerFor(ctx, p)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A provider update invalidates the cached handler.
	p.UpdatedAt = updated.Add(time.Second)
	third, err := factory.HandlerFor(ctx, p)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			preset, err := Preset(name)
			require.NoError(t, err)
			assert.NotEmpty(t, preset.Name)
			assert.True(t, preset.Type.Valid())
			require.NotNil(t, preset.OAuthConfig)
			assert.NotEmpty(t, preset.OAuthConfig.Scopes, "preset should carry scopes")
		})
	}

	_, err := Preset("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreset_GitHubIsPlainOAuth2(t *testing.T) {
	preset, err := Preset("github")
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeOAuth2, preset.Type)
	assert.NotEmpty(t, preset.OAuthConfig.AuthURL)
	assert.NotEmpty(t, preset.OAuthConfig.TokenURL)
	assert.NotEmpty(t, preset.OAuthConfig.UserInfoURL)
	assert.Equal(t, AttrSubjectID, preset.AttributeMapping["id"])
}

func TestPreset_GoogleIsOIDC(t *testing.T) {
	preset, err := Preset("google")
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeOIDC, preset.Type)
	assert.Equal(t, "https://accounts.google.com", preset.OAuthConfig.IssuerURL)
}

func TestLDAPHandler_RequiresCredentials(t *testing.T) {
	handler, err := newLDAPHandler(ldapTestProvider(1, "acme-ldap"), 5*time.Second)
	require.NoError(t, err)
	ctx := context.Background()
	session := &Session{ID: "sess-1"}

	// No redirect leg.
	result, err := handler.Initiate(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, result.RedirectURL)

	tests := []struct {
		name  string
		input *CompletionInput
	}{
		{"nil credentials", &CompletionInput{}},
		{"empty username", &CompletionInput{Credentials: &Credentials{Password: "pw"}}},
		{"empty password", &CompletionInput{Credentials: &Credentials{Username: "alice"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handler.Complete(ctx, session, tt.input)
			require.Error(t, err)
			assert.Equal(t, KindCredential, AsAuthError(err).Kind)
		})
	}
}

package sso

import (
	"context"
	"fmt"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// InitiationResult is produced when a login handshake starts. Redirect
// protocols carry the IdP URL to send the browser to; direct-credential
// protocols (LDAP) leave it empty.
type InitiationResult struct {
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Credentials are the username/password pair for direct-bind protocols.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CompletionInput carries whatever the callback leg of a handshake
// received: the raw query/form parameters for redirect protocols, or the
// submitted credentials for LDAP.
type CompletionInput struct {
	Params      url.Values
	Credentials *Credentials
}

// ProtocolHandler implements one federation protocol against a compiled
// provider configuration. Handlers are stateless between calls; all
// handshake state lives on the session.
type ProtocolHandler interface {
	Type() ProviderType

	// Initiate starts a handshake for the given session. The session's
	// correlation token is bound into the outgoing request (RelayState or
	// OAuth state) so the callback can be matched back.
	Initiate(ctx context.Context, session *Session) (*InitiationResult, error)

	// Complete validates the callback (or credentials) against the session
	// and returns the normalized identity. Validation failures come back as
	// *AuthError so the failure reason can be recorded on the session.
	Complete(ctx context.Context, session *Session, input *CompletionInput) (*Identity, error)
}

// HandlerFactory compiles provider configurations into protocol handlers.
// Compiled handlers are cached in an LRU keyed by provider id and update
// time, so a provider update naturally invalidates its cached handler.
type HandlerFactory struct {
	baseURL            string
	upstreamTimeout    time.Duration
	insecureSkipVerify bool

	cache *lru.Cache[string, ProtocolHandler]
}

// FactoryOptions configures handler compilation.
type FactoryOptions struct {
	// BaseURL is this service's externally visible URL, used to derive
	// callback and metadata endpoints.
	BaseURL string

	// UpstreamTimeout bounds every outbound IdP call.
	UpstreamTimeout time.Duration

	// InsecureSkipVerify disables assertion and token signature checks.
	// Development only.
	InsecureSkipVerify bool

	// CacheSize caps the compiled handler cache. Defaults to 128.
	CacheSize int
}

// NewHandlerFactory creates a handler factory.
func NewHandlerFactory(opts FactoryOptions) (*HandlerFactory, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 15 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	cache, err := lru.New[string, ProtocolHandler](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &HandlerFactory{
		baseURL:            opts.BaseURL,
		upstreamTimeout:    opts.UpstreamTimeout,
		insecureSkipVerify: opts.InsecureSkipVerify,
		cache:              cache,
	}, nil
}

// HandlerFor returns the protocol handler for a provider, compiling and
// caching it on first use. The provider must carry decrypted secrets.
func (f *HandlerFactory) HandlerFor(ctx context.Context, provider *Provider) (ProtocolHandler, error) {
	key := fmt.Sprintf("%d:%d", provider.ID, provider.UpdatedAt.UnixNano())
	if handler, ok := f.cache.Get(key); ok {
		return handler, nil
	}

	handler, err := f.compile(ctx, provider)
	if err != nil {
		return nil, err
	}
	f.cache.Add(key, handler)
	return handler, nil
}

func (f *HandlerFactory) compile(ctx context.Context, provider *Provider) (ProtocolHandler, error) {
	switch provider.Type {
	case ProviderTypeSAML:
		return newSAMLHandler(provider, f.baseURL, f.insecureSkipVerify)
	case ProviderTypeOAuth2:
		return newOAuth2Handler(provider, f.baseURL, f.upstreamTimeout)
	case ProviderTypeOIDC:
		return newOIDCHandler(ctx, provider, f.baseURL, f.upstreamTimeout, f.insecureSkipVerify)
	case ProviderTypeLDAP:
		return newLDAPHandler(provider, f.upstreamTimeout)
	default:
		return nil, ErrConfiguration(fmt.Sprintf("unsupported provider type: %s", provider.Type), nil)
	}
}

// Preset returns a partial provider configuration for a well-known IdP.
// Callers fill in tenant, credentials, and endpoint specifics.
func Preset(name string) (*Provider, error) {
	switch name {
	case "google":
		return &Provider{
			Name:        "Google Workspace",
			Type:        ProviderTypeOIDC,
			DefaultRole: "member",
			AttributeMapping: map[string]string{
				"sub":   AttrSubjectID,
				"email": AttrEmail,
				"name":  AttrName,
			},
			OAuthConfig: &OAuthConfig{
				IssuerURL: "https://accounts.google.com",
				Scopes:    []string{"openid", "profile", "email"},
			},
		}, nil

	case "okta":
		return &Provider{
			Name:        "Okta",
			Type:        ProviderTypeOIDC,
			DefaultRole: "member",
			AttributeMapping: map[string]string{
				"sub":    AttrSubjectID,
				"email":  AttrEmail,
				"name":   AttrName,
				"groups": AttrGroups,
			},
			OAuthConfig: &OAuthConfig{
				Scopes: []string{"openid", "profile", "email", "groups"},
			},
		}, nil

	case "azuread":
		return &Provider{
			Name:        "Microsoft Entra ID",
			Type:        ProviderTypeOIDC,
			DefaultRole: "member",
			AttributeMapping: map[string]string{
				"oid":    AttrSubjectID,
				"email":  AttrEmail,
				"name":   AttrName,
				"groups": AttrGroups,
			},
			OAuthConfig: &OAuthConfig{
				Scopes: []string{"openid", "profile", "email"},
			},
		}, nil

	case "github":
		return &Provider{
			Name:        "GitHub",
			Type:        ProviderTypeOAuth2,
			DefaultRole: "member",
			AttributeMapping: map[string]string{
				"id":    AttrSubjectID,
				"email": AttrEmail,
				"name":  AttrName,
			},
			OAuthConfig: &OAuthConfig{
				AuthURL:     "https://github.com/login/oauth/authorize",
				TokenURL:    "https://github.com/login/oauth/access_token",
				UserInfoURL: "https://api.github.com/user",
				Scopes:      []string{"read:user", "user:email"},
			},
		}, nil

	default:
		return nil, ErrNotFound
	}
}

// PresetNames lists the available preset identifiers.
func PresetNames() []string {
	return []string{"azuread", "github", "google", "okta"}
}

package sso

import "time"

// ProviderType represents the SSO provider protocol
type ProviderType string

const (
	ProviderTypeSAML   ProviderType = "saml"
	ProviderTypeOAuth2 ProviderType = "oauth2"
	ProviderTypeOIDC   ProviderType = "oidc"
	ProviderTypeLDAP   ProviderType = "ldap"
)

// Valid reports whether the provider type is one of the supported protocols.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderTypeSAML, ProviderTypeOAuth2, ProviderTypeOIDC, ProviderTypeLDAP:
		return true
	}
	return false
}

// Provider represents a tenant's SSO provider configuration
type Provider struct {
	ID            int64        `json:"id"`
	TenantID      int64        `json:"tenant_id"`
	Name          string       `json:"name"`
	Type          ProviderType `json:"provider_type"`
	IsActive      bool         `json:"is_active"`
	IsDefault     bool         `json:"is_default"`
	AutoProvision bool         `json:"auto_provision"` // JIT user provisioning
	DefaultRole   string       `json:"default_role"`

	// AttributeMapping maps IdP attribute/claim names to local attribute
	// names (subject_id, email, name, groups).
	AttributeMapping map[string]string `json:"attribute_mapping,omitempty"`

	// RoleMapping maps IdP role/group names to local roles.
	RoleMapping map[string]string `json:"role_mapping,omitempty"`

	SAMLConfig  *SAMLConfig  `json:"saml_config,omitempty"`
	OAuthConfig *OAuthConfig `json:"oauth_config,omitempty"`
	LDAPConfig  *LDAPConfig  `json:"ldap_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Local attribute names produced by attribute mapping.
const (
	AttrSubjectID = "subject_id"
	AttrEmail     = "email"
	AttrName      = "name"
	AttrGroups    = "groups"
)

// MapAttribute resolves an IdP attribute name to its local equivalent,
// falling back to def when no mapping is configured for it.
func (p *Provider) MapAttribute(idpAttr, def string) string {
	if local, ok := p.AttributeMapping[idpAttr]; ok && local != "" {
		return local
	}
	return def
}

// IdPAttributeFor returns the IdP attribute name mapped to the given local
// attribute, or def when no mapping points at it.
func (p *Provider) IdPAttributeFor(local, def string) string {
	for idpAttr, l := range p.AttributeMapping {
		if l == local {
			return idpAttr
		}
	}
	return def
}

// MapRole resolves an IdP role/group name through the role mapping. Unmapped
// roles fall back to the provider's default role.
func (p *Provider) MapRole(idpRole string) string {
	if role, ok := p.RoleMapping[idpRole]; ok && role != "" {
		return role
	}
	return p.DefaultRole
}

// SAMLConfig holds SAML 2.0 configuration
type SAMLConfig struct {
	EntityID     string `json:"entity_id"` // IdP issuer
	SSOURL       string `json:"sso_url"`
	SLOUrl       string `json:"slo_url,omitempty"`
	Certificate  string `json:"certificate"` // PEM encoded IdP signing certificate
	NameIDFormat string `json:"name_id_format,omitempty"`
}

// OAuthConfig holds OAuth2 and OIDC configuration. OIDC providers set
// IssuerURL and discover the endpoints; plain OAuth2 providers set the
// endpoint URLs directly.
type OAuthConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // encrypted at rest, never serialized
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	UserInfoURL  string   `json:"user_info_url,omitempty"`
	IssuerURL    string   `json:"issuer_url,omitempty"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// LDAPConfig holds directory configuration
type LDAPConfig struct {
	URL          string `json:"url"` // ldap:// or ldaps://
	StartTLS     bool   `json:"start_tls"`
	BindDN       string `json:"bind_dn"`
	BindPassword string `json:"-"` // encrypted at rest, never serialized
	BaseDN       string `json:"base_dn"`

	// UserFilter is a search filter template; {username} is replaced with
	// the escaped login name. Defaults to (uid={username}).
	UserFilter string `json:"user_filter,omitempty"`
}

// SessionState represents the lifecycle state of a login attempt
type SessionState string

const (
	SessionInitiated     SessionState = "initiated"
	SessionAuthenticated SessionState = "authenticated"
	SessionFailed        SessionState = "failed"
	SessionTerminated    SessionState = "terminated"
)

// Session represents one login attempt and, once authenticated, the
// resulting active session. Expiry is a derived property observed at read
// time, never a stored state transition.
type Session struct {
	ID               string            `json:"session_id"`
	ProviderID       int64             `json:"provider_id"`
	TenantID         int64             `json:"tenant_id"`
	UserID           *int64            `json:"user_id,omitempty"`
	SubjectID        string            `json:"subject_id,omitempty"`
	Email            string            `json:"email,omitempty"`
	State            SessionState      `json:"state"`
	CorrelationToken string            `json:"-"` // SAML RelayState / OAuth state; none for LDAP
	TokenHash        string            `json:"-"` // SHA256 of the issued bearer token
	IPAddress        string            `json:"ip_address,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	AuthenticatedAt  *time.Time        `json:"authenticated_at,omitempty"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	TerminatedAt     *time.Time        `json:"terminated_at,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	Attributes       map[string]string `json:"-"` // raw IdP attributes
}

// Expired reports whether an authenticated session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return s.State == SessionAuthenticated && s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Active reports whether the session can still be used: authenticated and
// not expired.
func (s *Session) Active(now time.Time) bool {
	return s.State == SessionAuthenticated && !s.Expired(now)
}

// UserMapping links an external subject identity to a local user. The pair
// (provider_id, subject_id) is unique; a user may hold mappings from
// multiple providers.
type UserMapping struct {
	ID              int64     `json:"id"`
	ProviderID      int64     `json:"provider_id"`
	UserID          int64     `json:"user_id"`
	SubjectID       string    `json:"subject_id"`
	Email           string    `json:"email,omitempty"`
	AutoProvisioned bool      `json:"auto_provisioned"`
	FirstLoginAt    time.Time `json:"first_login_at"`
	LastLoginAt     time.Time `json:"last_login_at"`
	LoginCount      int64     `json:"login_count"`
	IsActive        bool      `json:"is_active"`
}

// Identity is the normalized attribute set every protocol handler produces
// from a completed handshake.
type Identity struct {
	SubjectID  string            `json:"subject_id"`
	Email      string            `json:"email,omitempty"`
	Name       string            `json:"name,omitempty"`
	Groups     []string          `json:"groups,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"` // raw IdP attributes
}

// RequestContext carries per-request metadata recorded on sessions and
// audit entries.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

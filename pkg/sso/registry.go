package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Registry stores per-tenant SSO provider configuration. Credential
// material is encrypted before it reaches the database and is only
// decrypted when building protocol handlers; every other read path returns
// providers with secrets redacted.
type Registry struct {
	db      *sql.DB
	cipher  Cipher
	auditor *Auditor
}

// NewRegistry creates a new provider registry
func NewRegistry(db *sql.DB, cipher Cipher, auditor *Auditor) *Registry {
	return &Registry{db: db, cipher: cipher, auditor: auditor}
}

// ValidateProvider checks that a provider configuration is complete enough
// to build its protocol handler.
func ValidateProvider(p *Provider) error {
	if p.TenantID == 0 {
		return ErrConfiguration("tenant_id is required", nil)
	}
	if p.Name == "" {
		return ErrConfiguration("name is required", nil)
	}
	if !p.Type.Valid() {
		return ErrConfiguration(fmt.Sprintf("unsupported provider type: %s", p.Type), nil)
	}
	switch p.Type {
	case ProviderTypeSAML:
		if p.SAMLConfig == nil {
			return ErrConfiguration("saml_config is required for SAML providers", nil)
		}
		if p.SAMLConfig.SSOURL == "" || p.SAMLConfig.EntityID == "" {
			return ErrConfiguration("saml_config requires entity_id and sso_url", nil)
		}
		if p.SAMLConfig.Certificate == "" {
			return ErrConfiguration("saml_config requires the IdP signing certificate", nil)
		}
	case ProviderTypeOAuth2:
		if p.OAuthConfig == nil {
			return ErrConfiguration("oauth_config is required for OAuth2 providers", nil)
		}
		if p.OAuthConfig.ClientID == "" || p.OAuthConfig.AuthURL == "" || p.OAuthConfig.TokenURL == "" {
			return ErrConfiguration("oauth_config requires client_id, auth_url and token_url", nil)
		}
		if p.OAuthConfig.UserInfoURL == "" {
			return ErrConfiguration("oauth_config requires user_info_url", nil)
		}
	case ProviderTypeOIDC:
		if p.OAuthConfig == nil {
			return ErrConfiguration("oauth_config is required for OIDC providers", nil)
		}
		if p.OAuthConfig.ClientID == "" || p.OAuthConfig.IssuerURL == "" {
			return ErrConfiguration("oauth_config requires client_id and issuer_url", nil)
		}
	case ProviderTypeLDAP:
		if p.LDAPConfig == nil {
			return ErrConfiguration("ldap_config is required for LDAP providers", nil)
		}
		if p.LDAPConfig.URL == "" || p.LDAPConfig.BaseDN == "" {
			return ErrConfiguration("ldap_config requires url and base_dn", nil)
		}
	}
	return nil
}

// encryptSecrets replaces plaintext credential material with ciphertext for
// storage. Operates on copies so callers keep their plaintext.
func (r *Registry) encryptSecrets(p *Provider) (oauthSecret, ldapPassword string, err error) {
	if p.OAuthConfig != nil && p.OAuthConfig.ClientSecret != "" {
		oauthSecret, err = r.cipher.Encrypt(p.OAuthConfig.ClientSecret)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt client secret: %w", err)
		}
	}
	if p.LDAPConfig != nil && p.LDAPConfig.BindPassword != "" {
		ldapPassword, err = r.cipher.Encrypt(p.LDAPConfig.BindPassword)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt bind password: %w", err)
		}
	}
	return oauthSecret, ldapPassword, nil
}

// CreateProvider stores a new provider. When the provider is flagged as the
// tenant default, any previous default among the tenant's active providers
// is demoted in the same transaction.
func (r *Registry) CreateProvider(ctx context.Context, p *Provider) error {
	if err := ValidateProvider(p); err != nil {
		return err
	}

	attrJSON, roleJSON, samlJSON, oauthJSON, ldapJSON, err := marshalProviderConfigs(p)
	if err != nil {
		return err
	}
	oauthSecret, ldapPassword, err := r.encryptSecrets(p)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sso_providers SET is_default = false, updated_at = $1
			WHERE tenant_id = $2 AND is_default = true
		`, now, p.TenantID); err != nil {
			return fmt.Errorf("failed to demote previous default provider: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sso_providers (
			tenant_id, name, provider_type, is_active, is_default,
			auto_provision, default_role, attribute_mapping, role_mapping,
			saml_config, oauth_config, ldap_config,
			oauth_client_secret, ldap_bind_password,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, p.TenantID, p.Name, p.Type, p.IsActive, p.IsDefault,
		p.AutoProvision, p.DefaultRole, attrJSON, roleJSON,
		samlJSON, oauthJSON, ldapJSON,
		oauthSecret, ldapPassword, now, now).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.auditor.Record(ctx, &AuditEntry{
		TenantID:      p.TenantID,
		ProviderID:    &p.ID,
		EventType:     EventProviderCreated,
		EventCategory: CategoryConfiguration,
		Details:       map[string]string{"name": p.Name, "provider_type": string(p.Type)},
	})
	return nil
}

// GetProvider retrieves a provider by ID with secrets redacted.
// Returns ErrNotFound when absent.
func (r *Registry) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	p, _, _, err := r.getProvider(ctx, id)
	return p, err
}

// getProviderWithSecrets retrieves a provider with credential material
// decrypted. Only the protocol handler factory may use this.
func (r *Registry) getProviderWithSecrets(ctx context.Context, id int64) (*Provider, error) {
	p, oauthSecret, ldapPassword, err := r.getProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OAuthConfig != nil && oauthSecret != "" {
		secret, err := r.cipher.Decrypt(oauthSecret)
		if err != nil {
			return nil, ErrConfiguration("failed to decrypt client secret", err)
		}
		p.OAuthConfig.ClientSecret = secret
	}
	if p.LDAPConfig != nil && ldapPassword != "" {
		password, err := r.cipher.Decrypt(ldapPassword)
		if err != nil {
			return nil, ErrConfiguration("failed to decrypt bind password", err)
		}
		p.LDAPConfig.BindPassword = password
	}
	return p, nil
}

const providerColumns = `id, tenant_id, name, provider_type, is_active, is_default,
	auto_provision, default_role, attribute_mapping, role_mapping,
	saml_config, oauth_config, ldap_config,
	oauth_client_secret, ldap_bind_password, created_at, updated_at`

func (r *Registry) getProvider(ctx context.Context, id int64) (*Provider, string, string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+` FROM sso_providers WHERE id = $1
	`, id)
	p, oauthSecret, ldapPassword, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", "", ErrNotFound
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to load provider: %w", err)
	}
	return p, oauthSecret, ldapPassword, nil
}

// ListProviders returns a tenant's providers, with secrets redacted.
func (r *Registry) ListProviders(ctx context.Context, tenantID int64, activeOnly bool) ([]*Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM sso_providers WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, _, _, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// GetDefaultProvider returns a tenant's default active provider, or
// ErrNotFound when none is configured.
func (r *Registry) GetDefaultProvider(ctx context.Context, tenantID int64) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM sso_providers
		WHERE tenant_id = $1 AND is_default = true AND is_active = true
	`, tenantID)
	p, _, _, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default provider: %w", err)
	}
	return p, nil
}

// UpdateProvider replaces a provider's configuration. Empty credential
// fields keep the stored secrets; non-empty values replace them.
func (r *Registry) UpdateProvider(ctx context.Context, p *Provider) error {
	if err := ValidateProvider(p); err != nil {
		return err
	}

	attrJSON, roleJSON, samlJSON, oauthJSON, ldapJSON, err := marshalProviderConfigs(p)
	if err != nil {
		return err
	}
	oauthSecret, ldapPassword, err := r.encryptSecrets(p)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sso_providers SET is_default = false, updated_at = $1
			WHERE tenant_id = $2 AND is_default = true AND id <> $3
		`, now, p.TenantID, p.ID); err != nil {
			return fmt.Errorf("failed to demote previous default provider: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sso_providers SET
			name = $1, provider_type = $2, is_active = $3, is_default = $4,
			auto_provision = $5, default_role = $6,
			attribute_mapping = $7, role_mapping = $8,
			saml_config = $9, oauth_config = $10, ldap_config = $11,
			oauth_client_secret = CASE WHEN $12 <> '' THEN $12 ELSE oauth_client_secret END,
			ldap_bind_password = CASE WHEN $13 <> '' THEN $13 ELSE ldap_bind_password END,
			updated_at = $14
		WHERE id = $15
	`, p.Name, p.Type, p.IsActive, p.IsDefault,
		p.AutoProvision, p.DefaultRole, attrJSON, roleJSON,
		samlJSON, oauthJSON, ldapJSON,
		oauthSecret, ldapPassword, now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.auditor.Record(ctx, &AuditEntry{
		TenantID:      p.TenantID,
		ProviderID:    &p.ID,
		EventType:     EventProviderUpdated,
		EventCategory: CategoryConfiguration,
		Details:       map[string]string{"name": p.Name, "provider_type": string(p.Type)},
	})
	return nil
}

// DisableProvider soft-disables a provider. Providers are never hard-deleted
// while sessions reference them; disabling removes them from login flows and
// clears the default flag.
func (r *Registry) DisableProvider(ctx context.Context, id int64) error {
	p, err := r.GetProvider(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE sso_providers SET is_active = false, is_default = false, updated_at = $1
		WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to disable provider: %w", err)
	}

	r.auditor.Record(ctx, &AuditEntry{
		TenantID:      p.TenantID,
		ProviderID:    &id,
		EventType:     EventProviderDisabled,
		EventCategory: CategoryConfiguration,
		Details:       map[string]string{"name": p.Name},
	})
	return nil
}

func marshalProviderConfigs(p *Provider) (attrJSON, roleJSON, samlJSON, oauthJSON, ldapJSON []byte, err error) {
	if len(p.AttributeMapping) > 0 {
		if attrJSON, err = json.Marshal(p.AttributeMapping); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal attribute mapping: %w", err)
		}
	}
	if len(p.RoleMapping) > 0 {
		if roleJSON, err = json.Marshal(p.RoleMapping); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal role mapping: %w", err)
		}
	}
	if p.SAMLConfig != nil {
		if samlJSON, err = json.Marshal(p.SAMLConfig); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if p.OAuthConfig != nil {
		if oauthJSON, err = json.Marshal(p.OAuthConfig); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal OAuth config: %w", err)
		}
	}
	if p.LDAPConfig != nil {
		if ldapJSON, err = json.Marshal(p.LDAPConfig); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal LDAP config: %w", err)
		}
	}
	return attrJSON, roleJSON, samlJSON, oauthJSON, ldapJSON, nil
}

func scanProvider(row interface{ Scan(...interface{}) error }) (*Provider, string, string, error) {
	p := &Provider{}
	var attrJSON, roleJSON, samlJSON, oauthJSON, ldapJSON []byte
	var oauthSecret, ldapPassword sql.NullString

	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Type, &p.IsActive, &p.IsDefault,
		&p.AutoProvision, &p.DefaultRole, &attrJSON, &roleJSON,
		&samlJSON, &oauthJSON, &ldapJSON,
		&oauthSecret, &ldapPassword, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, "", "", err
	}

	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &p.AttributeMapping); err != nil {
			return nil, "", "", fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
		}
	}
	if len(roleJSON) > 0 {
		if err := json.Unmarshal(roleJSON, &p.RoleMapping); err != nil {
			return nil, "", "", fmt.Errorf("failed to unmarshal role mapping: %w", err)
		}
	}
	if len(samlJSON) > 0 {
		p.SAMLConfig = &SAMLConfig{}
		if err := json.Unmarshal(samlJSON, p.SAMLConfig); err != nil {
			return nil, "", "", fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}
	if len(oauthJSON) > 0 {
		p.OAuthConfig = &OAuthConfig{}
		if err := json.Unmarshal(oauthJSON, p.OAuthConfig); err != nil {
			return nil, "", "", fmt.Errorf("failed to unmarshal OAuth config: %w", err)
		}
	}
	if len(ldapJSON) > 0 {
		p.LDAPConfig = &LDAPConfig{}
		if err := json.Unmarshal(ldapJSON, p.LDAPConfig); err != nil {
			return nil, "", "", fmt.Errorf("failed to unmarshal LDAP config: %w", err)
		}
	}

	return p, oauthSecret.String, ldapPassword.String, nil
}

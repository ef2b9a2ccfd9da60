package sso

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for testing

	"github.com/gatekey/gatekey/pkg/observability"
)

// NOTE: These tests use SQLite for convenience. The queries stick to
// portable SQL ($N placeholders, explicit UTC timestamps) so the same
// statements run against PostgreSQL in production and SQLite here.

// setupTestDB creates an in-memory SQLite database with the SSO schema.
func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_login_at TIMESTAMP,
			UNIQUE(tenant_id, email)
		);

		CREATE TABLE sso_providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			provider_type TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_default BOOLEAN NOT NULL DEFAULT 0,
			auto_provision BOOLEAN NOT NULL DEFAULT 0,
			default_role TEXT NOT NULL DEFAULT '',
			attribute_mapping TEXT,
			role_mapping TEXT,
			saml_config TEXT,
			oauth_config TEXT,
			ldap_config TEXT,
			oauth_client_secret TEXT NOT NULL DEFAULT '',
			ldap_bind_password TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(tenant_id, name)
		);

		CREATE TABLE sso_sessions (
			id TEXT PRIMARY KEY,
			provider_id INTEGER NOT NULL,
			tenant_id INTEGER NOT NULL,
			user_id INTEGER,
			subject_id TEXT,
			email TEXT,
			state TEXT NOT NULL,
			correlation_token TEXT NOT NULL DEFAULT '',
			token_hash TEXT,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			authenticated_at TIMESTAMP,
			last_activity_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			terminated_at TIMESTAMP,
			failure_reason TEXT,
			attributes TEXT
		);

		CREATE TABLE sso_user_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			subject_id TEXT NOT NULL,
			email TEXT,
			auto_provisioned BOOLEAN NOT NULL DEFAULT 0,
			first_login_at TIMESTAMP NOT NULL,
			last_login_at TIMESTAMP NOT NULL,
			login_count INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			UNIQUE(provider_id, subject_id)
		);

		CREATE TABLE sso_audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id INTEGER NOT NULL,
			provider_id INTEGER,
			session_id TEXT,
			user_id INTEGER,
			event_type TEXT NOT NULL,
			event_category TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			details TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)

	return db
}

// testLogger returns a logger that discards output.
func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// testCipherKey is a fixed 32-byte key for registry tests.
var testCipherKey = []byte("0123456789abcdef0123456789abcdef")

func newTestRegistry(t *testing.T, db *sql.DB) *Registry {
	cipher, err := NewAESCipher(testCipherKey)
	require.NoError(t, err)
	return NewRegistry(db, cipher, NewAuditor(db, testLogger()))
}

// samlTestProvider builds a minimal valid SAML provider.
func samlTestProvider(tenantID int64, name string) *Provider {
	return &Provider{
		TenantID: tenantID,
		Name:     name,
		Type:     ProviderTypeSAML,
		IsActive: true,
		SAMLConfig: &SAMLConfig{
			EntityID:    "https://idp.example.com/metadata",
			SSOURL:      "https://idp.example.com/sso",
			Certificate: testIdPCertificate,
		},
	}
}

// ldapTestProvider builds a minimal valid LDAP provider.
func ldapTestProvider(tenantID int64, name string) *Provider {
	return &Provider{
		TenantID: tenantID,
		Name:     name,
		Type:     ProviderTypeLDAP,
		IsActive: true,
		LDAPConfig: &LDAPConfig{
			URL:          "ldap://directory.example.com:389",
			BindDN:       "cn=service,dc=example,dc=com",
			BindPassword: "service-password",
			BaseDN:       "dc=example,dc=com",
		},
	}
}

// createTestProvider inserts a provider row directly, bypassing the
// registry, for tests that only need a provider id to hang sessions on.
func createTestProvider(t *testing.T, db *sql.DB, p *Provider) *Provider {
	reg := newTestRegistry(t, db)
	require.NoError(t, reg.CreateProvider(context.Background(), p))
	return p
}

// testIdPCertificate is a self-signed certificate used as IdP signing
// material in SAML configuration tests (testing only). The signature
// itself is never validated in unit tests.
const testIdPCertificate = `-----BEGIN CERTIFICATE-----
MIIDizCCAnOgAwIBAgIUSFZKuGtORn0Swgu5dIVJBF58qREwDQYJKoZIhvcNAQEL
BQAwVTELMAkGA1UEBhMCVVMxDTALBgNVBAgMBFRlc3QxDTALBgNVBAcMBFRlc3Qx
DTALBgNVBAoMBFRlc3QxGTAXBgNVBAMMEHRlc3QuZXhhbXBsZS5jb20wHhcNMjYw
MTI4MjIxNTA0WhcNMjcwMTI4MjIxNTA0WjBVMQswCQYDVQQGEwJVUzENMAsGA1UE
CAwEVGVzdDENMAsGA1UEBwwEVGVzdDENMAsGA1UECgwEVGVzdDEZMBcGA1UEAwwQ
dGVzdC5leGFtcGxlLmNvbTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEB
AKjnv/B2fPTslhsQHPFE/RF7ICfSq3BIVELtwfTe054cMtYpKsPGzNqFz8QJICd6
kxLnV8GQTYd3vrL0yHISEOz6Ay7vOGqe34WThS5jXjf3BhRChRoMXsgush7XkdzO
fnFzQ1dHxqxQjfJFg3hIDaAwQEGQPhuoA3YSEJG1ReeKdgGvXJJZ9Y2N//27Ayfz
K3GmuoucOpnD4Ec6hkAdbiWDHyyb3e+MF3OYaimCpRmVnYi9W2Qa/laiPFf1UuZy
ewdeChnOrLa7CiIq5Et4Q5twbohkMZL9fPr7uT/tivYjLgu6BBBh/4T/LbsWbNcF
JzAiXSljN+4FNFY4UjJOf0kCAwEAAaNTMFEwHQYDVR0OBBYEFDLaGgYYOUVWM0pM
SVORaP2OHeqTMB8GA1UdIwQYMBaAFDLaGgYYOUVWM0pMSVORaP2OHeqTMA8GA1Ud
EwEB/wQFMAMBAf8wDQYJKoZIhvcNAQELBQADggEBAEBkxZMiUIiZhEtpgAHSJRkh
WeItSXk3xN5Z1O14h+XiEQT9PGoq5uXHVe973kFij4d+O+MtqEiPzKBLg8nJnC2C
XxHRe1VCR+jyw/9MuCMC0BssR9IUHGGq29mpvm2+GYUSZzqDT0jL//z5pOMYHTKQ
5Kqo5s22TRrcuxc4EtjZZVO96SZXu7LlpOcuQ6B9j9LhX4snnIJO7QT2XpBL7BLR
3tHbxSZqROr3p80dzj8RptXCCz4Xq6ohgWSpVCL3zexKG3/BGgUY0Kqp1zrHNSZQ
PZhuWKT1ZonPT9jDjiiFGp5Be/xOxr6H8iHMlr+e8L4/jmgAsRkrly+De4x9xYc=
-----END CERTIFICATE-----`

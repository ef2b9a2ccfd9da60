package sso

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all SSO migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					username VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL,
					full_name VARCHAR(255),
					role VARCHAR(50) NOT NULL DEFAULT 'member',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMP,
					UNIQUE(tenant_id, email)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create sso_providers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_providers (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					provider_type VARCHAR(20) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					auto_provision BOOLEAN NOT NULL DEFAULT FALSE,
					default_role VARCHAR(50) NOT NULL DEFAULT 'member',
					attribute_mapping JSONB,
					role_mapping JSONB,
					saml_config JSONB,
					oauth_config JSONB,
					ldap_config JSONB,
					oauth_client_secret TEXT,
					ldap_bind_password TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, name)
				);

				CREATE INDEX idx_sso_providers_tenant_id ON sso_providers(tenant_id);
				CREATE INDEX idx_sso_providers_tenant_default ON sso_providers(tenant_id, is_default);
			`,
		},
		{
			Version:     3,
			Description: "Create sso_sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_sessions (
					id VARCHAR(64) PRIMARY KEY,
					provider_id BIGINT NOT NULL REFERENCES sso_providers(id),
					tenant_id BIGINT NOT NULL,
					user_id BIGINT REFERENCES users(id),
					subject_id VARCHAR(255),
					email VARCHAR(255),
					state VARCHAR(20) NOT NULL,
					correlation_token VARCHAR(128),
					token_hash VARCHAR(64),
					ip_address VARCHAR(64),
					user_agent TEXT,
					created_at TIMESTAMP NOT NULL,
					authenticated_at TIMESTAMP,
					last_activity_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					terminated_at TIMESTAMP,
					failure_reason TEXT,
					attributes JSONB
				);

				CREATE INDEX idx_sso_sessions_tenant_created ON sso_sessions(tenant_id, created_at);
				CREATE INDEX idx_sso_sessions_state_created ON sso_sessions(state, created_at);
				CREATE INDEX idx_sso_sessions_correlation ON sso_sessions(correlation_token);
				CREATE INDEX idx_sso_sessions_token_hash ON sso_sessions(token_hash);
			`,
		},
		{
			Version:     4,
			Description: "Create sso_user_mappings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_user_mappings (
					id BIGSERIAL PRIMARY KEY,
					provider_id BIGINT NOT NULL REFERENCES sso_providers(id),
					user_id BIGINT NOT NULL REFERENCES users(id),
					subject_id VARCHAR(255) NOT NULL,
					email VARCHAR(255),
					auto_provisioned BOOLEAN NOT NULL DEFAULT FALSE,
					first_login_at TIMESTAMP NOT NULL,
					last_login_at TIMESTAMP NOT NULL,
					login_count BIGINT NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					UNIQUE(provider_id, subject_id)
				);

				CREATE INDEX idx_sso_user_mappings_user_id ON sso_user_mappings(user_id);
			`,
		},
		{
			Version:     5,
			Description: "Create sso_audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_audit_logs (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					provider_id BIGINT,
					session_id VARCHAR(64),
					user_id BIGINT,
					event_type VARCHAR(100) NOT NULL,
					event_category VARCHAR(50) NOT NULL,
					subject_id VARCHAR(255),
					ip_address VARCHAR(64),
					details JSONB,
					error_message TEXT,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_sso_audit_tenant_created ON sso_audit_logs(tenant_id, created_at);
				CREATE INDEX idx_sso_audit_session ON sso_audit_logs(session_id);
				CREATE INDEX idx_sso_audit_event_type ON sso_audit_logs(event_type);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sso_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM sso_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sso_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

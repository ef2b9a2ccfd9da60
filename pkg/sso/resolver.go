package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gatekey/gatekey/pkg/auth"
)

// Resolver turns an authenticated external identity into a local user.
// Resolution tries, in order: an existing provider mapping, linking by
// verified email, and JIT provisioning when the provider allows it.
type Resolver struct {
	db    *sql.DB
	users *auth.UserStore
}

// NewResolver creates a new identity resolver
func NewResolver(db *sql.DB, users *auth.UserStore) *Resolver {
	return &Resolver{db: db, users: users}
}

// Resolution is the outcome of resolving an identity.
type Resolution struct {
	User        *auth.User
	Mapping     *UserMapping
	Provisioned bool // true when this login created the user
}

// Resolve maps an identity to a local user, creating the mapping (and,
// when the provider auto-provisions, the user) as needed. Concurrent first
// logins of the same subject race on the mapping's unique constraint; the
// loser re-reads the winner's row, so both logins resolve to one user.
func (r *Resolver) Resolve(ctx context.Context, provider *Provider, identity *Identity) (*Resolution, error) {
	mapping, err := r.getMapping(ctx, provider.ID, identity.SubjectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user mapping: %w", err)
	}
	if mapping != nil {
		return r.resolveExisting(ctx, mapping, identity)
	}

	// No mapping yet. Link to an existing account by email before
	// considering provisioning.
	if identity.Email != "" {
		user, err := r.users.GetUserByEmail(ctx, provider.TenantID, identity.Email)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up user by email: %w", err)
		}
		if user != nil {
			mapping, err := r.createMapping(ctx, provider.ID, user.ID, identity, false)
			if err != nil {
				return nil, err
			}
			if err := r.users.TouchLogin(ctx, user.ID); err != nil {
				return nil, fmt.Errorf("failed to record login: %w", err)
			}
			return &Resolution{User: user, Mapping: mapping}, nil
		}
	}

	if !provider.AutoProvision {
		return nil, ErrResolution("no local user matches this identity and auto-provisioning is disabled")
	}
	if identity.Email == "" {
		// Without an email the account cannot be linked or deduplicated.
		return nil, ErrResolution("identity carries no email address to provision from")
	}
	return r.provision(ctx, provider, identity)
}

func (r *Resolver) resolveExisting(ctx context.Context, mapping *UserMapping, identity *Identity) (*Resolution, error) {
	if !mapping.IsActive {
		return nil, ErrResolution("user mapping has been deactivated")
	}
	user, err := r.users.GetUser(ctx, mapping.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResolution("mapped user no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapped user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrResolution("user account is deactivated")
	}
	if err := r.touchMapping(ctx, mapping.ID, identity.Email); err != nil {
		return nil, err
	}
	if err := r.users.TouchLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}
	return &Resolution{User: user, Mapping: mapping}, nil
}

// provision creates a user and mapping for a first-time subject. The role
// comes from the provider's role mapping over the identity's groups.
func (r *Resolver) provision(ctx context.Context, provider *Provider, identity *Identity) (*Resolution, error) {
	role := resolveRole(provider, identity.Groups)
	user, err := r.users.CreateUser(ctx, provider.TenantID, "", identity.Email, identity.Name, role)
	if err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}

	mapping, err := r.createMapping(ctx, provider.ID, user.ID, identity, true)
	if err != nil {
		return nil, err
	}
	return &Resolution{User: user, Mapping: mapping, Provisioned: true}, nil
}

const mappingColumns = `id, provider_id, user_id, subject_id, email, auto_provisioned,
	first_login_at, last_login_at, login_count, is_active`

func (r *Resolver) getMapping(ctx context.Context, providerID int64, subjectID string) (*UserMapping, error) {
	mapping := &UserMapping{}
	var email sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM sso_user_mappings
		WHERE provider_id = $1 AND subject_id = $2
	`, providerID, subjectID).Scan(&mapping.ID, &mapping.ProviderID, &mapping.UserID,
		&mapping.SubjectID, &email, &mapping.AutoProvisioned,
		&mapping.FirstLoginAt, &mapping.LastLoginAt, &mapping.LoginCount, &mapping.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	mapping.Email = email.String
	return mapping, nil
}

func (r *Resolver) createMapping(ctx context.Context, providerID, userID int64, identity *Identity, autoProvisioned bool) (*UserMapping, error) {
	now := time.Now().UTC()
	mapping := &UserMapping{
		ProviderID:      providerID,
		UserID:          userID,
		SubjectID:       identity.SubjectID,
		Email:           identity.Email,
		AutoProvisioned: autoProvisioned,
		FirstLoginAt:    now,
		LastLoginAt:     now,
		LoginCount:      1,
		IsActive:        true,
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sso_user_mappings (
			provider_id, user_id, subject_id, email, auto_provisioned,
			first_login_at, last_login_at, login_count, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $6, 1, true)
		RETURNING id
	`, providerID, userID, identity.SubjectID, identity.Email, autoProvisioned, now).Scan(&mapping.ID)

	if isUniqueViolation(err) {
		// A concurrent login for the same subject won the insert. Use its
		// mapping so both logins land on the same user.
		existing, readErr := r.getMapping(ctx, providerID, identity.SubjectID)
		if readErr != nil {
			return nil, fmt.Errorf("failed to re-read mapping after conflict: %w", readErr)
		}
		if err := r.touchMapping(ctx, existing.ID, identity.Email); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user mapping: %w", err)
	}
	return mapping, nil
}

func (r *Resolver) touchMapping(ctx context.Context, mappingID int64, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sso_user_mappings
		SET last_login_at = $1, login_count = login_count + 1,
		    email = CASE WHEN $2 <> '' THEN $2 ELSE email END
		WHERE id = $3
	`, time.Now().UTC(), email, mappingID)
	if err != nil {
		return fmt.Errorf("failed to update user mapping: %w", err)
	}
	return nil
}

// resolveRole picks the local role for a set of IdP groups: the highest
// privileged mapped role wins, otherwise the provider's default role.
func resolveRole(provider *Provider, groups []string) string {
	best := ""
	for _, group := range groups {
		role, ok := provider.RoleMapping[group]
		if !ok || role == "" {
			continue
		}
		if rolePriority(role) > rolePriority(best) {
			best = role
		}
	}
	if best != "" {
		return best
	}
	if provider.DefaultRole != "" {
		return provider.DefaultRole
	}
	return string(auth.RoleMember)
}

func rolePriority(role string) int {
	switch role {
	case string(auth.RoleAdmin):
		return 3
	case string(auth.RoleMember):
		return 2
	case string(auth.RoleViewer):
		return 1
	default:
		return 0
	}
}

// isUniqueViolation reports whether err is a unique constraint violation,
// covering both postgres and the sqlite driver used in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

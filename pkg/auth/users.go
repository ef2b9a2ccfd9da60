package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UserStore provides the user lookup and creation operations the SSO
// identity resolver depends on.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, tenant_id, username, email, full_name, role, is_active, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.TenantID, &user.Username, &user.Email,
		&user.FullName, &user.Role, &user.IsActive,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser retrieves a user by ID. Returns sql.ErrNoRows when absent.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves an active user by email within a tenant.
// Returns sql.ErrNoRows when absent.
func (s *UserStore) GetUserByEmail(ctx context.Context, tenantID int64, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE tenant_id = $1 AND lower(email) = lower($2) AND is_active = true
	`, tenantID, email)
	return scanUser(row)
}

// CreateUser inserts a new active user and returns it.
func (s *UserStore) CreateUser(ctx context.Context, tenantID int64, username, email, fullName, role string) (*User, error) {
	if username == "" {
		username = usernameFromEmail(email)
	}
	now := time.Now().UTC()
	user := &User{
		TenantID:  tenantID,
		Username:  username,
		Email:     email,
		FullName:  fullName,
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (tenant_id, username, email, full_name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7)
		RETURNING id
	`, tenantID, username, email, fullName, role, now, now).Scan(&user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// TouchLogin updates the user's last login timestamp.
func (s *UserStore) TouchLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $1, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	return err
}

// usernameFromEmail derives a username from the local part of an email
// address.
func usernameFromEmail(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}

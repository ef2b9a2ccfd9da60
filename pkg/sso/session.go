package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStore owns session records and their state transitions.
//
// States move initiated -> authenticated | failed, and authenticated ->
// terminated. Expiry of authenticated sessions is observed lazily at read
// time and never written back. All transitions out of initiated are guarded
// by conditional updates so a replayed completion can never move a session
// twice.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession inserts a new session in the initiated state.
func (s *SessionStore) CreateSession(ctx context.Context, provider *Provider, correlationToken string, reqCtx RequestContext) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:               uuid.NewString(),
		ProviderID:       provider.ID,
		TenantID:         provider.TenantID,
		State:            SessionInitiated,
		CorrelationToken: correlationToken,
		IPAddress:        reqCtx.IPAddress,
		UserAgent:        reqCtx.UserAgent,
		CreatedAt:        now,
		LastActivityAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (
			id, provider_id, tenant_id, state, correlation_token,
			ip_address, user_agent, created_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.ID, session.ProviderID, session.TenantID, session.State,
		session.CorrelationToken, session.IPAddress, session.UserAgent,
		session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, provider_id, tenant_id, user_id, subject_id, email, state,
	correlation_token, token_hash, ip_address, user_agent, created_at, authenticated_at,
	last_activity_at, expires_at, terminated_at, failure_reason, attributes`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	session := &Session{}
	var subjectID, email, tokenHash, failureReason sql.NullString
	var attrJSON []byte
	err := row.Scan(&session.ID, &session.ProviderID, &session.TenantID,
		&session.UserID, &subjectID, &email, &session.State,
		&session.CorrelationToken, &tokenHash, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.AuthenticatedAt, &session.LastActivityAt,
		&session.ExpiresAt, &session.TerminatedAt, &failureReason, &attrJSON)
	if err != nil {
		return nil, err
	}
	session.SubjectID = subjectID.String
	session.Email = email.String
	session.TokenHash = tokenHash.String
	session.FailureReason = failureReason.String
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &session.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session attributes: %w", err)
		}
	}
	return session, nil
}

// GetSession retrieves a session regardless of state.
// Returns ErrNotFound when absent.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sso_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// GetActiveSession returns a session only while it is authenticated and
// unexpired. Expiry is observed here, not written back: a session past its
// expires_at is reported as ErrNotFound while its stored state stays
// authenticated.
func (s *SessionStore) GetActiveSession(ctx context.Context, id string) (*Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Active(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return session, nil
}

// MarkAuthenticated transitions a session from initiated to authenticated,
// recording the resolved identity, the issued token hash and the expiry
// deadline. Returns ErrSessionNotActive when the session already left the
// initiated state; callers treat that as a concurrent completion and
// re-read.
func (s *SessionStore) MarkAuthenticated(ctx context.Context, id string, userID int64, identity *Identity, tokenHash string, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	var attrJSON []byte
	if len(identity.Attributes) > 0 {
		var err error
		attrJSON, err = json.Marshal(identity.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal identity attributes: %w", err)
		}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_sessions SET
			state = $1, user_id = $2, subject_id = $3, email = $4,
			authenticated_at = $5, expires_at = $6, last_activity_at = $5,
			token_hash = $7, attributes = $8
		WHERE id = $9 AND state = $10
	`, SessionAuthenticated, userID, identity.SubjectID, identity.Email,
		now, expiresAt, tokenHash, attrJSON, id, SessionInitiated)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrSessionNotActive
	}
	return s.GetSession(ctx, id)
}

// GetInitiatedByToken locates the initiated session bound to a
// correlation token, for callbacks that arrive without a session
// reference of their own.
func (s *SessionStore) GetInitiatedByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sso_sessions
		WHERE correlation_token = $1 AND state = $2
	`, token, SessionInitiated)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session by token: %w", err)
	}
	return session, nil
}

// GetActiveByTokenHash resolves a bearer token hash to its active session.
func (s *SessionStore) GetActiveByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sso_sessions
		WHERE token_hash = $1 AND state = $2
	`, tokenHash, SessionAuthenticated)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session by token hash: %w", err)
	}
	if !session.Active(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return session, nil
}

// MarkFailed transitions a session from initiated to failed with the given
// failure reason. A session that already left initiated is left untouched.
func (s *SessionStore) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_sessions SET state = $1, failure_reason = $2, last_activity_at = $3
		WHERE id = $4 AND state = $5
	`, SessionFailed, reason, now, id, SessionInitiated)
	if err != nil {
		return fmt.Errorf("failed to fail session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrSessionNotActive
	}
	return nil
}

// Terminate moves an authenticated session to terminated. Returns false
// when the session was not authenticated (already terminated, failed, or
// unknown); termination is not retried and the original audit record
// stands.
func (s *SessionStore) Terminate(ctx context.Context, id, reason string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_sessions SET
			state = $1, terminated_at = $2, last_activity_at = $2, failure_reason = $3
		WHERE id = $4 AND state = $5
	`, SessionTerminated, now, reason, id, SessionAuthenticated)
	if err != nil {
		return false, fmt.Errorf("failed to terminate session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// FailAbandoned fails initiated sessions whose handshake never completed
// within the handshake TTL. Returns the number of sessions swept.
func (s *SessionStore) FailAbandoned(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_sessions SET state = $1, failure_reason = $2, last_activity_at = $3
		WHERE state = $4 AND created_at < $5
	`, SessionFailed, "handshake_timeout", time.Now().UTC(), SessionInitiated, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned sessions: %w", err)
	}
	return result.RowsAffected()
}

// ListSessions returns a tenant's sessions, newest first, for admin
// inspection. Sessions are retained after termination for audit purposes.
func (s *SessionStore) ListSessions(ctx context.Context, tenantID int64, limit int) ([]*Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sso_sessions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

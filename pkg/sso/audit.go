package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatekey/gatekey/pkg/observability"
)

// EventCategory groups audit events
type EventCategory string

const (
	CategoryAuthentication EventCategory = "authentication"
	CategoryConfiguration  EventCategory = "configuration"
)

// EventType identifies an audit event
type EventType string

const (
	EventLoginInitiated    EventType = "sso.login_initiated"
	EventLoginSucceeded    EventType = "sso.login_succeeded"
	EventLoginFailed       EventType = "sso.login_failed"
	EventSessionTerminated EventType = "sso.session_terminated"
	EventUserProvisioned   EventType = "sso.user_provisioned"
	EventProviderCreated   EventType = "sso.provider_created"
	EventProviderUpdated   EventType = "sso.provider_updated"
	EventProviderDisabled  EventType = "sso.provider_disabled"
)

// AuditEntry is one append-only audit record. Entries are never mutated or
// deleted.
type AuditEntry struct {
	ID            int64             `json:"id"`
	TenantID      int64             `json:"tenant_id"`
	ProviderID    *int64            `json:"provider_id,omitempty"`
	SessionID     *string           `json:"session_id,omitempty"`
	UserID        *int64            `json:"user_id,omitempty"`
	EventType     EventType         `json:"event_type"`
	EventCategory EventCategory     `json:"event_category"`
	SubjectID     string            `json:"subject_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// AuditFilter narrows audit log listings.
type AuditFilter struct {
	Category  EventCategory
	EventType EventType
	SessionID string
	Limit     int
	Offset    int
}

// AuditStatistics aggregates counters over a tenant's audit trail.
type AuditStatistics struct {
	TotalEvents      int64               `json:"total_events"`
	EventsByType     map[EventType]int64 `json:"events_by_type"`
	LoginSuccesses   int64               `json:"login_successes"`
	LoginFailures    int64               `json:"login_failures"`
	UsersProvisioned int64               `json:"users_provisioned"`
}

// Auditor writes and reads the audit trail. Record never surfaces
// persistence failures to the caller: an authentication flow must not abort
// because the audit write failed. Such failures are logged as operational
// errors instead.
type Auditor struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewAuditor creates a new auditor
func NewAuditor(db *sql.DB, logger *observability.Logger) *Auditor {
	return &Auditor{db: db, logger: logger}
}

// Record appends an audit entry.
func (a *Auditor) Record(ctx context.Context, entry *AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailsJSON []byte
	if len(entry.Details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			a.logger.WithError(err).Error("failed to marshal audit details")
			detailsJSON = nil
		}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sso_audit_logs (
			tenant_id, provider_id, session_id, user_id,
			event_type, event_category, subject_id, ip_address,
			details, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.TenantID, entry.ProviderID, entry.SessionID, entry.UserID,
		entry.EventType, entry.EventCategory, entry.SubjectID, entry.IPAddress,
		detailsJSON, entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		a.logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": entry.EventType,
			"tenant_id":  entry.TenantID,
		}).Error("failed to persist audit entry")
	}
}

const auditColumns = `id, tenant_id, provider_id, session_id, user_id,
	event_type, event_category, subject_id, ip_address, details, error_message, created_at`

func scanAuditEntry(row interface{ Scan(...interface{}) error }) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var detailsJSON []byte
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.ProviderID, &entry.SessionID,
		&entry.UserID, &entry.EventType, &entry.EventCategory, &entry.SubjectID,
		&entry.IPAddress, &detailsJSON, &entry.ErrorMessage, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
	}
	return entry, nil
}

// List returns a tenant's audit entries, newest first.
func (a *Auditor) List(ctx context.Context, tenantID int64, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM sso_audit_logs WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND event_category = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Statistics aggregates event counters for a tenant.
func (a *Auditor) Statistics(ctx context.Context, tenantID int64) (*AuditStatistics, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM sso_audit_logs
		WHERE tenant_id = $1
		GROUP BY event_type
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit statistics: %w", err)
	}
	defer rows.Close()

	stats := &AuditStatistics{EventsByType: make(map[EventType]int64)}
	for rows.Next() {
		var eventType EventType
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.EventsByType[eventType] = count
		stats.TotalEvents += count
		switch eventType {
		case EventLoginSucceeded:
			stats.LoginSuccesses = count
		case EventLoginFailed:
			stats.LoginFailures = count
		case EventUserProvisioned:
			stats.UsersProvisioned = count
		}
	}
	return stats, rows.Err()
}

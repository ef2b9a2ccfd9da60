package sso

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordTestEvent(t *testing.T, a *Auditor, tenantID int64, eventType EventType, sessionID string) {
	t.Helper()
	entry := &AuditEntry{
		TenantID:      tenantID,
		EventType:     eventType,
		EventCategory: CategoryAuthentication,
	}
	if sessionID != "" {
		entry.SessionID = &sessionID
	}
	a.Record(context.Background(), entry)
}

func TestAuditor_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())
	ctx := context.Background()

	providerID := int64(3)
	userID := int64(9)
	sessionID := "sess-1"
	auditor.Record(ctx, &AuditEntry{
		TenantID:      1,
		ProviderID:    &providerID,
		SessionID:     &sessionID,
		UserID:        &userID,
		EventType:     EventLoginSucceeded,
		EventCategory: CategoryAuthentication,
		SubjectID:     "subj-1",
		IPAddress:     "203.0.113.9",
		Details:       map[string]string{"provider_type": "saml"},
	})

	entries, err := auditor.List(ctx, 1, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, EventLoginSucceeded, entry.EventType)
	assert.Equal(t, CategoryAuthentication, entry.EventCategory)
	assert.Equal(t, "subj-1", entry.SubjectID)
	assert.Equal(t, "203.0.113.9", entry.IPAddress)
	assert.Equal(t, "saml", entry.Details["provider_type"])
	require.NotNil(t, entry.ProviderID)
	assert.Equal(t, providerID, *entry.ProviderID)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, userID, *entry.UserID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestAuditor_ListFilters(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())
	ctx := context.Background()

	recordTestEvent(t, auditor, 1, EventLoginInitiated, "sess-a")
	recordTestEvent(t, auditor, 1, EventLoginSucceeded, "sess-a")
	recordTestEvent(t, auditor, 1, EventLoginFailed, "sess-b")
	recordTestEvent(t, auditor, 2, EventLoginFailed, "sess-c")
	auditor.Record(ctx, &AuditEntry{
		TenantID:      1,
		EventType:     EventProviderCreated,
		EventCategory: CategoryConfiguration,
	})

	// Tenant isolation.
	entries, err := auditor.List(ctx, 1, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	// By event type.
	entries, err = auditor.List(ctx, 1, AuditFilter{EventType: EventLoginFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-b", *entries[0].SessionID)

	// By category.
	entries, err = auditor.List(ctx, 1, AuditFilter{Category: CategoryConfiguration})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventProviderCreated, entries[0].EventType)

	// By session.
	entries, err = auditor.List(ctx, 1, AuditFilter{SessionID: "sess-a"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Limit and offset page through newest-first.
	entries, err = auditor.List(ctx, 1, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	entries, err = auditor.List(ctx, 1, AuditFilter{Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditor_ListOrdering(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, et := range []EventType{EventLoginInitiated, EventLoginSucceeded, EventSessionTerminated} {
		auditor.Record(ctx, &AuditEntry{
			TenantID:      1,
			EventType:     et,
			EventCategory: CategoryAuthentication,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}

	entries, err := auditor.List(ctx, 1, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EventSessionTerminated, entries[0].EventType)
	assert.Equal(t, EventLoginInitiated, entries[2].EventType)
}

func TestAuditor_RecordNeverFailsCaller(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())

	// Closing the database makes the insert fail; Record must swallow it.
	require.NoError(t, db.Close())
	auditor.Record(context.Background(), &AuditEntry{
		TenantID:      1,
		EventType:     EventLoginFailed,
		EventCategory: CategoryAuthentication,
	})
}

func TestAuditor_Statistics(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		recordTestEvent(t, auditor, 1, EventLoginSucceeded, "")
	}
	recordTestEvent(t, auditor, 1, EventLoginFailed, "")
	recordTestEvent(t, auditor, 1, EventUserProvisioned, "")
	recordTestEvent(t, auditor, 2, EventLoginSucceeded, "")

	stats, err := auditor.Statistics(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.LoginSuccesses)
	assert.Equal(t, int64(1), stats.LoginFailures)
	assert.Equal(t, int64(1), stats.UsersProvisioned)
	assert.Equal(t, int64(3), stats.EventsByType[EventLoginSucceeded])
}

func TestAuditor_Statistics_Empty(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, testLogger())

	stats, err := auditor.Statistics(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEvents)
	assert.Empty(t, stats.EventsByType)
}

package sso

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekey/gatekey/pkg/auth"
)

func TestResolver_ExistingMapping(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	user, err := users.CreateUser(ctx, 1, "alice", "alice@example.com", "Alice", "member")
	require.NoError(t, err)

	// First resolve links by email and creates the mapping.
	res, err := resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-alice", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
	assert.False(t, res.Provisioned)
	assert.False(t, res.Mapping.AutoProvisioned)
	assert.Equal(t, int64(1), res.Mapping.LoginCount)

	// Second resolve hits the mapping and bumps the login counter.
	res, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-alice", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	mapping, err := resolver.getMapping(ctx, provider.ID, "subj-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), mapping.LoginCount)
}

func TestResolver_EmailLinkIsCaseInsensitive(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	user, err := users.CreateUser(ctx, 1, "bob", "Bob@Example.com", "Bob", "member")
	require.NoError(t, err)

	res, err := resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-bob", Email: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)
}

func TestResolver_ProvisioningDisabled(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, provider, &Identity{SubjectID: "nobody", Email: "nobody@example.com"})
	require.Error(t, err)
	ae := AsAuthError(err)
	assert.Equal(t, KindResolution, ae.Kind)

	// No user was created as a side effect.
	_, err = users.GetUserByEmail(ctx, 1, "nobody@example.com")
	assert.Error(t, err)
}

func TestResolver_Provisioning(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)

	p := samlTestProvider(1, "acme-saml")
	p.AutoProvision = true
	p.DefaultRole = "viewer"
	p.RoleMapping = map[string]string{
		"Engineering": "member",
		"Platform":    "admin",
	}
	provider := createTestProvider(t, db, p)
	ctx := context.Background()

	res, err := resolver.Resolve(ctx, provider, &Identity{
		SubjectID: "subj-carol",
		Email:     "carol@example.com",
		Name:      "Carol",
		Groups:    []string{"Engineering", "Design"},
	})
	require.NoError(t, err)
	assert.True(t, res.Provisioned)
	assert.True(t, res.Mapping.AutoProvisioned)
	assert.Equal(t, "member", res.User.Role)
	assert.Equal(t, "carol", res.User.Username)
	assert.Equal(t, "Carol", res.User.FullName)
	assert.True(t, res.User.IsActive)

	// The same subject resolves to the same user afterwards.
	again, err := resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-carol", Email: "carol@example.com"})
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, again.User.ID)
	assert.False(t, again.Provisioned)
}

func TestResolver_ProvisioningRequiresEmail(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)

	p := samlTestProvider(1, "acme-saml")
	p.AutoProvision = true
	provider := createTestProvider(t, db, p)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-henry"})
	require.Error(t, err)
	assert.Equal(t, KindResolution, AsAuthError(err).Kind)

	// A second email-less subject fails the same way instead of colliding
	// with a previously provisioned empty-email account.
	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-iris"})
	require.Error(t, err)
	assert.Equal(t, KindResolution, AsAuthError(err).Kind)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Zero(t, count)
}

func TestResolver_RoleMapping(t *testing.T) {
	p := samlTestProvider(1, "acme-saml")
	p.DefaultRole = "viewer"
	p.RoleMapping = map[string]string{
		"eng":    "member",
		"admins": "admin",
		"sec":    "viewer",
	}

	tests := []struct {
		name   string
		groups []string
		want   string
	}{
		{"highest privilege wins", []string{"sec", "admins", "eng"}, "admin"},
		{"single mapped group", []string{"eng"}, "member"},
		{"unmapped groups fall back to default", []string{"marketing"}, "viewer"},
		{"no groups fall back to default", nil, "viewer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveRole(p, tt.groups))
		})
	}
}

func TestResolver_RoleFallbackWithoutDefault(t *testing.T) {
	p := samlTestProvider(1, "acme-saml")
	assert.Equal(t, "member", resolveRole(p, nil))
}

func TestResolver_DeactivatedMapping(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	_, err := users.CreateUser(ctx, 1, "dave", "dave@example.com", "Dave", "member")
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-dave", Email: "dave@example.com"})
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE sso_user_mappings SET is_active = 0 WHERE subject_id = 'subj-dave'`)
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-dave", Email: "dave@example.com"})
	require.Error(t, err)
	assert.Equal(t, KindResolution, AsAuthError(err).Kind)
}

func TestResolver_DeactivatedUser(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	user, err := users.CreateUser(ctx, 1, "erin", "erin@example.com", "Erin", "member")
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-erin", Email: "erin@example.com"})
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE users SET is_active = 0 WHERE id = $1`, user.ID)
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-erin", Email: "erin@example.com"})
	require.Error(t, err)
	assert.Equal(t, KindResolution, AsAuthError(err).Kind)
}

func TestResolver_MappedUserDeleted(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	user, err := users.CreateUser(ctx, 1, "gail", "gail@example.com", "Gail", "member")
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-gail", Email: "gail@example.com"})
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM users WHERE id = $1`, user.ID)
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, provider, &Identity{SubjectID: "subj-gail", Email: "gail@example.com"})
	require.Error(t, err)
	assert.Equal(t, KindResolution, AsAuthError(err).Kind)
}

func TestResolver_ConcurrentMappingInsert(t *testing.T) {
	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	resolver := NewResolver(db, users)
	provider := createTestProvider(t, db, samlTestProvider(1, "acme-saml"))
	ctx := context.Background()

	user, err := users.CreateUser(ctx, 1, "frank", "frank@example.com", "Frank", "member")
	require.NoError(t, err)

	// Simulate losing the insert race: the mapping already exists when
	// createMapping runs.
	now := time.Now().UTC()
	_, err = db.Exec(`
		INSERT INTO sso_user_mappings (provider_id, user_id, subject_id, email, auto_provisioned,
			first_login_at, last_login_at, login_count, is_active)
		VALUES ($1, $2, 'subj-frank', 'frank@example.com', 0, $3, $3, 1, 1)
	`, provider.ID, user.ID, now)
	require.NoError(t, err)

	mapping, err := resolver.createMapping(ctx, provider.ID, user.ID, &Identity{SubjectID: "subj-frank", Email: "frank@example.com"}, false)
	require.NoError(t, err)
	assert.Equal(t, user.ID, mapping.UserID)

	// The conflict path re-reads the winner's row and touches it.
	current, err := resolver.getMapping(ctx, provider.ID, "subj-frank")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.LoginCount)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(context.Canceled))

	db := setupTestDB(t)
	users := auth.NewUserStore(db)
	ctx := context.Background()
	_, err := users.CreateUser(ctx, 1, "gwen", "gwen@example.com", "Gwen", "member")
	require.NoError(t, err)
	_, err = users.CreateUser(ctx, 1, "gwen2", "gwen@example.com", "Gwen", "member")
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/catalog"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

var (
	admin = domain.UserContext{UserID: "root", IsSysAdmin: true}
	alice = domain.UserContext{UserID: "alice", TeamIDs: []string{"team-a"}}
	bob   = domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}
)

func setupCatalog(t *testing.T, governance bool) (catalog.Catalog, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	return catalog.Catalog{Store: r, Access: access.Filter{Store: r}, GovernanceEnabled: governance}, r
}

func TestCreateAndVisibility(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCatalog(t, true)

	_, err := c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a", Environments: []string{"dev", "prod", "dev"}})
	require.NoError(t, err)
	_, err = c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing"})
	require.ErrorIs(t, err, apperr.ErrConflict)
	_, err = c.CreateService(ctx, bob, catalog.CreateServiceInput{ID: "steal", OwnerTeamID: "team-a"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = c.CreateService(ctx, admin, catalog.CreateServiceInput{ID: "orphan"})
	require.NoError(t, err)
	_, err = c.CreateService(ctx, admin, catalog.CreateServiceInput{ID: "bad/id"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	svc, err := c.GetService(ctx, alice, "billing")
	require.NoError(t, err)
	require.Equal(t, []string{"dev", "prod"}, svc.Environments)

	_, err = c.GetService(ctx, bob, "billing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := c.ListServices(ctx, bob, catalog.ListFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "orphan", list[0].ID)

	_, err = c.GrantShare(ctx, alice, "billing", catalog.ShareInput{GrantToType: domain.GrantTeam, GrantToID: "team-b", Permissions: []domain.Permission{domain.PermRead}})
	require.NoError(t, err)
	list, err = c.ListServices(ctx, bob, catalog.ListFilters{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	_, err = c.GetService(ctx, bob, "billing")
	require.NoError(t, err)
}

func TestOwnershipGovernance(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCatalog(t, true)
	_, err := c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a"})
	require.NoError(t, err)

	teamB := "team-b"
	_, err = c.UpdateService(ctx, admin, "billing", catalog.UpdateServiceInput{OwnerTeamID: &teamB})
	require.ErrorIs(t, err, apperr.ErrValidation)

	name := "Billing"
	svc, err := c.UpdateService(ctx, alice, "billing", catalog.UpdateServiceInput{DisplayName: &name})
	require.NoError(t, err)
	require.Equal(t, "Billing", svc.DisplayName)
	require.Equal(t, int64(2), svc.Version)

	_, err = c.UpdateService(ctx, alice, "billing", catalog.UpdateServiceInput{DisplayName: &name, ExpectedVersion: 1})
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = c.UpdateService(ctx, bob, "billing", catalog.UpdateServiceInput{DisplayName: &name})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDirectOwnerChangeWithoutGovernance(t *testing.T) {
	ctx := context.Background()
	c, r := setupCatalog(t, false)
	_, err := c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a"})
	require.NoError(t, err)

	teamB := "team-b"
	_, err = c.UpdateService(ctx, alice, "billing", catalog.UpdateServiceInput{OwnerTeamID: &teamB})
	require.ErrorIs(t, err, apperr.ErrAccessDenied)
	svc, err := c.UpdateService(ctx, admin, "billing", catalog.UpdateServiceInput{OwnerTeamID: &teamB})
	require.NoError(t, err)
	require.True(t, svc.OwnedBy("team-b"))

	stored, err := r.GetService(ctx, "billing")
	require.NoError(t, err)
	require.True(t, stored.OwnedBy("team-b"))
}

func TestDeleteIsAdminOnly(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCatalog(t, true)
	_, err := c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a"})
	require.NoError(t, err)

	require.ErrorIs(t, c.DeleteService(ctx, alice, "billing"), apperr.ErrAccessDenied)
	require.NoError(t, c.DeleteService(ctx, admin, "billing"))
	require.ErrorIs(t, c.DeleteService(ctx, admin, "billing"), apperr.ErrNotFound)
}

func TestSharesAndAgentKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCatalog(t, true)
	_, err := c.CreateService(ctx, alice, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a", Environments: []string{"dev"}})
	require.NoError(t, err)

	_, err = c.GrantShare(ctx, alice, "billing", catalog.ShareInput{GrantToType: domain.GrantUser, GrantToID: "bob", Permissions: []domain.Permission{"NOPE"}})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = c.GrantShare(ctx, alice, "billing", catalog.ShareInput{GrantToType: domain.GrantUser, GrantToID: "bob", Permissions: []domain.Permission{domain.PermRead}, Environments: []string{"prod"}})
	require.ErrorIs(t, err, apperr.ErrValidation)
	past := time.Now().Add(-time.Hour)
	_, err = c.GrantShare(ctx, alice, "billing", catalog.ShareInput{GrantToType: domain.GrantUser, GrantToID: "bob", Permissions: []domain.Permission{domain.PermRead}, ExpiresAt: &past})
	require.ErrorIs(t, err, apperr.ErrValidation)

	sh, err := c.GrantShare(ctx, alice, "billing", catalog.ShareInput{GrantToType: domain.GrantUser, GrantToID: "bob", Permissions: []domain.Permission{domain.PermRead}})
	require.NoError(t, err)

	_, err = c.GrantShare(ctx, bob, "billing", catalog.ShareInput{GrantToType: domain.GrantUser, GrantToID: "eve", Permissions: []domain.Permission{domain.PermRead}})
	require.ErrorIs(t, err, apperr.ErrAccessDenied)

	shares, err := c.ListShares(ctx, alice, "billing")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.NoError(t, c.RevokeShare(ctx, alice, "billing", sh.ID))
	require.ErrorIs(t, c.RevokeShare(ctx, alice, "billing", sh.ID), apperr.ErrNotFound)

	plain, key, err := c.IssueAgentKey(ctx, alice, "billing", "ci")
	require.NoError(t, err)
	resolved, err := c.ResolveAgentKey(ctx, plain)
	require.NoError(t, err)
	require.Equal(t, key.ID, resolved.ID)
	require.Equal(t, "billing", resolved.ServiceID)
	_, err = c.ResolveAgentKey(ctx, "dla_wrong")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, c.RevokeAgentKey(ctx, alice, "billing", key.ID))
}

package access_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/repo"
)

type fakeStore struct {
	services map[string]domain.ApplicationService
	shares   []domain.ServiceShare
}

func (s fakeStore) GetService(_ context.Context, id string) (domain.ApplicationService, error) {
	svc, ok := s.services[id]
	if !ok {
		return svc, repo.ErrNotFound
	}
	return svc, nil
}

func (s fakeStore) ListShares(_ context.Context, serviceID string) ([]domain.ServiceShare, error) {
	var out []domain.ServiceShare
	for _, sh := range s.shares {
		if sh.ServiceID == serviceID {
			out = append(out, sh)
		}
	}
	return out, nil
}

func owned(id, team string) domain.ApplicationService {
	return domain.ApplicationService{ID: id, OwnerTeamID: &team}
}

func TestAuthorizeOwnerAndAdmin(t *testing.T) {
	f := access.Filter{Store: fakeStore{services: map[string]domain.ApplicationService{"svc": owned("svc", "team-a")}}}
	ctx := context.Background()

	_, err := f.Authorize(ctx, domain.UserContext{UserID: "a", TeamIDs: []string{"team-a"}}, access.Resource{ServiceID: "svc"}, domain.PermKVWrite)
	require.NoError(t, err)
	_, err = f.Authorize(ctx, domain.UserContext{UserID: "root", IsSysAdmin: true}, access.Resource{ServiceID: "svc"}, domain.PermKVWrite)
	require.NoError(t, err)

	_, err = f.Authorize(ctx, domain.UserContext{UserID: "b", TeamIDs: []string{"team-b"}}, access.Resource{ServiceID: "svc"}, domain.PermKVRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NotErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = f.Authorize(ctx, domain.UserContext{UserID: "b"}, access.Resource{ServiceID: "missing"}, domain.PermRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSharesHonourEnvironmentInstanceAndExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	store := fakeStore{
		services: map[string]domain.ApplicationService{"svc": owned("svc", "team-a")},
		shares: []domain.ServiceShare{
			{ID: "1", ResourceLevel: domain.LevelService, ServiceID: "svc", GrantToType: domain.GrantTeam, GrantToID: "team-b",
				Permissions: []domain.Permission{domain.PermKVWrite}, Environments: []string{"dev"}},
			{ID: "2", ResourceLevel: domain.LevelInstance, ServiceID: "svc", InstanceID: "i-1", GrantToType: domain.GrantUser, GrantToID: "carol",
				Permissions: []domain.Permission{domain.PermDriftManage}},
			{ID: "3", ResourceLevel: domain.LevelService, ServiceID: "svc", GrantToType: domain.GrantUser, GrantToID: "dave",
				Permissions: []domain.Permission{domain.PermRead}, ExpiresAt: &past},
		},
	}
	f := access.Filter{Store: store, Now: func() time.Time { return now }}
	ctx := context.Background()
	teamB := domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}

	_, err := f.Authorize(ctx, teamB, access.Resource{ServiceID: "svc", Environment: "dev"}, domain.PermKVRead)
	require.NoError(t, err, "KV_WRITE implies KV_READ")
	_, err = f.Authorize(ctx, teamB, access.Resource{ServiceID: "svc", Environment: "prod"}, domain.PermKVRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.Authorize(ctx, teamB, access.Resource{ServiceID: "svc"}, domain.PermKVRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	carol := domain.UserContext{UserID: "carol"}
	_, err = f.Authorize(ctx, carol, access.Resource{ServiceID: "svc", InstanceID: "i-1"}, domain.PermInstanceRead)
	require.NoError(t, err)
	_, err = f.Authorize(ctx, carol, access.Resource{ServiceID: "svc", InstanceID: "i-2"}, domain.PermInstanceRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.Authorize(ctx, domain.UserContext{UserID: "dave"}, access.Resource{ServiceID: "svc"}, domain.PermRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRequireOwnerAndOrphans(t *testing.T) {
	store := fakeStore{
		services: map[string]domain.ApplicationService{"svc": owned("svc", "team-a"), "orphan": {ID: "orphan"}},
		shares: []domain.ServiceShare{{ID: "1", ResourceLevel: domain.LevelService, ServiceID: "svc", GrantToType: domain.GrantUser,
			GrantToID: "bob", Permissions: []domain.Permission{domain.PermRead}}},
	}
	f := access.Filter{Store: store}
	ctx := context.Background()
	bob := domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}

	_, err := f.RequireOwner(ctx, bob, "svc", "grant share")
	require.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = f.RequireOwner(ctx, domain.UserContext{UserID: "eve"}, "svc", "grant share")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.Authorize(ctx, bob, access.Resource{ServiceID: "orphan"}, domain.PermRead)
	require.NoError(t, err)
	_, err = f.Authorize(ctx, bob, access.Resource{ServiceID: "orphan"}, domain.PermKVRead)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExpand(t *testing.T) {
	set := access.Expand([]domain.Permission{domain.PermDriftManage})
	require.True(t, set.Contains(domain.PermInstanceRead))
	require.True(t, set.Contains(domain.PermRead))
	require.False(t, set.Contains(domain.PermKVRead))
}

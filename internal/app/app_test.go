package app_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"driftline/internal/app"
	"driftline/internal/catalog"
	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/snapshot"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	cfg.Registry.Static = map[string]map[string]string{"billing/prod": {"db.url": "postgres://prod"}}
	return cfg
}

func TestWiresHeartbeatThroughCachedRegistry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.RedisURL = "redis://" + mr.Addr()

	a, err := app.New(ctx, cfg, nil, app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	admin := domain.UserContext{UserID: "root", IsSysAdmin: true}
	_, err = a.Catalog.CreateService(ctx, admin, catalog.CreateServiceInput{ID: "billing", OwnerTeamID: "team-a", Environments: []string{"prod"}})
	require.NoError(t, err)

	want := snapshot.HashValues(cfg.Registry.Static["billing/prod"])
	inst, err := a.Instances.RecordHeartbeat(ctx, domain.Heartbeat{ServiceName: "billing", InstanceID: "i-1", Environment: "prod", ConfigHash: want})
	require.NoError(t, err)
	require.Equal(t, domain.InstanceHealthy, inst.Status)
	require.Equal(t, "team-a", inst.TeamID)
	require.NotEmpty(t, mr.Keys())

	inst, err = a.Instances.RecordHeartbeat(ctx, domain.Heartbeat{ServiceName: "billing", InstanceID: "i-1", Environment: "prod", ConfigHash: "other"})
	require.NoError(t, err)
	require.Equal(t, domain.InstanceDrift, inst.Status)

	require.NoError(t, a.Sweeper.RunOnce(ctx))
}

func TestRegistryFailureSurfacesAtStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.RedisURL = "redis://127.0.0.1:1"
	_, err := app.New(context.Background(), cfg, nil, app.Options{})
	require.Error(t, err)
}

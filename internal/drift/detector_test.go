package drift_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/drift"
	"driftline/internal/migrate"
	"driftline/internal/registry"
	"driftline/internal/repo"
	"driftline/internal/snapshot"
)

var expected = map[string]string{"db.url": "postgres://db", "pool.size": "10"}

func TestEvaluateMatchAndMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := drift.Detector{Now: func() time.Time { return now }}
	inst := &domain.ServiceInstance{ServiceID: "svc", InstanceID: "i-1", Environment: "prod", Status: domain.InstanceUnknown}

	ev := d.Evaluate(inst, "deadbeef", expected)
	require.True(t, ev.Evaluated)
	require.True(t, ev.Drifted)
	require.True(t, inst.HasDrift)
	require.Equal(t, domain.InstanceDrift, inst.Status)
	require.Equal(t, now, *inst.DriftDetectedAt)
	require.NotNil(t, ev.Candidate)
	require.Equal(t, domain.SeverityMedium, ev.Candidate.Severity)
	require.Equal(t, domain.DriftDetected, ev.Candidate.Status)
	require.Equal(t, snapshot.HashValues(expected), ev.Candidate.ExpectedHash)

	later := now.Add(time.Minute)
	d.Now = func() time.Time { return later }
	d.Evaluate(inst, "deadbeef", expected)
	require.Equal(t, now, *inst.DriftDetectedAt, "first detection time is kept")

	ev = d.Evaluate(inst, snapshot.HashValues(expected), expected)
	require.False(t, ev.Drifted)
	require.Nil(t, ev.Candidate)
	require.False(t, inst.HasDrift)
	require.Nil(t, inst.DriftDetectedAt)
	require.Equal(t, domain.InstanceHealthy, inst.Status)
}

func TestEvaluateSkipsWithoutHashAndKeepsUnhealthy(t *testing.T) {
	d := drift.Detector{}
	inst := &domain.ServiceInstance{Status: domain.InstanceDrift, HasDrift: true}
	ev := d.Evaluate(inst, "", expected)
	require.False(t, ev.Evaluated)
	require.Equal(t, domain.InstanceDrift, inst.Status)
	require.True(t, inst.HasDrift)

	inst = &domain.ServiceInstance{Metadata: map[string]string{drift.MetaHealth: "down"}}
	d.Evaluate(inst, snapshot.HashValues(expected), expected)
	require.Equal(t, domain.InstanceUnhealthy, inst.Status)
	require.False(t, inst.HasDrift)
}

func TestClassify(t *testing.T) {
	d := drift.Detector{DefaultSeverity: domain.SeverityLow}
	require.Equal(t, domain.SeverityLow, d.Classify(nil))
	require.Equal(t, domain.SeverityCritical, d.Classify(map[string]string{drift.MetaSeverity: "critical"}))
	require.Equal(t, domain.SeverityLow, d.Classify(map[string]string{drift.MetaSeverity: "bogus"}))
	require.Equal(t, domain.SeverityMedium, drift.Detector{}.Classify(nil))
}

func TestExpectedConfigWrapsRegistryErrors(t *testing.T) {
	d := drift.Detector{Registry: registry.ClientFunc(func(ctx context.Context, app, profile, label string) (map[string]string, error) {
		require.Equal(t, drift.DefaultProfile, profile)
		return nil, errors.New("connection refused")
	})}
	_, err := d.ExpectedConfig(context.Background(), "svc", "", "")
	require.ErrorIs(t, err, apperr.ErrExternal)

	_, err = drift.Detector{}.ExpectedConfig(context.Background(), "svc", "prod", "")
	require.ErrorIs(t, err, apperr.ErrExternal)
}

func TestExpectedConfigHonoursTimeout(t *testing.T) {
	d := drift.Detector{
		FetchTimeout: 20 * time.Millisecond,
		Registry: registry.ClientFunc(func(ctx context.Context, app, profile, label string) (map[string]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	_, err := d.ExpectedConfig(context.Background(), "svc", "prod", "")
	require.ErrorIs(t, err, apperr.ErrExternal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func setupLifecycle(t *testing.T) (drift.Detector, repo.Repo, domain.DriftEvent) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	team := "team-a"
	now := time.Now().UTC()
	require.NoError(t, r.InsertService(ctx, domain.ApplicationService{ID: "svc", DisplayName: "svc", OwnerTeamID: &team, Lifecycle: domain.LifecycleActive, CreatedAt: now, UpdatedAt: now, CreatedBy: "alice"}))
	ev := domain.DriftEvent{ID: "d-1", ServiceName: "svc", ServiceID: "svc", InstanceID: "i-1", TeamID: team, ExpectedHash: "e", AppliedHash: "a",
		Severity: domain.SeverityHigh, Status: domain.DriftDetected, DetectedAt: now, DetectedBy: "system"}
	_, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: domain.ServiceInstance{ServiceID: "svc", InstanceID: "i-1", TeamID: team, LastSeenAt: now, Status: domain.InstanceDrift, HasDrift: true}, OpenDrift: &ev})
	require.NoError(t, err)
	return drift.Detector{Store: r, Access: access.Filter{Store: r}}, r, ev
}

func TestLifecycleIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	d, _, ev := setupLifecycle(t)
	alice := domain.UserContext{UserID: "alice", TeamIDs: []string{"team-a"}}
	bob := domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}

	_, err := d.Acknowledge(ctx, bob, ev.ID, "")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := d.Acknowledge(ctx, alice, ev.ID, "looking")
	require.NoError(t, err)
	require.Equal(t, domain.DriftAcknowledged, got.Status)

	_, err = d.Acknowledge(ctx, alice, ev.ID, "")
	require.ErrorIs(t, err, apperr.ErrValidation)

	got, err = d.Resolve(ctx, alice, ev.ID, "redeployed")
	require.NoError(t, err)
	require.Equal(t, domain.DriftResolved, got.Status)
	require.Equal(t, "alice", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	_, err = d.MarkResolving(ctx, alice, ev.ID, "")
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = d.Ignore(ctx, alice, ev.ID, "")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListFiltersByAccessAndPurge(t *testing.T) {
	ctx := context.Background()
	d, r, _ := setupLifecycle(t)

	list, err := d.List(ctx, domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}, domain.DriftEventFilters{})
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, r.InsertShare(ctx, domain.ServiceShare{ID: "s-1", ResourceLevel: domain.LevelInstance, ServiceID: "svc", InstanceID: "i-1",
		GrantToType: domain.GrantTeam, GrantToID: "team-b", Permissions: []domain.Permission{domain.PermInstanceRead}, GrantedBy: "alice", CreatedAt: time.Now()}))
	list, err = d.List(ctx, domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}, domain.DriftEventFilters{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)

	d.Now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	n, err := d.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

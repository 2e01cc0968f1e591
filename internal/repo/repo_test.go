package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

func setupRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func strPtr(s string) *string { return &s }

func seedService(t *testing.T, r repo.Repo, id string, owner *string) domain.ApplicationService {
	t.Helper()
	now := time.Now().UTC()
	svc := domain.ApplicationService{
		ID: id, DisplayName: id, OwnerTeamID: owner, Lifecycle: domain.LifecycleActive,
		Environments: []string{"dev", "prod"}, CreatedAt: now, UpdatedAt: now, CreatedBy: "alice",
	}
	require.NoError(t, r.InsertService(context.Background(), svc, events.Record{Type: "service.created", EntityKind: "service", EntityID: id, ServiceID: id}))
	got, err := r.GetService(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestServiceInsertUpdateAndCascade(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	svc := seedService(t, r, "svc-1", strPtr("team-a"))
	require.Equal(t, int64(1), svc.Version)
	require.Equal(t, []string{"dev", "prod"}, svc.Environments)

	err := r.InsertService(ctx, svc)
	require.ErrorIs(t, err, repo.ErrDuplicate)

	svc.DisplayName = "Service One"
	updated, err := r.UpdateService(ctx, svc, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	_, err = r.UpdateService(ctx, svc, 1)
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	_, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: domain.ServiceInstance{
		ServiceID: "svc-1", InstanceID: "i-1", Status: domain.InstanceHealthy, LastSeenAt: time.Now(),
	}})
	require.NoError(t, err)
	_, _, err = r.ApplyKV(ctx, "svc-1", []domain.KVOp{{Verb: domain.KVSet, Path: "service/svc-1/a", Value: []byte("1")}})
	require.NoError(t, err)

	require.NoError(t, r.DeleteServiceCascade(ctx, "svc-1"))
	_, err = r.GetService(ctx, "svc-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetInstance(ctx, "svc-1", "i-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetKV(ctx, "service/svc-1/a")
	require.ErrorIs(t, err, repo.ErrNotFound)

	evs, err := r.ListEvents(ctx, "svc-1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "service.created", evs[0].Type)
}

func TestWriteInstanceRevisionAndTTL(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Now().UTC()

	inst := domain.ServiceInstance{ServiceID: "svc", InstanceID: "fresh", Status: domain.InstanceHealthy, LastSeenAt: now.Add(-10 * time.Minute), Metadata: map[string]string{"zone": "a"}}
	stored, _, err := r.WriteInstance(ctx, repo.InstanceWrite{Instance: inst})
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Revision)

	_, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: inst})
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	stored.Version = "1.2.0"
	stored, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: stored, ExpectedRevision: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Revision)
	_, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: stored, ExpectedRevision: 1})
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	stale := domain.ServiceInstance{ServiceID: "svc", InstanceID: "stale", Status: domain.InstanceHealthy, LastSeenAt: now.Add(-61 * time.Minute)}
	_, _, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: stale})
	require.NoError(t, err)

	list, err := r.ListInstances(ctx, domain.InstanceCriteria{ServiceID: "svc"}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "fresh", list[0].InstanceID)
	require.Equal(t, "1.2.0", list[0].Version)
	require.Equal(t, "a", list[0].Metadata["zone"])

	n, err := r.DeleteInstancesSeenBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestWriteInstanceOpensSingleDriftEvent(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	now := time.Now().UTC()
	inst := domain.ServiceInstance{ServiceID: "svc", InstanceID: "i-1", Status: domain.InstanceDrift, HasDrift: true, LastSeenAt: now}
	ev := func(id string) *domain.DriftEvent {
		return &domain.DriftEvent{ID: id, ServiceName: "svc", ServiceID: "svc", InstanceID: "i-1", ExpectedHash: "e", AppliedHash: "a",
			Severity: domain.SeverityMedium, Status: domain.DriftDetected, DetectedAt: now, DetectedBy: "system"}
	}
	onOpen := []events.Record{{Type: "drift.detected", EntityKind: "drift_event", ServiceID: "svc"}}

	stored, opened, err := r.WriteInstance(ctx, repo.InstanceWrite{Instance: inst, OpenDrift: ev("d-1"), OnOpen: onOpen})
	require.NoError(t, err)
	require.True(t, opened)

	_, opened, err = r.WriteInstance(ctx, repo.InstanceWrite{Instance: stored, ExpectedRevision: stored.Revision, OpenDrift: ev("d-2"), OnOpen: onOpen})
	require.NoError(t, err)
	require.False(t, opened)

	open, err := r.ListDriftEvents(ctx, domain.DriftEventFilters{ServiceID: "svc", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "d-1", open[0].ID)

	evs, err := r.ListEvents(ctx, "svc", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	resolved := open[0]
	resolved.Status = domain.DriftResolved
	at := now
	resolved.ResolvedAt = &at
	resolved.ResolvedBy = "bob"
	require.NoError(t, r.TransitionDriftEvent(ctx, resolved, domain.DriftDetected))
	require.ErrorIs(t, r.TransitionDriftEvent(ctx, resolved, domain.DriftDetected), repo.ErrVersionConflict)

	_, err = r.OpenDriftEvent(ctx, "svc", "i-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	n, err := r.PurgeDriftEvents(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestApprovalPlanIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	svc := seedService(t, r, "svc-1", nil)
	now := time.Now().UTC()
	mk := func(id, user, team string) domain.ApprovalRequest {
		return domain.ApprovalRequest{ID: id, RequesterUserID: user, RequestType: domain.RequestClaimOwnership,
			Target: domain.ApprovalTarget{ServiceID: "svc-1", TeamID: team}, Required: []domain.GateRequirement{{Gate: domain.GateSysAdmin, MinApprovals: 1}},
			Status: domain.ApprovalPending, Counts: map[string]int{}, CreatedAt: now, UpdatedAt: now}
	}
	a, b := mk("r-a", "alice", "team-a"), mk("r-b", "bob", "team-b")
	require.NoError(t, r.InsertApprovalRequest(ctx, a))
	require.NoError(t, r.InsertApprovalRequest(ctx, b))
	require.ErrorIs(t, r.InsertApprovalRequest(ctx, mk("r-a2", "alice", "team-a")), repo.ErrDuplicate)

	approvedA := a
	approvedA.Status = domain.ApprovalApproved
	approvedA.Counts = map[string]int{domain.GateSysAdmin: 1}
	rejectedB := b
	rejectedB.Status = domain.ApprovalRejected
	decision := &domain.ApprovalDecision{ID: "d-1", RequestID: "r-a", ApproverUserID: "root", Gate: domain.GateSysAdmin, Decision: domain.VoteApprove, DecidedAt: now}

	stalePlan := repo.ApprovalPlan{
		Decision: decision,
		Updates:  []repo.RequestUpdate{{Request: approvedA, ExpectedVersion: 1}, {Request: rejectedB, ExpectedVersion: 7}},
		Owner:    &repo.OwnerUpdate{ServiceID: "svc-1", TeamID: "team-a", ExpectedVersion: svc.Version, UpdatedAt: now},
	}
	require.ErrorIs(t, r.ApplyApprovalPlan(ctx, stalePlan), repo.ErrVersionConflict)

	got, err := r.GetApprovalRequest(ctx, "r-a")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, got.Status)
	decisions, err := r.ListDecisions(ctx, "r-a")
	require.NoError(t, err)
	require.Empty(t, decisions)

	stalePlan.Updates[1].ExpectedVersion = 1
	require.NoError(t, r.ApplyApprovalPlan(ctx, stalePlan))

	svc, err = r.GetService(ctx, "svc-1")
	require.NoError(t, err)
	require.True(t, svc.OwnedBy("team-a"))
	got, err = r.GetApprovalRequest(ctx, "r-b")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalRejected, got.Status)
	require.Equal(t, int64(2), got.Version)

	err = r.ApplyApprovalPlan(ctx, repo.ApprovalPlan{Decision: decision})
	require.ErrorIs(t, err, repo.ErrDuplicate)
}

func TestApplyKVCASAndAtomicity(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)

	res, idx, err := r.ApplyKV(ctx, "svc", []domain.KVOp{
		{Verb: domain.KVSet, Path: "service/svc/cfg/a", Value: []byte("1")},
		{Verb: domain.KVSet, Path: "service/svc/cfg/b", Value: []byte("2")},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, uint64(1), res[0].Entry.ModifyIndex)

	_, _, err = r.ApplyKV(ctx, "svc", []domain.KVOp{
		{Verb: domain.KVSet, Path: "service/svc/cfg/c", Value: []byte("3")},
		{Verb: domain.KVCAS, Path: "service/svc/cfg/a", Value: []byte("x"), Index: 99},
	})
	var checkErr *repo.KVCheckError
	require.ErrorAs(t, err, &checkErr)
	require.Equal(t, 1, checkErr.Op)
	require.True(t, errors.Is(err, repo.ErrVersionConflict))
	_, err = r.GetKV(ctx, "service/svc/cfg/c")
	require.ErrorIs(t, err, repo.ErrNotFound)

	res, idx, err = r.ApplyKV(ctx, "svc", []domain.KVOp{{Verb: domain.KVCAS, Path: "service/svc/cfg/a", Value: []byte("x"), Index: 1}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
	require.Equal(t, uint64(1), res[0].Entry.CreateIndex)

	_, _, err = r.ApplyKV(ctx, "svc", []domain.KVOp{{Verb: repo.KVDeleteTree, Path: "service/svc/cfg/"}})
	require.NoError(t, err)
	entries, err := r.ListKV(ctx, "service/svc/")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSharesAndAgentKeys(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	seedService(t, r, "svc-1", strPtr("team-a"))
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	require.NoError(t, r.InsertShare(ctx, domain.ServiceShare{ID: "s-1", ResourceLevel: domain.LevelService, ServiceID: "svc-1",
		GrantToType: domain.GrantTeam, GrantToID: "team-b", Permissions: []domain.Permission{domain.PermKVRead}, GrantedBy: "alice", CreatedAt: now}))
	require.NoError(t, r.InsertShare(ctx, domain.ServiceShare{ID: "s-2", ResourceLevel: domain.LevelService, ServiceID: "svc-1",
		GrantToType: domain.GrantUser, GrantToID: "carol", Permissions: []domain.Permission{domain.PermRead}, GrantedBy: "alice", CreatedAt: now, ExpiresAt: &past}))

	shares, err := r.ListSharesForGrantee(ctx, "carol", []string{"team-b"})
	require.NoError(t, err)
	require.Len(t, shares, 2)

	n, err := r.PurgeExpiredShares(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	key := domain.AgentKey{ID: "k-1", ServiceID: "svc-1", KeyHash: repo.HashAgentKey("secret"), CreatedBy: "alice", CreatedAt: now}
	require.NoError(t, r.InsertAgentKey(ctx, key))
	got, err := r.GetAgentKeyByHash(ctx, repo.HashAgentKey(" secret "))
	require.NoError(t, err)
	require.Equal(t, "svc-1", got.ServiceID)
	require.ErrorIs(t, r.DeleteAgentKey(ctx, "other", "k-1"), repo.ErrNotFound)
	require.NoError(t, r.DeleteAgentKey(ctx, "svc-1", "k-1"))
}

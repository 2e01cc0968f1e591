package kv_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/kv"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

var (
	alice = domain.UserContext{UserID: "alice", TeamIDs: []string{"team-a"}}
	bob   = domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}
)

func setup(t *testing.T) (kv.KV, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	team := "team-a"
	require.NoError(t, r.InsertService(context.Background(), domain.ApplicationService{
		ID: "svc-1", OwnerTeamID: &team, Lifecycle: domain.LifecycleActive, Environments: []string{"dev", "prod"},
	}))
	return kv.KV{Store: r, Access: access.Filter{Store: r}}, r
}

func TestObjectReplace(t *testing.T) {
	ctx := context.Background()
	store, _ := setup(t)

	_, err := store.PutObject(ctx, alice, "svc-1", "cfg", map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	_, err = store.PutLeaf(ctx, alice, "svc-1", "cfg/nested/deep", []byte("x"), 0, nil)
	require.NoError(t, err)
	_, err = store.PutObject(ctx, alice, "svc-1", "cfg", map[string]string{"b": "3", "c": "4"})
	require.NoError(t, err)

	obj, err := store.GetObject(ctx, alice, "svc-1", "cfg")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"b": "3", "c": "4"}, obj)

	_, err = store.GetLeaf(ctx, alice, "svc-1", "cfg/nested/deep")
	require.NoError(t, err)

	_, err = store.PutObject(ctx, alice, "svc-1", "cfg", map[string]string{})
	require.NoError(t, err)
	obj, err = store.GetObject(ctx, alice, "svc-1", "cfg")
	require.NoError(t, err)
	require.Empty(t, obj)

	_, err = store.PutObject(ctx, alice, "svc-1", "cfg", map[string]string{"bad/key": "1"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListManifestFiltering(t *testing.T) {
	ctx := context.Background()
	store, _ := setup(t)

	list, err := store.PutList(ctx, alice, "svc-1", "rules", domain.KVListWrite{
		Items: []domain.KVListItem{
			{ID: "item1", Data: json.RawMessage(`{"n":1}`)},
			{ID: "item2", Data: json.RawMessage(`{"n":2}`)},
			{ID: "hidden", Data: json.RawMessage(`{"n":3}`)},
		},
		Manifest: domain.KVManifest{Order: []string{"item1", "missing", "item2"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), list.Manifest.Version)
	require.NotEmpty(t, list.Manifest.ETag)

	list, err = store.GetList(ctx, alice, "svc-1", "rules")
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	require.Equal(t, "item1", list.Items[0].ID)
	require.Equal(t, "item2", list.Items[1].ID)
	require.JSONEq(t, `{"n":2}`, string(list.Items[1].Data))

	// Items outside the order stay stored.
	_, err = store.GetLeaf(ctx, alice, "svc-1", "rules/hidden")
	require.NoError(t, err)

	list, err = store.PutList(ctx, alice, "svc-1", "rules", domain.KVListWrite{
		Manifest: domain.KVManifest{Order: []string{"item2", "hidden"}},
		Deletes:  []string{"item1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), list.Manifest.Version)
	require.Equal(t, []string{"item2", "hidden"}, []string{list.Items[0].ID, list.Items[1].ID})
	_, err = store.GetLeaf(ctx, alice, "svc-1", "rules/item1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListVersioning(t *testing.T) {
	ctx := context.Background()
	store, _ := setup(t)

	empty, err := store.GetList(ctx, alice, "svc-1", "flags")
	require.NoError(t, err)
	require.Empty(t, empty.Items)
	require.Zero(t, empty.Manifest.Version)

	_, err = store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{Manifest: domain.KVManifest{Version: 5, ETag: "v5"}})
	require.NoError(t, err)

	_, err = store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{Manifest: domain.KVManifest{Version: 5}})
	require.ErrorIs(t, err, apperr.ErrConflict)

	stale := int64(4)
	_, err = store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{ExpectedVersion: &stale})
	require.ErrorIs(t, err, apperr.ErrConflict)

	current := int64(5)
	list, err := store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{ExpectedVersion: &current})
	require.NoError(t, err)
	require.Equal(t, int64(6), list.Manifest.Version)

	_, err = store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{
		Items: []domain.KVListItem{{ID: "a"}, {ID: "a"}},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = store.PutList(ctx, alice, "svc-1", "flags", domain.KVListWrite{
		Items: []domain.KVListItem{{ID: ".manifest"}},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCrossTeamIsolation(t *testing.T) {
	ctx := context.Background()
	store, r := setup(t)

	_, err := store.PutLeaf(ctx, alice, "svc-1", "dev/db", []byte("pg"), 0, nil)
	require.NoError(t, err)

	_, err = store.GetLeaf(ctx, bob, "svc-1", "dev/db")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.PutLeaf(ctx, bob, "svc-1", "dev/db", []byte("mysql"), 0, nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.PutObject(ctx, bob, "svc-1", "cfg", map[string]string{"a": "1"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.GetLeaf(ctx, bob, "nope", "dev/db")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	// A dev-only read share.
	require.NoError(t, r.InsertShare(ctx, domain.ServiceShare{
		ID: "sh-1", ServiceID: "svc-1", GrantToType: domain.GrantTeam, GrantToID: "team-b",
		ResourceLevel: domain.LevelService, Permissions: []domain.Permission{domain.PermKVRead}, Environments: []string{"dev"},
	}))
	e, err := store.GetLeaf(ctx, bob, "svc-1", "dev/db")
	require.NoError(t, err)
	require.Equal(t, "dev/db", e.Path)
	require.Equal(t, []byte("pg"), e.Value)

	_, err = store.GetLeaf(ctx, bob, "svc-1", "prod/db")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.PutLeaf(ctx, bob, "svc-1", "dev/db", []byte("mysql"), 0, nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLeafCAS(t *testing.T) {
	ctx := context.Background()
	store, _ := setup(t)

	zero := uint64(0)
	e, err := store.PutLeaf(ctx, alice, "svc-1", "lock", []byte("a"), 0, &zero)
	require.NoError(t, err)
	_, err = store.PutLeaf(ctx, alice, "svc-1", "lock", []byte("b"), 0, &zero)
	require.ErrorIs(t, err, apperr.ErrConflict)

	idx := e.ModifyIndex
	e2, err := store.PutLeaf(ctx, alice, "svc-1", "lock", []byte("b"), 7, &idx)
	require.NoError(t, err)
	require.Greater(t, e2.ModifyIndex, e.ModifyIndex)
	require.Equal(t, e.CreateIndex, e2.CreateIndex)
	require.Equal(t, uint64(7), e2.Flags)

	require.ErrorIs(t, store.DeleteLeaf(ctx, alice, "svc-1", "lock", &idx), apperr.ErrConflict)
	require.NoError(t, store.DeleteLeaf(ctx, alice, "svc-1", "lock", &e2.ModifyIndex))
	require.NoError(t, store.DeleteLeaf(ctx, alice, "svc-1", "lock", nil))

	_, err = store.GetLeaf(ctx, alice, "svc-1", "../escape")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTxnAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := setup(t)

	res, err := store.Txn(ctx, alice, "svc-1", []domain.KVOp{
		{Verb: domain.KVSet, Path: "a", Value: []byte("1")},
		{Verb: domain.KVCAS, Path: "b", Value: []byte("2")},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "b", res[1].Path)
	require.Equal(t, "b", res[1].Entry.Path)
	aIndex := res[0].Entry.ModifyIndex

	_, err = store.Txn(ctx, alice, "svc-1", []domain.KVOp{
		{Verb: domain.KVSet, Path: "a", Value: []byte("changed")},
		{Verb: domain.KVCheckNotExists, Path: "b"},
	})
	require.ErrorIs(t, err, apperr.ErrConflict)

	res, err = store.Txn(ctx, alice, "svc-1", []domain.KVOp{
		{Verb: domain.KVGet, Path: "a"},
		{Verb: domain.KVCheckIndex, Path: "a", Index: aIndex},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), res[0].Entry.Value)

	ops := make([]domain.KVOp, kv.MaxTxnOps+1)
	for i := range ops {
		ops[i] = domain.KVOp{Verb: domain.KVSet, Path: fmt.Sprintf("k%d", i)}
	}
	_, err = store.Txn(ctx, alice, "svc-1", ops)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = store.Txn(ctx, alice, "svc-1", []domain.KVOp{{Verb: repo.KVDeleteTree, Path: "a"}})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = store.Txn(ctx, bob, "svc-1", []domain.KVOp{{Verb: domain.KVGet, Path: "a"}})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

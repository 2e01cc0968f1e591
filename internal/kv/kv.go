// Package kv is the per-service key/value store: leaves, objects (replaced
// wholesale), manifest-ordered lists and CAS transactions. Every key lives under
// service/{serviceId}/ and every call is filtered by the caller's access.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/occ"
	"driftline/internal/repo"
)

const (
	// ManifestName is the leaf holding a list's manifest.
	ManifestName = ".manifest"
	// MaxTxnOps bounds a single transaction.
	MaxTxnOps = 64
)

type Store interface {
	access.Store
	GetKV(ctx context.Context, key string) (domain.KVEntry, error)
	ListKV(ctx context.Context, prefix string) ([]domain.KVEntry, error)
	ApplyKV(ctx context.Context, serviceID string, ops []domain.KVOp, recs ...events.Record) ([]domain.KVOpResult, uint64, error)
}

type KV struct {
	Store  Store
	Access access.Filter
	Retry  occ.Policy
	Logger *zap.Logger
}

func (k KV) logger() *zap.Logger {
	if k.Logger != nil {
		return k.Logger
	}
	return zap.NewNop()
}

// Namespace is the key prefix owned by a service.
func Namespace(serviceID string) string {
	return "service/" + serviceID + "/"
}

// Key maps a service-relative path to its full key.
func Key(serviceID, path string) string {
	return Namespace(serviceID) + path
}

// ValidatePath accepts slash-separated relative paths without empty, "." or ".." segments.
func ValidatePath(path string) error {
	if path == "" {
		return apperr.Invalid("path", "must not be empty")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return apperr.Invalid("path", fmt.Sprintf("invalid segment in %q", path))
		}
	}
	return nil
}

func validateItemID(field, id string) error {
	if id == "" || strings.Contains(id, "/") || strings.HasPrefix(id, ".") {
		return apperr.Invalid(field, fmt.Sprintf("invalid item id %q", id))
	}
	return nil
}

// environmentOf treats the first path segment as the environment when the service declares it.
func environmentOf(svc domain.ApplicationService, path string) string {
	first, _, _ := strings.Cut(path, "/")
	for _, env := range svc.Environments {
		if env == first {
			return env
		}
	}
	return ""
}

// authorize checks perm on every path. Any denial is reported as the service not existing.
func (k KV) authorize(ctx context.Context, user domain.UserContext, serviceID string, perm domain.Permission, paths ...string) (domain.ApplicationService, error) {
	svc, err := k.Store.GetService(ctx, serviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return svc, apperr.NotFound("service", serviceID)
	}
	if err != nil {
		return svc, err
	}
	checked := map[string]bool{}
	for _, p := range paths {
		env := environmentOf(svc, p)
		if checked[env] {
			continue
		}
		checked[env] = true
		ok, err := k.Access.Check(ctx, user, svc, access.Resource{ServiceID: serviceID, Environment: env}, perm)
		if err != nil {
			return svc, err
		}
		if !ok {
			return domain.ApplicationService{}, apperr.NotFound("service", serviceID)
		}
	}
	return svc, nil
}

func relative(serviceID string, e domain.KVEntry) domain.KVEntry {
	e.Path = strings.TrimPrefix(e.Path, Namespace(serviceID))
	return e
}

func record(typ, serviceID, path string, user domain.UserContext, payload events.EventPayload) events.Record {
	return events.Record{Type: typ, ServiceID: serviceID, EntityKind: "kv", EntityID: path, ActorID: user.UserID, Payload: payload}
}

// conflict turns a failed precondition into a ConflictError naming the op.
func conflict(serviceID string, err error) error {
	var ce *repo.KVCheckError
	if errors.As(err, &ce) {
		return apperr.Conflict("kv op %d on %q: %s", ce.Op, strings.TrimPrefix(ce.Key, Namespace(serviceID)), ce.Reason)
	}
	return err
}

func (k KV) GetLeaf(ctx context.Context, user domain.UserContext, serviceID, path string) (domain.KVEntry, error) {
	if err := ValidatePath(path); err != nil {
		return domain.KVEntry{}, err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVRead, path); err != nil {
		return domain.KVEntry{}, err
	}
	e, err := k.Store.GetKV(ctx, Key(serviceID, path))
	if errors.Is(err, repo.ErrNotFound) {
		return e, apperr.NotFound("key", path)
	}
	if err != nil {
		return e, err
	}
	return relative(serviceID, e), nil
}

// PutLeaf writes one value. A non-nil cas makes the write conditional on the
// current modify index, with 0 meaning the key must not exist.
func (k KV) PutLeaf(ctx context.Context, user domain.UserContext, serviceID, path string, value []byte, flags uint64, cas *uint64) (domain.KVEntry, error) {
	if err := ValidatePath(path); err != nil {
		return domain.KVEntry{}, err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVWrite, path); err != nil {
		return domain.KVEntry{}, err
	}
	op := domain.KVOp{Verb: domain.KVSet, Path: Key(serviceID, path), Value: value, Flags: flags}
	if cas != nil {
		op.Verb, op.Index = domain.KVCAS, *cas
	}
	res, _, err := k.Store.ApplyKV(ctx, serviceID, []domain.KVOp{op}, record("kv.put", serviceID, path, user, nil))
	if err != nil {
		return domain.KVEntry{}, conflict(serviceID, err)
	}
	return relative(serviceID, *res[0].Entry), nil
}

// DeleteLeaf removes one value. Deleting a missing key without cas succeeds.
func (k KV) DeleteLeaf(ctx context.Context, user domain.UserContext, serviceID, path string, cas *uint64) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVWrite, path); err != nil {
		return err
	}
	op := domain.KVOp{Verb: domain.KVDelete, Path: Key(serviceID, path)}
	if cas != nil {
		op.Verb, op.Index = domain.KVDeleteCAS, *cas
	}
	_, _, err := k.Store.ApplyKV(ctx, serviceID, []domain.KVOp{op}, record("kv.deleted", serviceID, path, user, nil))
	return conflict(serviceID, err)
}

// children returns the leaves directly under prefix keyed by their last segment.
func (k KV) children(ctx context.Context, serviceID, prefix string) (map[string]domain.KVEntry, error) {
	full := Key(serviceID, prefix) + "/"
	entries, err := k.Store.ListKV(ctx, full)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.KVEntry, len(entries))
	for _, e := range entries {
		name := strings.TrimPrefix(e.Path, full)
		if strings.Contains(name, "/") {
			continue
		}
		out[name] = relative(serviceID, e)
	}
	return out, nil
}

// GetObject returns the leaves directly under prefix. A missing object is empty.
func (k KV) GetObject(ctx context.Context, user domain.UserContext, serviceID, prefix string) (map[string]string, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVRead, prefix); err != nil {
		return nil, err
	}
	leaves, err := k.children(ctx, serviceID, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(leaves))
	for name, e := range leaves {
		out[name] = string(e.Value)
	}
	return out, nil
}

// PutObject replaces the object at prefix with data in one transaction: every
// direct leaf not in data is removed, so an empty map deletes the object.
// Deeper keys under prefix are left alone.
func (k KV) PutObject(ctx context.Context, user domain.UserContext, serviceID, prefix string, data map[string]string) (map[string]string, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data))
	for name := range data {
		if name == "" || strings.Contains(name, "/") {
			return nil, apperr.Invalid("data", fmt.Sprintf("invalid key %q", name))
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVWrite, prefix); err != nil {
		return nil, err
	}
	ops := make([]domain.KVOp, 0, len(names)+1)
	ops = append(ops, domain.KVOp{Verb: repo.KVDeleteChildren, Path: Key(serviceID, prefix) + "/"})
	for _, name := range names {
		ops = append(ops, domain.KVOp{Verb: domain.KVSet, Path: Key(serviceID, prefix+"/"+name), Value: []byte(data[name])})
	}
	_, idx, err := k.Store.ApplyKV(ctx, serviceID, ops,
		record("kv.object.put", serviceID, prefix, user, events.EventPayload{"keys": names}))
	if err != nil {
		return nil, err
	}
	k.logger().Debug("kv object replaced", zap.String("service_id", serviceID), zap.String("prefix", prefix), zap.Int("keys", len(names)), zap.Uint64("index", idx))
	out := make(map[string]string, len(data))
	for name, v := range data {
		out[name] = v
	}
	return out, nil
}

func manifestPath(prefix string) string { return prefix + "/" + ManifestName }

// readList loads the manifest and the visible items. A list with no manifest is empty.
func (k KV) readList(ctx context.Context, serviceID, prefix string) (domain.KVList, uint64, error) {
	leaves, err := k.children(ctx, serviceID, prefix)
	if err != nil {
		return domain.KVList{}, 0, err
	}
	list := domain.KVList{Items: []domain.KVListItem{}, Manifest: domain.KVManifest{Order: []string{}}}
	m, ok := leaves[ManifestName]
	if !ok {
		return list, 0, nil
	}
	if err := json.Unmarshal(m.Value, &list.Manifest); err != nil {
		return list, 0, fmt.Errorf("decode manifest %s: %w", prefix, err)
	}
	if list.Manifest.Order == nil {
		list.Manifest.Order = []string{}
	}
	for _, id := range list.Manifest.Order {
		e, ok := leaves[id]
		if !ok || id == ManifestName {
			continue
		}
		list.Items = append(list.Items, domain.KVListItem{ID: id, Data: itemData(e.Value)})
	}
	return list, m.ModifyIndex, nil
}

// itemData returns stored bytes as JSON, quoting values that are not valid JSON.
func itemData(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// GetList returns the items named by the manifest order, in that order. Stored
// items missing from the order are skipped, as are ordered ids with no item.
func (k KV) GetList(ctx context.Context, user domain.UserContext, serviceID, prefix string) (domain.KVList, error) {
	if err := ValidatePath(prefix); err != nil {
		return domain.KVList{}, err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVRead, prefix); err != nil {
		return domain.KVList{}, err
	}
	list, _, err := k.readList(ctx, serviceID, prefix)
	return list, err
}

func validateListWrite(w domain.KVListWrite) error {
	seen := map[string]bool{}
	for _, it := range w.Items {
		if err := validateItemID("items", it.ID); err != nil {
			return err
		}
		if seen[it.ID] {
			return apperr.Invalid("items", fmt.Sprintf("duplicate item id %q", it.ID))
		}
		seen[it.ID] = true
		if len(it.Data) > 0 && !json.Valid(it.Data) {
			return apperr.Invalid("items", fmt.Sprintf("item %q data is not valid JSON", it.ID))
		}
	}
	for _, id := range w.Deletes {
		if err := validateItemID("deletes", id); err != nil {
			return err
		}
		if seen[id] {
			return apperr.Invalid("deletes", fmt.Sprintf("item %q is both written and deleted", id))
		}
	}
	ordered := map[string]bool{}
	for _, id := range w.Manifest.Order {
		if err := validateItemID("manifest.order", id); err != nil {
			return err
		}
		if ordered[id] {
			return apperr.Invalid("manifest.order", fmt.Sprintf("duplicate id %q", id))
		}
		ordered[id] = true
	}
	if w.Manifest.Version < 0 {
		return apperr.Invalid("manifest.version", "must not be negative")
	}
	return nil
}

// PutList writes items, removes deletes and swaps the manifest in one
// transaction guarded by a CAS on the manifest key. Version 0 takes the stored
// version plus one; any other version must exceed the stored one.
func (k KV) PutList(ctx context.Context, user domain.UserContext, serviceID, prefix string, w domain.KVListWrite) (domain.KVList, error) {
	if err := ValidatePath(prefix); err != nil {
		return domain.KVList{}, err
	}
	if err := validateListWrite(w); err != nil {
		return domain.KVList{}, err
	}
	if _, err := k.authorize(ctx, user, serviceID, domain.PermKVWrite, prefix); err != nil {
		return domain.KVList{}, err
	}
	var out domain.KVList
	err := occ.Do(ctx, k.Retry, func(ctx context.Context) error {
		cur, index, err := k.readList(ctx, serviceID, prefix)
		if err != nil {
			return err
		}
		stored := cur.Manifest.Version
		if w.ExpectedVersion != nil && *w.ExpectedVersion != stored {
			return &apperr.ConflictError{Reason: "list version is stale", Expected: *w.ExpectedVersion, Current: stored}
		}
		m := w.Manifest
		if m.Order == nil {
			m.Order = []string{}
		}
		switch {
		case m.Version == 0:
			m.Version = stored + 1
		case m.Version <= stored:
			return &apperr.ConflictError{Reason: "manifest version must increase", Expected: m.Version, Current: stored}
		}
		if m.ETag == "" {
			m.ETag = uuid.NewString()
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		ops := make([]domain.KVOp, 0, len(w.Items)+len(w.Deletes)+1)
		for _, it := range w.Items {
			data := []byte(it.Data)
			if len(data) == 0 {
				data = []byte("null")
			}
			ops = append(ops, domain.KVOp{Verb: domain.KVSet, Path: Key(serviceID, prefix+"/"+it.ID), Value: data})
		}
		for _, id := range w.Deletes {
			ops = append(ops, domain.KVOp{Verb: domain.KVDelete, Path: Key(serviceID, prefix+"/"+id)})
		}
		ops = append(ops, domain.KVOp{Verb: domain.KVCAS, Path: Key(serviceID, manifestPath(prefix)), Value: raw, Index: index})
		_, _, err = k.Store.ApplyKV(ctx, serviceID, ops, record("kv.list.put", serviceID, prefix, user,
			events.EventPayload{"version": m.Version, "items": len(w.Items), "deletes": len(w.Deletes)}))
		if err != nil {
			return err
		}
		out, _, err = k.readList(ctx, serviceID, prefix)
		return err
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.KVList{}, apperr.Conflict("list %s kept changing, retry later", prefix)
	}
	return out, err
}

func isWrite(v domain.KVVerb) bool {
	switch v {
	case domain.KVSet, domain.KVCAS, domain.KVDelete, domain.KVDeleteCAS:
		return true
	}
	return false
}

// Txn applies ops all-or-nothing. Results come back only when every op succeeds;
// a failed check or CAS surfaces as a ConflictError naming the op.
func (k KV) Txn(ctx context.Context, user domain.UserContext, serviceID string, ops []domain.KVOp) ([]domain.KVOpResult, error) {
	if len(ops) == 0 {
		return nil, apperr.Invalid("ops", "at least one operation is required")
	}
	if len(ops) > MaxTxnOps {
		return nil, apperr.Invalid("ops", fmt.Sprintf("at most %d operations per transaction", MaxTxnOps))
	}
	perm := domain.PermKVRead
	paths := make([]string, 0, len(ops))
	full := make([]domain.KVOp, len(ops))
	for i, op := range ops {
		switch op.Verb {
		case domain.KVSet, domain.KVGet, domain.KVDelete, domain.KVCAS, domain.KVDeleteCAS, domain.KVCheckIndex, domain.KVCheckNotExists:
		default:
			return nil, apperr.Invalid(fmt.Sprintf("ops[%d].verb", i), fmt.Sprintf("unknown verb %q", op.Verb))
		}
		if err := ValidatePath(op.Path); err != nil {
			return nil, err
		}
		if isWrite(op.Verb) {
			perm = domain.PermKVWrite
		}
		paths = append(paths, op.Path)
		full[i] = op
		full[i].Path = Key(serviceID, op.Path)
	}
	if _, err := k.authorize(ctx, user, serviceID, perm, paths...); err != nil {
		return nil, err
	}
	var recs []events.Record
	if perm == domain.PermKVWrite {
		recs = append(recs, record("kv.txn", serviceID, "", user, events.EventPayload{"ops": len(ops)}))
	}
	res, _, err := k.Store.ApplyKV(ctx, serviceID, full, recs...)
	if err != nil {
		return nil, conflict(serviceID, err)
	}
	for i := range res {
		res[i].Path = ops[i].Path
		if res[i].Entry != nil {
			e := relative(serviceID, *res[i].Entry)
			res[i].Entry = &e
		}
	}
	return res, nil
}

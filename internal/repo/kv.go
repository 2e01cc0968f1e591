package repo

import (
	"context"
	"database/sql"
	"fmt"

	"driftline/internal/domain"
	"driftline/internal/events"
)

// Internal verbs, not accepted from API callers.
const (
	// KVDeleteTree removes every key starting with the op path.
	KVDeleteTree domain.KVVerb = "delete-tree"
	// KVDeleteChildren removes keys directly under the op path, which must end in "/".
	KVDeleteChildren domain.KVVerb = "delete-children"
)

// KVCheckError reports the first failed precondition of a KV transaction.
type KVCheckError struct {
	Op     int
	Key    string
	Reason string
}

func (e *KVCheckError) Error() string {
	return fmt.Sprintf("kv op %d on %q: %s", e.Op, e.Key, e.Reason)
}

func (e *KVCheckError) Unwrap() error { return ErrVersionConflict }

type kvQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getKV(ctx context.Context, q kvQuerier, key string) (domain.KVEntry, bool, error) {
	var e domain.KVEntry
	err := q.QueryRowContext(ctx, `SELECT key,value,modify_index,create_index,flags FROM kv_entries WHERE key=?`, key).
		Scan(&e.Path, &e.Value, &e.ModifyIndex, &e.CreateIndex, &e.Flags)
	if err == sql.ErrNoRows {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	return e, true, nil
}

// GetKV returns the entry stored under the full key.
func (r Repo) GetKV(ctx context.Context, key string) (domain.KVEntry, error) {
	e, ok, err := getKV(ctx, r.DB, key)
	if err != nil {
		return e, err
	}
	if !ok {
		return e, ErrNotFound
	}
	return e, nil
}

// ListKV returns every entry whose key starts with prefix, in key order.
func (r Repo) ListKV(ctx context.Context, prefix string) ([]domain.KVEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,modify_index,create_index,flags FROM kv_entries WHERE substr(key,1,length(?1))=?1 ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KVEntry
	for rows.Next() {
		var e domain.KVEntry
		if err := rows.Scan(&e.Path, &e.Value, &e.ModifyIndex, &e.CreateIndex, &e.Flags); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ApplyKV executes ops against full keys all-or-nothing. Every write in the batch
// shares one new modify index, which is returned. A failed precondition aborts
// the batch with *KVCheckError.
func (r Repo) ApplyKV(ctx context.Context, serviceID string, ops []domain.KVOp, recs ...events.Record) ([]domain.KVOpResult, uint64, error) {
	results := make([]domain.KVOpResult, 0, len(ops))
	var index uint64
	err := r.inTx(ctx, recs, func(tx *sql.Tx) error {
		next := func() (uint64, error) {
			if index != 0 {
				return index, nil
			}
			var cur uint64
			if err := tx.QueryRowContext(ctx, `SELECT value FROM kv_index WHERE id=1`).Scan(&cur); err != nil {
				return 0, err
			}
			index = cur + 1
			return index, nil
		}
		set := func(op domain.KVOp, existing domain.KVEntry, found bool) (*domain.KVEntry, error) {
			idx, err := next()
			if err != nil {
				return nil, err
			}
			entry := domain.KVEntry{Path: op.Path, Value: op.Value, ModifyIndex: idx, CreateIndex: idx, Flags: op.Flags}
			if found {
				entry.CreateIndex = existing.CreateIndex
			}
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO kv_entries(key,service_id,value,modify_index,create_index,flags) VALUES (?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, modify_index=excluded.modify_index, flags=excluded.flags`,
				op.Path, serviceID, value, entry.ModifyIndex, entry.CreateIndex, entry.Flags)
			return &entry, err
		}
		for i, op := range ops {
			fail := func(reason string) error {
				return &KVCheckError{Op: i, Key: op.Path, Reason: reason}
			}
			if op.Verb == KVDeleteTree || op.Verb == KVDeleteChildren {
				if _, err := next(); err != nil {
					return err
				}
				query := `DELETE FROM kv_entries WHERE substr(key,1,length(?1))=?1`
				if op.Verb == KVDeleteChildren {
					query += ` AND instr(substr(key,length(?1)+1),'/')=0`
				}
				if _, err := tx.ExecContext(ctx, query, op.Path); err != nil {
					return err
				}
				results = append(results, domain.KVOpResult{Verb: op.Verb, Path: op.Path})
				continue
			}
			existing, found, err := getKV(ctx, tx, op.Path)
			if err != nil {
				return err
			}
			res := domain.KVOpResult{Verb: op.Verb, Path: op.Path}
			switch op.Verb {
			case domain.KVSet:
				if res.Entry, err = set(op, existing, found); err != nil {
					return err
				}
			case domain.KVCAS:
				if op.Index == 0 && found {
					return fail("key already exists")
				}
				if op.Index != 0 && (!found || existing.ModifyIndex != op.Index) {
					return fail(fmt.Sprintf("modify index mismatch: expected %d", op.Index))
				}
				if res.Entry, err = set(op, existing, found); err != nil {
					return err
				}
			case domain.KVGet:
				if !found {
					return fail("key not found")
				}
				e := existing
				res.Entry = &e
			case domain.KVDelete:
				if found {
					if _, err := next(); err != nil {
						return err
					}
					if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key=?`, op.Path); err != nil {
						return err
					}
				}
			case domain.KVDeleteCAS:
				if !found || existing.ModifyIndex != op.Index {
					return fail(fmt.Sprintf("modify index mismatch: expected %d", op.Index))
				}
				if _, err := next(); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key=?`, op.Path); err != nil {
					return err
				}
			case domain.KVCheckIndex:
				if !found || existing.ModifyIndex != op.Index {
					return fail(fmt.Sprintf("modify index mismatch: expected %d", op.Index))
				}
			case domain.KVCheckNotExists:
				if found {
					return fail("key exists")
				}
			default:
				return fmt.Errorf("unknown kv verb %q", op.Verb)
			}
			results = append(results, res)
		}
		if index != 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE kv_index SET value=? WHERE id=1`, index); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return results, index, nil
}

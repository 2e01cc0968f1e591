package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"driftline/internal/domain"
	"driftline/internal/events"
)

// HashAgentKey returns a stable SHA-256 hex digest for the provided key.
func HashAgentKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAgentKey stores a hashed agent key. KeyHash must already contain the hashed value.
func (r Repo) InsertAgentKey(ctx context.Context, key domain.AgentKey, recs ...events.Record) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ServiceID == "" {
		return errors.New("service_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO agent_keys(id, service_id, name, key_hash, created_by, created_at) VALUES (?,?,?,?,?,?)`,
			key.ID, key.ServiceID, nullable(key.Name), key.KeyHash, key.CreatedBy, formatTime(key.CreatedAt))
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

func scanAgentKey(row rowScanner) (domain.AgentKey, error) {
	var (
		key       domain.AgentKey
		createdAt string
	)
	err := row.Scan(&key.ID, &key.ServiceID, &key.Name, &key.KeyHash, &key.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return key, ErrNotFound
	}
	if err != nil {
		return key, err
	}
	key.CreatedAt, err = parseTime(createdAt)
	return key, err
}

// GetAgentKeyByHash returns an agent key by its hashed value.
func (r Repo) GetAgentKeyByHash(ctx context.Context, hash string) (domain.AgentKey, error) {
	return scanAgentKey(r.DB.QueryRowContext(ctx, `SELECT id, service_id, COALESCE(name,''), key_hash, created_by, created_at FROM agent_keys WHERE key_hash=? LIMIT 1`, hash))
}

// ListAgentKeys returns the keys issued for a service.
func (r Repo) ListAgentKeys(ctx context.Context, serviceID string) ([]domain.AgentKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, service_id, COALESCE(name,''), key_hash, created_by, created_at FROM agent_keys WHERE service_id=? ORDER BY created_at DESC`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AgentKey
	for rows.Next() {
		key, err := scanAgentKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAgentKey deletes an agent key of the given service.
func (r Repo) DeleteAgentKey(ctx context.Context, serviceID, id string, recs ...events.Record) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agent_keys WHERE id=? AND service_id=?`, id, serviceID)
		return expectOne(res, err, ErrNotFound)
	})
}

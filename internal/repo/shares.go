package repo

import (
	"context"
	"database/sql"
	"time"

	"driftline/internal/domain"
	"driftline/internal/events"
)

const shareColumns = `id,resource_level,service_id,COALESCE(instance_id,''),grant_to_type,grant_to_id,permissions_json,environments_json,granted_by,created_at,expires_at`

func scanShare(row rowScanner) (domain.ServiceShare, error) {
	var (
		sh          domain.ServiceShare
		perms, envs string
		createdAt   string
		expiresAt   sql.NullString
	)
	err := row.Scan(&sh.ID, &sh.ResourceLevel, &sh.ServiceID, &sh.InstanceID, &sh.GrantToType, &sh.GrantToID, &perms, &envs, &sh.GrantedBy, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return sh, ErrNotFound
	}
	if err != nil {
		return sh, err
	}
	if err := unmarshalJSON(perms, &sh.Permissions); err != nil {
		return sh, err
	}
	if err := unmarshalJSON(envs, &sh.Environments); err != nil {
		return sh, err
	}
	if sh.CreatedAt, err = parseTime(createdAt); err != nil {
		return sh, err
	}
	sh.ExpiresAt, err = parseNullTime(expiresAt)
	return sh, err
}

func (r Repo) InsertShare(ctx context.Context, sh domain.ServiceShare, recs ...events.Record) error {
	perms, err := marshalJSON(sh.Permissions)
	if err != nil {
		return err
	}
	envList := sh.Environments
	if envList == nil {
		envList = []string{}
	}
	envs, err := marshalJSON(envList)
	if err != nil {
		return err
	}
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO service_shares(id,resource_level,service_id,instance_id,grant_to_type,grant_to_id,permissions_json,environments_json,granted_by,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			sh.ID, sh.ResourceLevel, sh.ServiceID, nullable(sh.InstanceID), sh.GrantToType, sh.GrantToID, perms, envs, sh.GrantedBy, formatTime(sh.CreatedAt), formatTimePtr(sh.ExpiresAt))
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

// ListShares returns every share of a service, expired ones included.
func (r Repo) ListShares(ctx context.Context, serviceID string) ([]domain.ServiceShare, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+shareColumns+` FROM service_shares WHERE service_id=? ORDER BY created_at, id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sh)
	}
	return res, rows.Err()
}

// ListSharesForGrantee returns shares granted to the user directly or to any of teamIDs.
func (r Repo) ListSharesForGrantee(ctx context.Context, userID string, teamIDs []string) ([]domain.ServiceShare, error) {
	query := `SELECT ` + shareColumns + ` FROM service_shares WHERE (grant_to_type='USER' AND grant_to_id=?)`
	args := []any{userID}
	if len(teamIDs) > 0 {
		query += ` OR (grant_to_type='TEAM' AND grant_to_id IN (` + placeholders(len(teamIDs)) + `))`
		for _, t := range teamIDs {
			args = append(args, t)
		}
	}
	query += ` ORDER BY service_id, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sh)
	}
	return res, rows.Err()
}

func (r Repo) DeleteShare(ctx context.Context, serviceID, id string, recs ...events.Record) error {
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM service_shares WHERE id=? AND service_id=?`, id, serviceID)
		return expectOne(res, err, ErrNotFound)
	})
}

// PurgeExpiredShares physically removes shares that expired before now.
func (r Repo) PurgeExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM service_shares WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

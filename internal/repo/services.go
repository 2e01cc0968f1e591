package repo

import (
	"context"
	"database/sql"
	"strings"

	"driftline/internal/domain"
	"driftline/internal/events"
)

const serviceColumns = `id,display_name,owner_team_id,lifecycle,environments_json,tags_json,COALESCE(repo_url,''),attributes_json,created_at,updated_at,created_by,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (domain.ApplicationService, error) {
	var (
		s                    domain.ApplicationService
		owner                sql.NullString
		envs, tags, attrs    string
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.DisplayName, &owner, &s.Lifecycle, &envs, &tags, &s.RepoURL, &attrs, &createdAt, &updatedAt, &s.CreatedBy, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if owner.Valid && owner.String != "" {
		v := owner.String
		s.OwnerTeamID = &v
	}
	if err := unmarshalJSON(envs, &s.Environments); err != nil {
		return s, err
	}
	if err := unmarshalJSON(tags, &s.Tags); err != nil {
		return s, err
	}
	if err := unmarshalJSON(attrs, &s.Attributes); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	s.UpdatedAt, err = parseTime(updatedAt)
	return s, err
}

func serviceJSON(s domain.ApplicationService) (envs, tags, attrs string, err error) {
	if s.Environments == nil {
		s.Environments = []string{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	if s.Attributes == nil {
		s.Attributes = map[string]string{}
	}
	if envs, err = marshalJSON(s.Environments); err != nil {
		return
	}
	if tags, err = marshalJSON(s.Tags); err != nil {
		return
	}
	attrs, err = marshalJSON(s.Attributes)
	return
}

// InsertService creates a service with version 1. ErrDuplicate if the id is taken.
func (r Repo) InsertService(ctx context.Context, s domain.ApplicationService, recs ...events.Record) error {
	envs, tags, attrs, err := serviceJSON(s)
	if err != nil {
		return err
	}
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO services(id,display_name,owner_team_id,lifecycle,environments_json,tags_json,repo_url,attributes_json,created_at,updated_at,created_by,version) VALUES (?,?,?,?,?,?,?,?,?,?,?,1)`,
			s.ID, s.DisplayName, nullableStringPtr(s.OwnerTeamID), s.Lifecycle, envs, tags, nullable(s.RepoURL), attrs, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), s.CreatedBy)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

func (r Repo) GetService(ctx context.Context, id string) (domain.ApplicationService, error) {
	return scanService(r.DB.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=?`, id))
}

type ServiceFilters struct {
	Lifecycle   domain.Lifecycle
	OwnerTeamID string
	Orphaned    bool
}

func (r Repo) ListServices(ctx context.Context, f ServiceFilters) ([]domain.ApplicationService, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Lifecycle != "" {
		clauses = append(clauses, "lifecycle=?")
		args = append(args, f.Lifecycle)
	}
	if f.OwnerTeamID != "" {
		clauses = append(clauses, "owner_team_id=?")
		args = append(args, f.OwnerTeamID)
	}
	if f.Orphaned {
		clauses = append(clauses, "(owner_team_id IS NULL OR owner_team_id='')")
	}
	query := `SELECT ` + serviceColumns + ` FROM services`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApplicationService
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateService overwrites mutable fields when the stored version equals expectedVersion.
// The denormalized team of every instance follows the owner.
func (r Repo) UpdateService(ctx context.Context, s domain.ApplicationService, expectedVersion int64, recs ...events.Record) (domain.ApplicationService, error) {
	envs, tags, attrs, err := serviceJSON(s)
	if err != nil {
		return s, err
	}
	err = r.inTx(ctx, recs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE services SET display_name=?,owner_team_id=?,lifecycle=?,environments_json=?,tags_json=?,repo_url=?,attributes_json=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
			s.DisplayName, nullableStringPtr(s.OwnerTeamID), s.Lifecycle, envs, tags, nullable(s.RepoURL), attrs, formatTime(s.UpdatedAt), s.ID, expectedVersion)
		if err := expectOne(res, err, ErrVersionConflict); err != nil {
			return err
		}
		return setInstanceTeamTx(ctx, tx, s.ID, s.OwnerTeamID)
	})
	if err != nil {
		return s, err
	}
	s.Version = expectedVersion + 1
	return s, nil
}

func setInstanceTeamTx(ctx context.Context, tx *sql.Tx, serviceID string, teamID *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE instances SET team_id=? WHERE service_id=?`, nullableStringPtr(teamID), serviceID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE drift_events SET team_id=? WHERE service_id=? AND status IN ('DETECTED','ACKNOWLEDGED','RESOLVING')`, nullableStringPtr(teamID), serviceID)
	return err
}

// DeleteServiceCascade removes a service and everything scoped to it in one transaction.
func (r Repo) DeleteServiceCascade(ctx context.Context, id string, recs ...events.Record) error {
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM instances WHERE service_id=?`,
			`DELETE FROM drift_events WHERE service_id=?`,
			`DELETE FROM service_shares WHERE service_id=?`,
			`DELETE FROM approval_requests WHERE service_id=?`,
			`DELETE FROM kv_entries WHERE service_id=?`,
			`DELETE FROM agent_keys WHERE service_id=?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id=?`, id)
		return expectOne(res, err, ErrNotFound)
	})
}

package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"driftline/internal/domain"
	"driftline/internal/events"
)

const driftColumns = `id,service_name,instance_id,service_id,COALESCE(team_id,''),COALESCE(environment,''),expected_hash,applied_hash,severity,status,detected_at,resolved_at,detected_by,COALESCE(resolved_by,''),COALESCE(notes,'')`

const openDriftStatuses = `('DETECTED','ACKNOWLEDGED','RESOLVING')`

func scanDriftEvent(row rowScanner) (domain.DriftEvent, error) {
	var (
		ev         domain.DriftEvent
		detectedAt string
		resolvedAt sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.ServiceName, &ev.InstanceID, &ev.ServiceID, &ev.TeamID, &ev.Environment, &ev.ExpectedHash,
		&ev.AppliedHash, &ev.Severity, &ev.Status, &detectedAt, &resolvedAt, &ev.DetectedBy, &ev.ResolvedBy, &ev.Notes)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if ev.DetectedAt, err = parseTime(detectedAt); err != nil {
		return ev, err
	}
	ev.ResolvedAt, err = parseNullTime(resolvedAt)
	return ev, err
}

func openDriftExistsTx(ctx context.Context, tx *sql.Tx, serviceID, instanceID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM drift_events WHERE service_id=? AND instance_id=? AND status IN `+openDriftStatuses+` LIMIT 1`, serviceID, instanceID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func insertDriftEventTx(ctx context.Context, tx *sql.Tx, ev domain.DriftEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drift_events(id,service_name,instance_id,service_id,team_id,environment,expected_hash,applied_hash,severity,status,detected_at,resolved_at,detected_by,resolved_by,notes) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ServiceName, ev.InstanceID, ev.ServiceID, nullable(ev.TeamID), nullable(ev.Environment), ev.ExpectedHash, ev.AppliedHash,
		ev.Severity, ev.Status, formatTime(ev.DetectedAt), formatTimePtr(ev.ResolvedAt), ev.DetectedBy, nullable(ev.ResolvedBy), nullable(ev.Notes))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetDriftEvent(ctx context.Context, id string) (domain.DriftEvent, error) {
	return scanDriftEvent(r.DB.QueryRowContext(ctx, `SELECT `+driftColumns+` FROM drift_events WHERE id=?`, id))
}

// OpenDriftEvent returns the unresolved event of an instance, if any.
func (r Repo) OpenDriftEvent(ctx context.Context, serviceID, instanceID string) (domain.DriftEvent, error) {
	return scanDriftEvent(r.DB.QueryRowContext(ctx, `SELECT `+driftColumns+` FROM drift_events WHERE service_id=? AND instance_id=? AND status IN `+openDriftStatuses+` LIMIT 1`, serviceID, instanceID))
}

func (r Repo) ListDriftEvents(ctx context.Context, f domain.DriftEventFilters) ([]domain.DriftEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ServiceID != "" {
		clauses = append(clauses, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if len(f.TeamIDs) > 0 {
		clauses = append(clauses, "team_id IN ("+placeholders(len(f.TeamIDs))+")")
		for _, t := range f.TeamIDs {
			args = append(args, t)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OpenOnly {
		clauses = append(clauses, "status IN "+openDriftStatuses)
	}
	query := `SELECT ` + driftColumns + ` FROM drift_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DriftEvent
	for rows.Next() {
		ev, err := scanDriftEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// TransitionDriftEvent moves ev from status `from` to ev.Status. Zero rows means someone else moved it first.
func (r Repo) TransitionDriftEvent(ctx context.Context, ev domain.DriftEvent, from domain.DriftStatus, recs ...events.Record) error {
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE drift_events SET status=?,resolved_at=?,resolved_by=?,notes=? WHERE id=? AND status=?`,
			ev.Status, formatTimePtr(ev.ResolvedAt), nullable(ev.ResolvedBy), nullable(ev.Notes), ev.ID, from)
		return expectOne(res, err, ErrVersionConflict)
	})
}

// PurgeDriftEvents deletes events detected before cutoff regardless of status.
func (r Repo) PurgeDriftEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM drift_events WHERE detected_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

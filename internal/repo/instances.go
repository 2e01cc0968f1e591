package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"driftline/internal/domain"
	"driftline/internal/events"
)

const instanceColumns = `service_id,instance_id,COALESCE(host,''),COALESCE(port,0),COALESCE(environment,''),COALESCE(version,''),COALESCE(config_hash,''),COALESCE(expected_hash,''),COALESCE(last_applied_hash,''),status,has_drift,last_seen_at,drift_detected_at,metadata_json,COALESCE(team_id,''),revision`

func scanInstance(row rowScanner) (domain.ServiceInstance, error) {
	var (
		inst          domain.ServiceInstance
		hasDrift      int
		lastSeen      string
		driftDetected sql.NullString
		metadata      string
	)
	err := row.Scan(&inst.ServiceID, &inst.InstanceID, &inst.Host, &inst.Port, &inst.Environment, &inst.Version,
		&inst.ConfigHash, &inst.ExpectedHash, &inst.LastAppliedHash, &inst.Status, &hasDrift, &lastSeen, &driftDetected,
		&metadata, &inst.TeamID, &inst.Revision)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.HasDrift = hasDrift != 0
	if inst.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return inst, err
	}
	if inst.DriftDetectedAt, err = parseNullTime(driftDetected); err != nil {
		return inst, err
	}
	err = unmarshalJSON(metadata, &inst.Metadata)
	return inst, err
}

func (r Repo) GetInstance(ctx context.Context, serviceID, instanceID string) (domain.ServiceInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE service_id=? AND instance_id=?`, serviceID, instanceID))
}

// InstanceWrite is one linearized mutation of an instance document.
type InstanceWrite struct {
	Instance domain.ServiceInstance
	// ExpectedRevision 0 inserts; otherwise the stored revision must match.
	ExpectedRevision int64
	// OpenDrift is inserted unless the instance already has an open event.
	OpenDrift *domain.DriftEvent
	Events    []events.Record
	// OnOpen is recorded only when OpenDrift was inserted.
	OnOpen []events.Record
}

// WriteInstance applies w atomically and returns the stored instance and whether a drift event was opened.
func (r Repo) WriteInstance(ctx context.Context, w InstanceWrite) (domain.ServiceInstance, bool, error) {
	inst := w.Instance
	metadata := inst.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return inst, false, err
	}
	var opened bool
	err = r.inTx(ctx, nil, func(tx *sql.Tx) error {
		hasDrift := 0
		if inst.HasDrift {
			hasDrift = 1
		}
		if w.ExpectedRevision == 0 {
			_, err := tx.ExecContext(ctx, `INSERT INTO instances(service_id,instance_id,host,port,environment,version,config_hash,expected_hash,last_applied_hash,status,has_drift,last_seen_at,drift_detected_at,metadata_json,team_id,revision) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
				inst.ServiceID, inst.InstanceID, nullable(inst.Host), inst.Port, nullable(inst.Environment), nullable(inst.Version),
				nullable(inst.ConfigHash), nullable(inst.ExpectedHash), nullable(inst.LastAppliedHash), inst.Status, hasDrift,
				formatTime(inst.LastSeenAt), formatTimePtr(inst.DriftDetectedAt), metaJSON, nullable(inst.TeamID))
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			if err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, `UPDATE instances SET host=?,port=?,environment=?,version=?,config_hash=?,expected_hash=?,last_applied_hash=?,status=?,has_drift=?,last_seen_at=?,drift_detected_at=?,metadata_json=?,team_id=?,revision=revision+1 WHERE service_id=? AND instance_id=? AND revision=?`,
				nullable(inst.Host), inst.Port, nullable(inst.Environment), nullable(inst.Version),
				nullable(inst.ConfigHash), nullable(inst.ExpectedHash), nullable(inst.LastAppliedHash), inst.Status, hasDrift,
				formatTime(inst.LastSeenAt), formatTimePtr(inst.DriftDetectedAt), metaJSON, nullable(inst.TeamID),
				inst.ServiceID, inst.InstanceID, w.ExpectedRevision)
			if err := expectOne(res, err, ErrVersionConflict); err != nil {
				return err
			}
		}
		if w.OpenDrift != nil {
			exists, err := openDriftExistsTx(ctx, tx, inst.ServiceID, inst.InstanceID)
			if err != nil {
				return err
			}
			if !exists {
				if err := insertDriftEventTx(ctx, tx, *w.OpenDrift); err != nil {
					return err
				}
				opened = true
			}
		}
		recs := w.Events
		if opened {
			recs = append(append([]events.Record(nil), recs...), w.OnOpen...)
		}
		for _, rec := range recs {
			if err := r.Events.Append(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return inst, false, err
	}
	inst.Revision = w.ExpectedRevision + 1
	return inst, opened, nil
}

// ListInstances returns instances matching c that were seen at or after seenSince.
func (r Repo) ListInstances(ctx context.Context, c domain.InstanceCriteria, seenSince time.Time) ([]domain.ServiceInstance, error) {
	clauses := []string{"last_seen_at >= ?"}
	args := []any{formatTime(seenSince)}
	if c.ServiceID != "" {
		clauses = append(clauses, "service_id=?")
		args = append(args, c.ServiceID)
	}
	if len(c.TeamIDs) > 0 {
		clauses = append(clauses, "team_id IN ("+placeholders(len(c.TeamIDs))+")")
		for _, t := range c.TeamIDs {
			args = append(args, t)
		}
	}
	if c.Environment != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, c.Environment)
	}
	if c.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, c.Status)
	}
	if c.HasDrift != nil {
		clauses = append(clauses, "has_drift=?")
		if *c.HasDrift {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY service_id, instance_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

func (r Repo) DeleteInstance(ctx context.Context, serviceID, instanceID string, recs ...events.Record) error {
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE service_id=? AND instance_id=?`, serviceID, instanceID)
		return expectOne(res, err, ErrNotFound)
	})
}

// DeleteInstancesSeenBefore physically removes instances whose last heartbeat predates cutoff.
func (r Repo) DeleteInstancesSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM instances WHERE last_seen_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

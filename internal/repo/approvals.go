package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"driftline/internal/domain"
	"driftline/internal/events"
)

const approvalColumns = `id,requester_user_id,request_type,service_id,team_id,required_json,status,snapshot_json,counts_json,COALESCE(reason,''),version,created_at,updated_at`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var (
		req                        domain.ApprovalRequest
		required, snapshot, counts string
		createdAt, updatedAt       string
	)
	err := row.Scan(&req.ID, &req.RequesterUserID, &req.RequestType, &req.Target.ServiceID, &req.Target.TeamID, &required,
		&req.Status, &snapshot, &counts, &req.Reason, &req.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if err := unmarshalJSON(required, &req.Required); err != nil {
		return req, err
	}
	if err := unmarshalJSON(snapshot, &req.RequesterSnapshot); err != nil {
		return req, err
	}
	if err := unmarshalJSON(counts, &req.Counts); err != nil {
		return req, err
	}
	if req.Counts == nil {
		req.Counts = map[string]int{}
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return req, err
	}
	req.UpdatedAt, err = parseTime(updatedAt)
	return req, err
}

// InsertApprovalRequest stores a new request. ErrDuplicate when the requester already has
// a pending request for the same service.
func (r Repo) InsertApprovalRequest(ctx context.Context, req domain.ApprovalRequest, recs ...events.Record) error {
	required, err := marshalJSON(req.Required)
	if err != nil {
		return err
	}
	snapshot, err := marshalJSON(req.RequesterSnapshot)
	if err != nil {
		return err
	}
	counts, err := marshalJSON(req.Counts)
	if err != nil {
		return err
	}
	return r.inTx(ctx, recs, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO approval_requests(id,requester_user_id,request_type,service_id,team_id,required_json,status,snapshot_json,counts_json,reason,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,1,?,?)`,
			req.ID, req.RequesterUserID, req.RequestType, req.Target.ServiceID, req.Target.TeamID, required, req.Status, snapshot, counts,
			nullable(req.Reason), formatTime(req.CreatedAt), formatTime(req.UpdatedAt))
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
}

func (r Repo) GetApprovalRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

func (r Repo) ListApprovalRequests(ctx context.Context, f domain.ApprovalFilters) ([]domain.ApprovalRequest, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ServiceID != "" {
		clauses = append(clauses, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.RequesterUserID != "" {
		clauses = append(clauses, "requester_user_id=?")
		args = append(args, f.RequesterUserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) ListDecisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,approver_user_id,gate,decision,decided_at,COALESCE(note,'') FROM approval_decisions WHERE request_id=? ORDER BY decided_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalDecision
	for rows.Next() {
		var (
			d         domain.ApprovalDecision
			decidedAt string
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ApproverUserID, &d.Gate, &d.Decision, &decidedAt, &d.Note); err != nil {
			return nil, err
		}
		if d.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RequestUpdate is the new state of a request, written only if the stored version still equals ExpectedVersion.
type RequestUpdate struct {
	Request         domain.ApprovalRequest
	ExpectedVersion int64
}

// OwnerUpdate sets a service owner, conditioned on the service version.
type OwnerUpdate struct {
	ServiceID       string
	TeamID          string
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// ApprovalPlan is the full set of writes produced by one decision: the vote, the
// triggering request, every cascaded sibling and the ownership change.
type ApprovalPlan struct {
	Decision *domain.ApprovalDecision
	Updates  []RequestUpdate
	Owner    *OwnerUpdate
	Events   []events.Record
}

// ApplyApprovalPlan writes the plan in a single transaction. Any stale version aborts
// everything with ErrVersionConflict; a repeated vote aborts with ErrDuplicate.
func (r Repo) ApplyApprovalPlan(ctx context.Context, plan ApprovalPlan) error {
	return r.inTx(ctx, plan.Events, func(tx *sql.Tx) error {
		if d := plan.Decision; d != nil {
			_, err := tx.ExecContext(ctx, `INSERT INTO approval_decisions(id,request_id,approver_user_id,gate,decision,decided_at,note) VALUES (?,?,?,?,?,?,?)`,
				d.ID, d.RequestID, d.ApproverUserID, d.Gate, d.Decision, formatTime(d.DecidedAt), nullable(d.Note))
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			if err != nil {
				return err
			}
		}
		for _, u := range plan.Updates {
			counts, err := marshalJSON(u.Request.Counts)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `UPDATE approval_requests SET status=?,counts_json=?,reason=?,updated_at=?,version=version+1 WHERE id=? AND version=? AND status='PENDING'`,
				u.Request.Status, counts, nullable(u.Request.Reason), formatTime(u.Request.UpdatedAt), u.Request.ID, u.ExpectedVersion)
			if err := expectOne(res, err, ErrVersionConflict); err != nil {
				return err
			}
		}
		if o := plan.Owner; o != nil {
			res, err := tx.ExecContext(ctx, `UPDATE services SET owner_team_id=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
				o.TeamID, formatTime(o.UpdatedAt), o.ServiceID, o.ExpectedVersion)
			if err := expectOne(res, err, ErrVersionConflict); err != nil {
				return err
			}
			team := o.TeamID
			if err := setInstanceTeamTx(ctx, tx, o.ServiceID, &team); err != nil {
				return err
			}
		}
		return nil
	})
}

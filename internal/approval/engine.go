// Package approval runs the multi-gate approval workflow that governs service
// ownership. A request settles once every required gate has enough approvals;
// settling one ownership request settles every competing one in the same write.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/notify"
	"driftline/internal/occ"
	"driftline/internal/repo"
)

type Store interface {
	GetService(ctx context.Context, id string) (domain.ApplicationService, error)
	InsertApprovalRequest(ctx context.Context, req domain.ApprovalRequest, recs ...events.Record) error
	GetApprovalRequest(ctx context.Context, id string) (domain.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, f domain.ApprovalFilters) ([]domain.ApprovalRequest, error)
	ListDecisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error)
	ApplyApprovalPlan(ctx context.Context, plan repo.ApprovalPlan) error
}

type Engine struct {
	Store    Store
	Access   access.Filter
	Notifier notify.Notifier
	// DefaultGates apply when a request names no gates.
	DefaultGates map[domain.RequestType][]domain.GateRequirement
	Retry        occ.Policy
	Now          func() time.Time
	Logger       *zap.Logger
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) notifier() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.Nop{}
}

var fallbackGates = []domain.GateRequirement{{Gate: domain.GateSysAdmin, MinApprovals: 1}}

func (e Engine) gatesFor(t domain.RequestType, requested []domain.GateRequirement) ([]domain.GateRequirement, error) {
	gates := requested
	if len(gates) == 0 {
		gates = e.DefaultGates[t]
	}
	if len(gates) == 0 {
		gates = fallbackGates
	}
	seen := map[string]bool{}
	out := make([]domain.GateRequirement, 0, len(gates))
	for _, g := range gates {
		g.Gate = strings.TrimSpace(g.Gate)
		if g.Gate == "" {
			return nil, apperr.Invalid("required", "gate name required")
		}
		if g.MinApprovals < 1 {
			return nil, apperr.Invalid("required", fmt.Sprintf("gate %s needs min_approvals >= 1", g.Gate))
		}
		if seen[g.Gate] {
			return nil, apperr.Invalid("required", fmt.Sprintf("gate %s listed twice", g.Gate))
		}
		seen[g.Gate] = true
		out = append(out, g)
	}
	return out, nil
}

type CreateInput struct {
	Type     domain.RequestType
	Target   domain.ApprovalTarget
	Required []domain.GateRequirement
	Reason   string
}

// Create opens a request for the caller. The requester snapshot is frozen here.
func (e Engine) Create(ctx context.Context, user domain.UserContext, in CreateInput) (domain.ApprovalRequest, error) {
	if !in.Type.Valid() {
		return domain.ApprovalRequest{}, apperr.Invalid("request_type", fmt.Sprintf("unknown request type %q", in.Type))
	}
	if strings.TrimSpace(in.Target.ServiceID) == "" {
		return domain.ApprovalRequest{}, apperr.Invalid("target.service_id", "required")
	}
	if strings.TrimSpace(in.Target.TeamID) == "" {
		return domain.ApprovalRequest{}, apperr.Invalid("target.team_id", "required")
	}
	required, err := e.gatesFor(in.Type, in.Required)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	svc, err := e.Access.Authorize(ctx, user, access.Resource{ServiceID: in.Target.ServiceID}, domain.PermRead)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	switch in.Type {
	case domain.RequestClaimOwnership:
		if !svc.Orphaned() {
			return domain.ApprovalRequest{}, apperr.Invalid("target.service_id", "service already has an owner; use TRANSFER_OWNERSHIP")
		}
		if !user.IsSysAdmin && !user.InTeam(in.Target.TeamID) {
			return domain.ApprovalRequest{}, apperr.Invalid("target.team_id", "requester is not a member of the target team")
		}
	case domain.RequestTransferOwnership:
		if svc.Orphaned() {
			return domain.ApprovalRequest{}, apperr.Invalid("target.service_id", "service has no owner; use CLAIM_OWNERSHIP")
		}
		if svc.OwnedBy(in.Target.TeamID) {
			return domain.ApprovalRequest{}, apperr.Invalid("target.team_id", "service is already owned by the target team")
		}
		if !user.IsSysAdmin && !user.InTeam(in.Target.TeamID) && !user.InTeam(*svc.OwnerTeamID) {
			return domain.ApprovalRequest{}, apperr.Invalid("target.team_id", "requester belongs to neither the owner nor the target team")
		}
	}
	now := e.now()
	req := domain.ApprovalRequest{
		ID:              uuid.NewString(),
		RequesterUserID: user.UserID,
		RequestType:     in.Type,
		Target:          in.Target,
		Required:        required,
		Status:          domain.ApprovalPending,
		RequesterSnapshot: domain.RequesterSnapshot{
			TeamIDs:   append([]string(nil), user.TeamIDs...),
			Roles:     append([]string(nil), user.Roles...),
			ManagerID: user.ManagerID,
		},
		Counts:    map[string]int{},
		Reason:    in.Reason,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.Store.InsertApprovalRequest(ctx, req, events.Record{
		Type: "approval.created", ServiceID: req.Target.ServiceID, EntityKind: "approval_request", EntityID: req.ID, ActorID: user.UserID,
		Payload: events.EventPayload{"request_type": req.RequestType, "team_id": req.Target.TeamID, "required": req.Required},
	})
	if errors.Is(err, repo.ErrDuplicate) {
		dup := &DuplicateRequestError{RequesterUserID: user.UserID, ServiceID: in.Target.ServiceID}
		if pending, lerr := e.Store.ListApprovalRequests(ctx, domain.ApprovalFilters{
			ServiceID: in.Target.ServiceID, RequesterUserID: user.UserID, Status: domain.ApprovalPending, Limit: 1,
		}); lerr == nil && len(pending) > 0 {
			dup.ExistingID = pending[0].ID
		}
		return domain.ApprovalRequest{}, dup
	}
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.logger().Info("approval request created", zap.String("request_id", req.ID), zap.String("service", req.Target.ServiceID),
		zap.String("team_id", req.Target.TeamID), zap.String("requester", user.UserID))
	return req, nil
}

// Eligible reports whether user may vote on gate for req. svc is the service's current state.
func Eligible(user domain.UserContext, gate string, req domain.ApprovalRequest, svc domain.ApplicationService) bool {
	switch gate {
	case domain.GateSysAdmin:
		return user.IsSysAdmin || user.HasRole(domain.RoleSysAdmin)
	case domain.GateTeamManager:
		return req.RequesterSnapshot.ManagerID != "" && user.UserID == req.RequesterSnapshot.ManagerID
	case domain.GateServiceOwner:
		return !svc.Orphaned() && user.InTeam(*svc.OwnerTeamID)
	default:
		return user.HasRole(gate)
	}
}

type DecideInput struct {
	RequestID string
	Gate      string
	Decision  domain.Vote
	Note      string
}

type DecideResult struct {
	Request  domain.ApprovalRequest   `json:"request"`
	Decision domain.ApprovalDecision  `json:"decision"`
	Cascaded []domain.ApprovalRequest `json:"cascaded,omitempty"`
}

// Decide records the caller's vote and, when the request settles, applies the
// cascades and the ownership change in the same transaction. Lost races are
// retried from fresh state.
func (e Engine) Decide(ctx context.Context, user domain.UserContext, in DecideInput) (DecideResult, error) {
	if in.Decision != domain.VoteApprove && in.Decision != domain.VoteReject {
		return DecideResult{}, apperr.Invalid("decision", "must be APPROVE or REJECT")
	}
	if strings.TrimSpace(in.Gate) == "" {
		return DecideResult{}, apperr.Invalid("gate", "required")
	}
	log := e.logger().With(zap.String("request_id", in.RequestID), zap.String("approver", user.UserID), zap.String("gate", in.Gate))
	var result DecideResult
	err := occ.Do(ctx, e.Retry, func(ctx context.Context) error {
		plan, res, err := e.planDecision(ctx, user, in)
		if err != nil {
			return err
		}
		if err := e.Store.ApplyApprovalPlan(ctx, plan); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return &AlreadyDecidedError{RequestID: in.RequestID, ApproverUserID: user.UserID, Gate: in.Gate}
			}
			if occ.IsConflict(err) {
				log.Debug("approval decision lost a race, retrying")
			}
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, occ.ErrExhausted) {
		return DecideResult{}, apperr.Conflict("request %s is being decided concurrently; retry", in.RequestID)
	}
	if err != nil {
		return DecideResult{}, err
	}
	if result.Request.Status.Terminal() {
		log.Info("approval request settled", zap.String("status", string(result.Request.Status)), zap.Int("cascaded", len(result.Cascaded)))
		e.notifier().ApprovalTransition(ctx, result.Request)
	}
	for _, sib := range result.Cascaded {
		e.notifier().ApprovalTransition(ctx, sib)
	}
	return result, nil
}

func (e Engine) planDecision(ctx context.Context, user domain.UserContext, in DecideInput) (repo.ApprovalPlan, DecideResult, error) {
	req, err := e.Store.GetApprovalRequest(ctx, in.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.ApprovalPlan{}, DecideResult{}, apperr.NotFound("approval request", in.RequestID)
	}
	if err != nil {
		return repo.ApprovalPlan{}, DecideResult{}, err
	}
	if req.Status.Terminal() {
		return repo.ApprovalPlan{}, DecideResult{}, &apperr.ConflictError{Reason: fmt.Sprintf("request %s is already %s", req.ID, req.Status), Current: req.Status}
	}
	if !req.Requires(in.Gate) {
		return repo.ApprovalPlan{}, DecideResult{}, apperr.Invalid("gate", fmt.Sprintf("request %s does not require gate %s", req.ID, in.Gate))
	}
	svc, err := e.Store.GetService(ctx, req.Target.ServiceID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.ApprovalPlan{}, DecideResult{}, apperr.NotFound("service", req.Target.ServiceID)
	}
	if err != nil {
		return repo.ApprovalPlan{}, DecideResult{}, err
	}
	if req.RequesterUserID == user.UserID {
		return repo.ApprovalPlan{}, DecideResult{}, &NotEligibleError{ApproverUserID: user.UserID, Gate: in.Gate, Reason: "requesters cannot vote on their own request"}
	}
	if !Eligible(user, in.Gate, req, svc) {
		return repo.ApprovalPlan{}, DecideResult{}, &NotEligibleError{ApproverUserID: user.UserID, Gate: in.Gate}
	}
	decisions, err := e.Store.ListDecisions(ctx, req.ID)
	if err != nil {
		return repo.ApprovalPlan{}, DecideResult{}, err
	}
	for _, d := range decisions {
		if d.ApproverUserID == user.UserID && d.Gate == in.Gate {
			return repo.ApprovalPlan{}, DecideResult{}, &AlreadyDecidedError{RequestID: req.ID, ApproverUserID: user.UserID, Gate: in.Gate}
		}
	}

	now := e.now()
	decision := domain.ApprovalDecision{
		ID:             uuid.NewString(),
		RequestID:      req.ID,
		ApproverUserID: user.UserID,
		Gate:           in.Gate,
		Decision:       in.Decision,
		DecidedAt:      now,
		Note:           in.Note,
	}
	expected := req.Version
	next := req
	next.Counts = copyCounts(req.Counts)
	next.UpdatedAt = now
	next.Version = expected + 1

	plan := repo.ApprovalPlan{Decision: &decision}
	plan.Events = append(plan.Events, events.Record{
		Type: "approval.decided", ServiceID: req.Target.ServiceID, EntityKind: "approval_request", EntityID: req.ID, ActorID: user.UserID,
		Payload: events.EventPayload{"gate": in.Gate, "decision": in.Decision},
	})
	result := DecideResult{Decision: decision}

	switch in.Decision {
	case domain.VoteReject:
		next.Status = domain.ApprovalRejected
		next.Reason = fmt.Sprintf("rejected by %s at gate %s", user.UserID, in.Gate)
		if in.Note != "" {
			next.Reason += ": " + in.Note
		}
	case domain.VoteApprove:
		next.Counts[in.Gate]++
		if next.GatesSatisfied() {
			next.Status = domain.ApprovalApproved
		}
	}
	plan.Updates = append(plan.Updates, repo.RequestUpdate{Request: next, ExpectedVersion: expected})
	if next.Status.Terminal() {
		plan.Events = append(plan.Events, statusEvent(next, user.UserID))
	}

	if next.Status == domain.ApprovalApproved && next.RequestType.Ownership() {
		cascaded, err := e.planCascades(ctx, &plan, next, now)
		if err != nil {
			return repo.ApprovalPlan{}, DecideResult{}, err
		}
		result.Cascaded = cascaded
		if !svc.OwnedBy(next.Target.TeamID) {
			plan.Owner = &repo.OwnerUpdate{ServiceID: svc.ID, TeamID: next.Target.TeamID, ExpectedVersion: svc.Version, UpdatedAt: now}
			plan.Events = append(plan.Events, events.Record{
				Type: "service.owner_changed", ServiceID: svc.ID, EntityKind: "service", EntityID: svc.ID, ActorID: user.UserID,
				Payload: events.EventPayload{"from": ownerOf(svc), "to": next.Target.TeamID, "request_id": next.ID},
			})
		}
	}
	result.Request = next
	return plan, result, nil
}

// planCascades settles every other pending ownership request on the service:
// same target team is approved, any other team is rejected.
func (e Engine) planCascades(ctx context.Context, plan *repo.ApprovalPlan, approved domain.ApprovalRequest, now time.Time) ([]domain.ApprovalRequest, error) {
	pending, err := e.Store.ListApprovalRequests(ctx, domain.ApprovalFilters{ServiceID: approved.Target.ServiceID, Status: domain.ApprovalPending})
	if err != nil {
		return nil, err
	}
	var out []domain.ApprovalRequest
	for _, sib := range pending {
		if sib.ID == approved.ID || !sib.RequestType.Ownership() {
			continue
		}
		expected := sib.Version
		sib.UpdatedAt = now
		sib.Version = expected + 1
		if sib.Target.TeamID == approved.Target.TeamID {
			sib.Status = domain.ApprovalApproved
			sib.Reason = fmt.Sprintf("auto-approved: ownership settled on team %s by request %s", approved.Target.TeamID, approved.ID)
		} else {
			sib.Status = domain.ApprovalRejected
			sib.Reason = fmt.Sprintf("auto-rejected: ownership settled on team %s by request %s", approved.Target.TeamID, approved.ID)
		}
		plan.Updates = append(plan.Updates, repo.RequestUpdate{Request: sib, ExpectedVersion: expected})
		plan.Events = append(plan.Events, statusEvent(sib, domain.SystemUser.UserID))
		out = append(out, sib)
	}
	return out, nil
}

// Cancel withdraws a pending request. Only the requester or a sys-admin may cancel.
func (e Engine) Cancel(ctx context.Context, user domain.UserContext, id, reason string) (domain.ApprovalRequest, error) {
	var out domain.ApprovalRequest
	err := occ.Do(ctx, e.Retry, func(ctx context.Context) error {
		req, err := e.Get(ctx, user, id)
		if err != nil {
			return err
		}
		if req.RequesterUserID != user.UserID && !user.IsSysAdmin {
			return apperr.Denied("cancel another user's request")
		}
		if req.Status.Terminal() {
			return &apperr.ConflictError{Reason: fmt.Sprintf("request %s is already %s", req.ID, req.Status), Current: req.Status}
		}
		next := req
		next.Status = domain.ApprovalCancelled
		next.Reason = reason
		next.UpdatedAt = e.now()
		next.Version = req.Version + 1
		err = e.Store.ApplyApprovalPlan(ctx, repo.ApprovalPlan{
			Updates: []repo.RequestUpdate{{Request: next, ExpectedVersion: req.Version}},
			Events:  []events.Record{statusEvent(next, user.UserID)},
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.ApprovalRequest{}, apperr.Conflict("request %s is being modified concurrently", id)
	}
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.notifier().ApprovalTransition(ctx, out)
	return out, nil
}

// canView: requester, sys-admins, members of the target or owner team, and anyone eligible for a gate.
func canView(user domain.UserContext, req domain.ApprovalRequest, svc *domain.ApplicationService) bool {
	if user.IsSysAdmin || req.RequesterUserID == user.UserID || user.InTeam(req.Target.TeamID) {
		return true
	}
	var current domain.ApplicationService
	if svc != nil {
		current = *svc
		if access.IsOwner(user, current) {
			return true
		}
	}
	for _, g := range req.Required {
		if Eligible(user, g.Gate, req, current) {
			return true
		}
	}
	return false
}

func (e Engine) Get(ctx context.Context, user domain.UserContext, id string) (domain.ApprovalRequest, error) {
	req, err := e.Store.GetApprovalRequest(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return req, apperr.NotFound("approval request", id)
	}
	if err != nil {
		return req, err
	}
	svc, err := e.loadService(ctx, req.Target.ServiceID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !canView(user, req, svc) {
		return domain.ApprovalRequest{}, apperr.NotFound("approval request", id)
	}
	return req, nil
}

func (e Engine) Decisions(ctx context.Context, user domain.UserContext, id string) ([]domain.ApprovalDecision, error) {
	if _, err := e.Get(ctx, user, id); err != nil {
		return nil, err
	}
	return e.Store.ListDecisions(ctx, id)
}

// List returns requests matching f that the caller may see.
func (e Engine) List(ctx context.Context, user domain.UserContext, f domain.ApprovalFilters) ([]domain.ApprovalRequest, error) {
	all, err := e.Store.ListApprovalRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	cache := map[string]*domain.ApplicationService{}
	out := make([]domain.ApprovalRequest, 0, len(all))
	for _, req := range all {
		svc, ok := cache[req.Target.ServiceID]
		if !ok {
			if svc, err = e.loadService(ctx, req.Target.ServiceID); err != nil {
				return nil, err
			}
			cache[req.Target.ServiceID] = svc
		}
		if canView(user, req, svc) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Inbox lists pending requests the caller can still vote on.
func (e Engine) Inbox(ctx context.Context, user domain.UserContext) ([]domain.ApprovalRequest, error) {
	pending, err := e.Store.ListApprovalRequests(ctx, domain.ApprovalFilters{Status: domain.ApprovalPending})
	if err != nil {
		return nil, err
	}
	var out []domain.ApprovalRequest
	for _, req := range pending {
		if req.RequesterUserID == user.UserID {
			continue
		}
		svc, err := e.loadService(ctx, req.Target.ServiceID)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			continue
		}
		decisions, err := e.Store.ListDecisions(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		voted := map[string]bool{}
		for _, d := range decisions {
			if d.ApproverUserID == user.UserID {
				voted[d.Gate] = true
			}
		}
		for _, g := range req.Required {
			if !voted[g.Gate] && req.Counts[g.Gate] < g.MinApprovals && Eligible(user, g.Gate, req, *svc) {
				out = append(out, req)
				break
			}
		}
	}
	return out, nil
}

func (e Engine) loadService(ctx context.Context, id string) (*domain.ApplicationService, error) {
	svc, err := e.Store.GetService(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func statusEvent(req domain.ApprovalRequest, actor string) events.Record {
	return events.Record{
		Type: "approval." + strings.ToLower(string(req.Status)), ServiceID: req.Target.ServiceID, EntityKind: "approval_request",
		EntityID: req.ID, ActorID: actor, Payload: events.EventPayload{"team_id": req.Target.TeamID, "reason": req.Reason},
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func ownerOf(svc domain.ApplicationService) string {
	if svc.OwnerTeamID == nil {
		return ""
	}
	return *svc.OwnerTeamID
}

// Package instance tracks running service instances from their heartbeats.
// Instances that stop reporting for longer than the TTL are treated as gone.
package instance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/drift"
	"driftline/internal/events"
	"driftline/internal/notify"
	"driftline/internal/occ"
	"driftline/internal/repo"
)

const DefaultTTL = time.Hour

type Store interface {
	GetService(ctx context.Context, id string) (domain.ApplicationService, error)
	GetInstance(ctx context.Context, serviceID, instanceID string) (domain.ServiceInstance, error)
	WriteInstance(ctx context.Context, w repo.InstanceWrite) (domain.ServiceInstance, bool, error)
	ListInstances(ctx context.Context, c domain.InstanceCriteria, seenSince time.Time) ([]domain.ServiceInstance, error)
	DeleteInstance(ctx context.Context, serviceID, instanceID string, recs ...events.Record) error
	DeleteInstancesSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	OpenDriftEvent(ctx context.Context, serviceID, instanceID string) (domain.DriftEvent, error)
}

type Registry struct {
	Store    Store
	Detector drift.Detector
	Access   access.Filter
	Notifier notify.Notifier
	TTL      time.Duration
	Retry    occ.Policy
	Now      func() time.Time
	Logger   *zap.Logger
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Registry) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultTTL
}

func (r Registry) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Registry) notifier() notify.Notifier {
	if r.Notifier != nil {
		return r.Notifier
	}
	return notify.Nop{}
}

func (r Registry) ownerTeam(ctx context.Context, serviceID string) (string, error) {
	svc, err := r.Store.GetService(ctx, serviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if svc.OwnerTeamID == nil {
		return "", nil
	}
	return *svc.OwnerTeamID, nil
}

func validateHeartbeat(hb domain.Heartbeat) error {
	if strings.TrimSpace(hb.ServiceName) == "" {
		return apperr.Invalid("service_name", "required")
	}
	if strings.TrimSpace(hb.InstanceID) == "" {
		return apperr.Invalid("instance_id", "required")
	}
	if hb.Port < 0 || hb.Port > 65535 {
		return apperr.Invalid("port", "out of range")
	}
	return nil
}

// RecordHeartbeat upserts the instance, refreshes its liveness and evaluates drift.
// A registry outage skips evaluation and keeps the previous drift state.
func (r Registry) RecordHeartbeat(ctx context.Context, hb domain.Heartbeat) (domain.ServiceInstance, error) {
	if err := validateHeartbeat(hb); err != nil {
		return domain.ServiceInstance{}, err
	}
	log := r.logger().With(zap.String("service", hb.ServiceName), zap.String("instance_id", hb.InstanceID))
	team, err := r.ownerTeam(ctx, hb.ServiceName)
	if err != nil {
		return domain.ServiceInstance{}, err
	}

	var expected map[string]string
	if hb.ConfigHash != "" {
		expected, err = r.Detector.ExpectedConfig(ctx, hb.ServiceName, hb.Environment, hb.Metadata[drift.MetaConfigLabel])
		if err != nil {
			log.Warn("expected config unavailable, drift evaluation skipped", zap.Error(err))
			expected = nil
		}
	}

	var (
		stored domain.ServiceInstance
		eval   drift.Evaluation
		opened bool
	)
	err = occ.Do(ctx, r.Retry, func(ctx context.Context) error {
		cur, err := r.Store.GetInstance(ctx, hb.ServiceName, hb.InstanceID)
		var revision int64
		switch {
		case errors.Is(err, repo.ErrNotFound):
			cur = domain.ServiceInstance{ServiceID: hb.ServiceName, InstanceID: hb.InstanceID, Status: domain.InstanceUnknown}
		case err != nil:
			return err
		default:
			revision = cur.Revision
		}
		cur.Host = hb.Host
		cur.Port = hb.Port
		cur.Environment = hb.Environment
		cur.Version = hb.Version
		cur.Metadata = hb.Metadata
		cur.TeamID = team
		cur.LastSeenAt = r.now()
		if hb.ConfigHash != "" {
			cur.ConfigHash = hb.ConfigHash
		}

		eval = drift.Evaluation{}
		if expected != nil {
			eval = r.Detector.Evaluate(&cur, hb.ConfigHash, expected)
		}
		w := repo.InstanceWrite{Instance: cur, ExpectedRevision: revision, OpenDrift: eval.Candidate}
		if revision == 0 {
			w.Events = append(w.Events, events.Record{
				Type: "instance.registered", ServiceID: cur.ServiceID, EntityKind: "instance", EntityID: cur.InstanceID,
				ActorID: domain.SystemUser.UserID, Payload: events.EventPayload{"source": "heartbeat"},
			})
		}
		if eval.Candidate != nil {
			w.OnOpen = append(w.OnOpen, events.Record{
				Type: "drift.detected", ServiceID: cur.ServiceID, EntityKind: "drift_event", EntityID: eval.Candidate.ID,
				ActorID: domain.SystemUser.UserID, Payload: events.EventPayload{
					"instance_id": cur.InstanceID, "expected_hash": eval.ExpectedHash, "applied_hash": hb.ConfigHash,
				},
			})
		}
		stored, opened, err = r.Store.WriteInstance(ctx, w)
		return err
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.ServiceInstance{}, apperr.Conflict("instance %s/%s is receiving concurrent heartbeats", hb.ServiceName, hb.InstanceID)
	}
	if err != nil {
		return domain.ServiceInstance{}, err
	}
	if opened {
		log.Info("drift detected", zap.String("expected_hash", eval.ExpectedHash), zap.String("applied_hash", hb.ConfigHash))
		r.notifier().DriftDetected(ctx, *eval.Candidate)
	} else if eval.Drifted {
		r.noteStaleOpenEvent(ctx, log, stored, eval.ExpectedHash)
	}
	return stored, nil
}

// noteStaleOpenEvent logs when the registered config moved on while an event is still open.
func (r Registry) noteStaleOpenEvent(ctx context.Context, log *zap.Logger, inst domain.ServiceInstance, expectedHash string) {
	open, err := r.Store.OpenDriftEvent(ctx, inst.ServiceID, inst.InstanceID)
	if err != nil {
		log.Debug("look up open drift event", zap.Error(err))
		return
	}
	if open.ExpectedHash != expectedHash {
		log.Info("open drift event predates current expected config",
			zap.String("event_id", open.ID), zap.String("event_expected_hash", open.ExpectedHash), zap.String("expected_hash", expectedHash))
	}
}

type RegisterInput struct {
	InstanceID  string
	Host        string
	Port        int
	Environment string
	Version     string
	Status      domain.InstanceStatus
	Metadata    map[string]string
}

// Register creates or refreshes an instance without evaluating drift.
func (r Registry) Register(ctx context.Context, user domain.UserContext, serviceID string, in RegisterInput) (domain.ServiceInstance, error) {
	if strings.TrimSpace(in.InstanceID) == "" {
		return domain.ServiceInstance{}, apperr.Invalid("instance_id", "required")
	}
	if in.Status == "" {
		in.Status = domain.InstanceUnknown
	}
	if !in.Status.Valid() || in.Status == domain.InstanceDrift {
		return domain.ServiceInstance{}, apperr.Invalid("status", "must be UNKNOWN, HEALTHY or UNHEALTHY")
	}
	svc, err := r.Access.Authorize(ctx, user, access.Resource{ServiceID: serviceID, Environment: in.Environment}, domain.PermWrite)
	if err != nil {
		return domain.ServiceInstance{}, err
	}
	if in.Environment != "" && len(svc.Environments) > 0 && !containsString(svc.Environments, in.Environment) {
		return domain.ServiceInstance{}, apperr.Invalid("environment", "not an environment of the service")
	}
	var team string
	if svc.OwnerTeamID != nil {
		team = *svc.OwnerTeamID
	}
	var stored domain.ServiceInstance
	err = occ.Do(ctx, r.Retry, func(ctx context.Context) error {
		cur, err := r.Store.GetInstance(ctx, serviceID, in.InstanceID)
		var revision int64
		switch {
		case errors.Is(err, repo.ErrNotFound):
			cur = domain.ServiceInstance{ServiceID: serviceID, InstanceID: in.InstanceID}
		case err != nil:
			return err
		default:
			revision = cur.Revision
		}
		cur.Host = in.Host
		cur.Port = in.Port
		cur.Environment = in.Environment
		cur.Version = in.Version
		cur.Metadata = in.Metadata
		cur.TeamID = team
		cur.LastSeenAt = r.now()
		if !cur.HasDrift {
			cur.Status = in.Status
		}
		stored, _, err = r.Store.WriteInstance(ctx, repo.InstanceWrite{Instance: cur, ExpectedRevision: revision, Events: []events.Record{{
			Type: "instance.registered", ServiceID: serviceID, EntityKind: "instance", EntityID: in.InstanceID, ActorID: user.UserID,
			Payload: events.EventPayload{"source": "api", "status": cur.Status},
		}}})
		return err
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.ServiceInstance{}, apperr.Conflict("instance %s/%s is being modified concurrently", serviceID, in.InstanceID)
	}
	return stored, err
}

// Evaluate forces a drift evaluation against the last reported hash. Unlike the
// heartbeat path, registry failures are returned to the caller.
func (r Registry) Evaluate(ctx context.Context, user domain.UserContext, serviceID, instanceID string) (domain.ServiceInstance, drift.Evaluation, error) {
	inst, err := r.FindByID(ctx, user, serviceID, instanceID)
	if err != nil {
		return inst, drift.Evaluation{}, err
	}
	if _, err := r.Access.Authorize(ctx, user, resourceOf(inst), domain.PermDriftManage); err != nil {
		return domain.ServiceInstance{}, drift.Evaluation{}, apperr.NotFound("instance", instanceID)
	}
	if inst.ConfigHash == "" {
		return inst, drift.Evaluation{}, apperr.Invalid("config_hash", "instance has not reported a configuration hash")
	}
	expected, err := r.Detector.ExpectedConfig(ctx, serviceID, inst.Environment, inst.Metadata[drift.MetaConfigLabel])
	if err != nil {
		return inst, drift.Evaluation{}, err
	}
	var (
		stored domain.ServiceInstance
		eval   drift.Evaluation
		opened bool
	)
	err = occ.Do(ctx, r.Retry, func(ctx context.Context) error {
		cur, err := r.Store.GetInstance(ctx, serviceID, instanceID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("instance", instanceID)
		}
		if err != nil {
			return err
		}
		eval = r.Detector.Evaluate(&cur, cur.ConfigHash, expected)
		w := repo.InstanceWrite{Instance: cur, ExpectedRevision: cur.Revision, OpenDrift: eval.Candidate}
		if eval.Candidate != nil {
			w.OnOpen = []events.Record{{
				Type: "drift.detected", ServiceID: serviceID, EntityKind: "drift_event", EntityID: eval.Candidate.ID, ActorID: user.UserID,
				Payload: events.EventPayload{"instance_id": instanceID, "expected_hash": eval.ExpectedHash, "applied_hash": cur.ConfigHash},
			}}
		}
		stored, opened, err = r.Store.WriteInstance(ctx, w)
		return err
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.ServiceInstance{}, drift.Evaluation{}, apperr.Conflict("instance %s/%s is being modified concurrently", serviceID, instanceID)
	}
	if err != nil {
		return domain.ServiceInstance{}, drift.Evaluation{}, err
	}
	if opened {
		r.notifier().DriftDetected(ctx, *eval.Candidate)
	}
	return stored, eval, nil
}

// FindByID returns a live instance the caller may read.
func (r Registry) FindByID(ctx context.Context, user domain.UserContext, serviceID, instanceID string) (domain.ServiceInstance, error) {
	inst, err := r.Store.GetInstance(ctx, serviceID, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return inst, apperr.NotFound("instance", instanceID)
	}
	if err != nil {
		return inst, err
	}
	if inst.Expired(r.now(), r.ttl()) {
		return domain.ServiceInstance{}, apperr.NotFound("instance", instanceID)
	}
	if _, err := r.Access.Authorize(ctx, user, resourceOf(inst), domain.PermInstanceRead); err != nil {
		return domain.ServiceInstance{}, apperr.NotFound("instance", instanceID)
	}
	return inst, nil
}

// List returns live instances matching c that the caller may read.
func (r Registry) List(ctx context.Context, user domain.UserContext, c domain.InstanceCriteria) ([]domain.ServiceInstance, error) {
	if c.Status != "" && !c.Status.Valid() {
		return nil, apperr.Invalid("status", "unknown instance status")
	}
	all, err := r.Store.ListInstances(ctx, c, r.now().Add(-r.ttl()))
	if err != nil {
		return nil, err
	}
	if user.IsSysAdmin {
		return all, nil
	}
	services := map[string]*domain.ApplicationService{}
	out := make([]domain.ServiceInstance, 0, len(all))
	for _, inst := range all {
		svc, ok := services[inst.ServiceID]
		if !ok {
			loaded, err := r.Store.GetService(ctx, inst.ServiceID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			if err == nil {
				svc = &loaded
			}
			services[inst.ServiceID] = svc
		}
		if svc == nil {
			continue
		}
		allowed, err := r.Access.Check(ctx, user, *svc, resourceOf(inst), domain.PermInstanceRead)
		if err != nil {
			return nil, err
		}
		if allowed {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r Registry) Delete(ctx context.Context, user domain.UserContext, serviceID, instanceID string) error {
	inst, err := r.Store.GetInstance(ctx, serviceID, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("instance", instanceID)
	}
	if err != nil {
		return err
	}
	if _, err := r.Access.Authorize(ctx, user, resourceOf(inst), domain.PermWrite); err != nil {
		return apperr.NotFound("instance", instanceID)
	}
	err = r.Store.DeleteInstance(ctx, serviceID, instanceID, events.Record{
		Type: "instance.deleted", ServiceID: serviceID, EntityKind: "instance", EntityID: instanceID, ActorID: user.UserID,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("instance", instanceID)
	}
	return err
}

// Sweep physically removes instances past the TTL. Reads already hide them.
func (r Registry) Sweep(ctx context.Context) (int64, error) {
	n, err := r.Store.DeleteInstancesSeenBefore(ctx, r.now().Add(-r.ttl()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger().Info("expired instances removed", zap.Int64("count", n))
	}
	return n, nil
}

func resourceOf(inst domain.ServiceInstance) access.Resource {
	return access.Resource{ServiceID: inst.ServiceID, InstanceID: inst.InstanceID, Environment: inst.Environment}
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Package drift compares the configuration an instance reports against the
// configuration registered for it, and manages the lifecycle of the events
// raised when they differ.
package drift

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
	"driftline/internal/occ"
	"driftline/internal/registry"
	"driftline/internal/repo"
	"driftline/internal/snapshot"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultProfile   = "default"

	// Instance metadata keys understood by the detector.
	MetaSeverity    = "drift.severity"
	MetaConfigLabel = "config.label"
	MetaHealth      = "health"
)

type Store interface {
	GetDriftEvent(ctx context.Context, id string) (domain.DriftEvent, error)
	ListDriftEvents(ctx context.Context, f domain.DriftEventFilters) ([]domain.DriftEvent, error)
	TransitionDriftEvent(ctx context.Context, ev domain.DriftEvent, from domain.DriftStatus, recs ...events.Record) error
	PurgeDriftEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type Detector struct {
	Registry        registry.Client
	Store           Store
	Access          access.Filter
	DefaultSeverity domain.Severity
	Retention       time.Duration
	// FetchTimeout bounds one registry call.
	FetchTimeout time.Duration
	Retry        occ.Policy
	Now          func() time.Time
	Logger       *zap.Logger
}

func (d Detector) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Detector) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// ExpectedConfig resolves the registered configuration for a service environment.
// Failures come back as *apperr.ExternalServiceError.
func (d Detector) ExpectedConfig(ctx context.Context, serviceID, environment, label string) (map[string]string, error) {
	if d.Registry == nil {
		return nil, apperr.External("config registry", errors.New("no registry configured"))
	}
	if d.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.FetchTimeout)
		defer cancel()
	}
	profile := environment
	if profile == "" {
		profile = DefaultProfile
	}
	cfg, err := d.Registry.FetchConfig(ctx, serviceID, profile, label)
	if err != nil {
		var ext *apperr.ExternalServiceError
		if errors.As(err, &ext) {
			return nil, err
		}
		return nil, apperr.External("config registry", err)
	}
	return cfg, nil
}

// Evaluation is the outcome of one comparison.
type Evaluation struct {
	// Evaluated is false when there was nothing to compare; the instance is untouched.
	Evaluated    bool
	Drifted      bool
	ExpectedHash string
	// Candidate is the event to open if the instance has none open yet.
	Candidate *domain.DriftEvent
}

// Evaluate compares reportedHash with the digest of expected and updates inst in place.
func (d Detector) Evaluate(inst *domain.ServiceInstance, reportedHash string, expected map[string]string) Evaluation {
	return d.EvaluateHash(inst, reportedHash, snapshot.HashValues(expected))
}

// EvaluateHash is Evaluate with a precomputed expected digest.
func (d Detector) EvaluateHash(inst *domain.ServiceInstance, reportedHash, expectedHash string) Evaluation {
	reportedHash = strings.TrimSpace(reportedHash)
	if reportedHash == "" || expectedHash == "" {
		return Evaluation{}
	}
	now := d.now()
	inst.ConfigHash = reportedHash
	inst.ExpectedHash = expectedHash
	ev := Evaluation{Evaluated: true, ExpectedHash: expectedHash}
	if reportedHash == expectedHash {
		inst.HasDrift = false
		inst.DriftDetectedAt = nil
		inst.LastAppliedHash = reportedHash
		if Unhealthy(inst.Metadata) {
			inst.Status = domain.InstanceUnhealthy
		} else {
			inst.Status = domain.InstanceHealthy
		}
		return ev
	}
	if !inst.HasDrift || inst.DriftDetectedAt == nil {
		inst.DriftDetectedAt = &now
	}
	inst.HasDrift = true
	inst.Status = domain.InstanceDrift
	ev.Drifted = true
	ev.Candidate = &domain.DriftEvent{
		ID:           uuid.NewString(),
		ServiceName:  inst.ServiceID,
		InstanceID:   inst.InstanceID,
		ServiceID:    inst.ServiceID,
		TeamID:       inst.TeamID,
		Environment:  inst.Environment,
		ExpectedHash: expectedHash,
		AppliedHash:  reportedHash,
		Severity:     d.Classify(inst.Metadata),
		Status:       domain.DriftDetected,
		DetectedAt:   now,
		DetectedBy:   domain.SystemUser.UserID,
	}
	return ev
}

// Classify picks the severity of a new drift event.
func (d Detector) Classify(metadata map[string]string) domain.Severity {
	if s := domain.Severity(strings.ToUpper(metadata[MetaSeverity])); s.Valid() {
		return s
	}
	if d.DefaultSeverity.Valid() {
		return d.DefaultSeverity
	}
	return domain.SeverityMedium
}

// Unhealthy reports whether the agent declared itself down.
func Unhealthy(metadata map[string]string) bool {
	switch strings.ToUpper(metadata[MetaHealth]) {
	case "DOWN", "UNHEALTHY", "OUT_OF_SERVICE":
		return true
	}
	return false
}

func (d Detector) Get(ctx context.Context, user domain.UserContext, id string) (domain.DriftEvent, error) {
	ev, err := d.Store.GetDriftEvent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ev, apperr.NotFound("drift event", id)
	}
	if err != nil {
		return ev, err
	}
	if _, err := d.Access.Authorize(ctx, user, resourceOf(ev), domain.PermInstanceRead); err != nil {
		return domain.DriftEvent{}, apperr.NotFound("drift event", id)
	}
	return ev, nil
}

// List returns the events matching f that the caller may read.
func (d Detector) List(ctx context.Context, user domain.UserContext, f domain.DriftEventFilters) ([]domain.DriftEvent, error) {
	all, err := d.Store.ListDriftEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if user.IsSysAdmin {
		return all, nil
	}
	services := map[string]*domain.ApplicationService{}
	out := make([]domain.DriftEvent, 0, len(all))
	for _, ev := range all {
		svc, ok := services[ev.ServiceID]
		if !ok {
			loaded, err := d.Access.Store.GetService(ctx, ev.ServiceID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			if err == nil {
				svc = &loaded
			}
			services[ev.ServiceID] = svc
		}
		if svc == nil {
			continue
		}
		allowed, err := d.Access.Check(ctx, user, *svc, resourceOf(ev), domain.PermInstanceRead)
		if err != nil {
			return nil, err
		}
		if allowed {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (d Detector) Acknowledge(ctx context.Context, user domain.UserContext, id, note string) (domain.DriftEvent, error) {
	return d.Transition(ctx, user, id, domain.DriftAcknowledged, note)
}

func (d Detector) MarkResolving(ctx context.Context, user domain.UserContext, id, note string) (domain.DriftEvent, error) {
	return d.Transition(ctx, user, id, domain.DriftResolving, note)
}

func (d Detector) Resolve(ctx context.Context, user domain.UserContext, id, note string) (domain.DriftEvent, error) {
	return d.Transition(ctx, user, id, domain.DriftResolved, note)
}

func (d Detector) Ignore(ctx context.Context, user domain.UserContext, id, note string) (domain.DriftEvent, error) {
	return d.Transition(ctx, user, id, domain.DriftIgnored, note)
}

// Transition advances an event. Only forward moves are accepted.
func (d Detector) Transition(ctx context.Context, user domain.UserContext, id string, to domain.DriftStatus, note string) (domain.DriftEvent, error) {
	var out domain.DriftEvent
	err := occ.Do(ctx, d.Retry, func(ctx context.Context) error {
		ev, err := d.Get(ctx, user, id)
		if err != nil {
			return err
		}
		if _, err := d.Access.Authorize(ctx, user, resourceOf(ev), domain.PermDriftManage); err != nil {
			return apperr.NotFound("drift event", id)
		}
		if !ev.Status.CanAdvance(to) {
			return apperr.Invalid("status", fmt.Sprintf("cannot move drift event from %s to %s", ev.Status, to))
		}
		from := ev.Status
		ev.Status = to
		if note != "" {
			ev.Notes = note
		}
		if to == domain.DriftResolved || to == domain.DriftIgnored {
			now := d.now()
			ev.ResolvedAt = &now
			ev.ResolvedBy = user.UserID
		}
		err = d.Store.TransitionDriftEvent(ctx, ev, from, events.Record{
			Type: "drift." + strings.ToLower(string(to)), ServiceID: ev.ServiceID, EntityKind: "drift_event", EntityID: ev.ID, ActorID: user.UserID,
			Payload: events.EventPayload{"from": from, "to": to, "instance_id": ev.InstanceID},
		})
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if errors.Is(err, occ.ErrExhausted) {
		return domain.DriftEvent{}, apperr.Conflict("drift event %s is being modified concurrently", id)
	}
	return out, err
}

// Purge deletes events older than the retention window regardless of status.
func (d Detector) Purge(ctx context.Context) (int64, error) {
	retention := d.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := d.Store.PurgeDriftEvents(ctx, d.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger().Info("purged drift events", zap.Int64("count", n))
	}
	return n, nil
}

func resourceOf(ev domain.DriftEvent) access.Resource {
	return access.Resource{ServiceID: ev.ServiceID, InstanceID: ev.InstanceID, Environment: ev.Environment}
}

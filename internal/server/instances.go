package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"driftline/internal/access"
	"driftline/internal/apperr"
	"driftline/internal/domain"
	"driftline/internal/instance"
)

type instancePath struct {
	ServiceID  string `path:"service_id"`
	InstanceID string `path:"instance_id"`
}

// heartbeatCaller enforces who may report for a service: an agent key only for
// its own service, a user only with WRITE on a known service.
func (h handlers) heartbeatCaller(ctx context.Context, serviceID string) error {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.AgentKey != nil {
		if p.AgentKey.ServiceID != serviceID {
			return apperr.NotFound("service", serviceID)
		}
		return nil
	}
	if p.User.IsSysAdmin || p.User.HasRole(domain.RoleSysAdmin) {
		return nil
	}
	_, err := h.app.Access.Authorize(ctx, p.User, access.Resource{ServiceID: serviceID}, domain.PermWrite)
	return err
}

func (h handlers) registerInstances(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeats",
		Summary:     "Report an instance heartbeat",
		Description: "Upserts the instance, evaluates drift against the configuration registry and records a drift event on first mismatch. Registry outages never fail the heartbeat.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body domain.Heartbeat `json:"body"`
	}) (*struct {
		Body domain.ServiceInstance `json:"body"`
	}, error) {
		if err := h.heartbeatCaller(ctx, input.Body.ServiceName); err != nil {
			return nil, handleError(err)
		}
		inst, err := h.app.Instances.RecordHeartbeat(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List live instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ServiceID   string `query:"service_id"`
		Environment string `query:"environment"`
		Status      string `query:"status"`
		DriftedOnly bool   `query:"drifted"`
	}) (*struct {
		Body []domain.ServiceInstance `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c := domain.InstanceCriteria{ServiceID: input.ServiceID, Environment: input.Environment, Status: domain.InstanceStatus(input.Status)}
		if input.DriftedOnly {
			drifted := true
			c.HasDrift = &drifted
		}
		items, err := h.app.Instances.List(ctx, u, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServiceInstance `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-instance",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/instances",
		Summary:     "Register or refresh an instance without drift evaluation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string                  `path:"service_id"`
		Body      RegisterInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.ServiceInstance `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		inst, err := h.app.Instances.Register(ctx, u, input.ServiceID, instance.RegisterInput{
			InstanceID: b.InstanceID, Host: b.Host, Port: b.Port, Environment: b.Environment,
			Version: b.Version, Status: b.Status, Metadata: b.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/instances/{instance_id}",
		Summary:     "Get a live instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body domain.ServiceInstance `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		inst, err := h.app.Instances.FindByID(ctx, u, input.ServiceID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-instance",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}/instances/{instance_id}",
		Summary:       "Deregister an instance",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*struct{}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Instances.Delete(ctx, u, input.ServiceID, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-instance",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/instances/{instance_id}/evaluate",
		Summary:     "Re-evaluate drift now",
		Description: "Unlike heartbeats, a registry failure is reported as 502.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		inst, eval, err := h.app.Instances.Evaluate(ctx, u, input.ServiceID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: EvaluationResponse{Instance: inst, Evaluated: eval.Evaluated, Drifted: eval.Drifted, ExpectedHash: eval.ExpectedHash}}, nil
	})
}

func (h handlers) registerDrift(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drift-events",
		Method:      http.MethodGet,
		Path:        "/drift-events",
		Summary:     "List drift events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ServiceID  string `query:"service_id"`
		InstanceID string `query:"instance_id"`
		Status     string `query:"status"`
		OpenOnly   bool   `query:"open"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DriftEvent `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Detector.List(ctx, u, domain.DriftEventFilters{
			ServiceID: input.ServiceID, InstanceID: input.InstanceID, Status: domain.DriftStatus(input.Status),
			OpenOnly: input.OpenOnly, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DriftEvent `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-drift-event",
		Method:      http.MethodGet,
		Path:        "/drift-events/{event_id}",
		Summary:     "Get a drift event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.DriftEvent `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := h.app.Detector.Get(ctx, u, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DriftEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-drift-event",
		Method:      http.MethodPost,
		Path:        "/drift-events/{event_id}/transition",
		Summary:     "Move a drift event forward",
		Description: "DETECTED → ACKNOWLEDGED → RESOLVING → RESOLVED, or IGNORED from any open state. Backward moves are conflicts.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string                 `path:"event_id"`
		Body    DriftTransitionRequest `json:"body"`
	}) (*struct {
		Body domain.DriftEvent `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := h.app.Detector.Transition(ctx, u, input.EventID, input.Body.Status, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DriftEvent `json:"body"`
		}{Body: ev}, nil
	})
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"driftline/internal/approval"
	"driftline/internal/domain"
)

type approvalPath struct {
	RequestID string `path:"request_id"`
}

func (h handlers) approvalResponse(ctx context.Context, u domain.UserContext, req domain.ApprovalRequest) (ApprovalResponse, error) {
	decisions, err := h.app.Approvals.Decisions(ctx, u, req.ID)
	if err != nil {
		return ApprovalResponse{}, err
	}
	return ApprovalResponse{Request: req, Decisions: nonNilSlice(decisions)}, nil
}

func (h handlers) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Request an ownership claim or transfer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		req, err := h.app.Approvals.Create(ctx, u, approval.CreateInput{Type: b.Type, Target: b.Target, Required: b.Required, Reason: b.Reason})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List visible approval requests",
	}, func(ctx context.Context, input *struct {
		ServiceID string `query:"service_id"`
		Requester string `query:"requester"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Approvals.List(ctx, u, domain.ApprovalFilters{
			ServiceID: input.ServiceID, RequesterUserID: input.Requester, Status: domain.ApprovalStatus(input.Status), Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-inbox",
		Method:      http.MethodGet,
		Path:        "/approvals/inbox",
		Summary:     "Pending requests awaiting the caller's vote",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Approvals.Inbox(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{request_id}",
		Summary:     "Get an approval request with its decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := h.app.Approvals.Get(ctx, u, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := h.approvalResponse(ctx, u, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/decisions",
		Summary:     "Approve or reject under one gate",
		Description: "A request that satisfies all gates becomes APPROVED; competing pending requests for the same service are settled in the same transaction.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      DecisionRequest `json:"body"`
	}) (*struct {
		Body approval.DecideResult `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.app.Approvals.Decide(ctx, u, approval.DecideInput{
			RequestID: input.RequestID, Gate: input.Body.Gate, Decision: input.Body.Decision, Note: input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body approval.DecideResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/cancel",
		Summary:     "Cancel a pending request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		Body      CancelRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := h.app.Approvals.Cancel(ctx, u, input.RequestID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})
}

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"driftline/internal/catalog"
	"driftline/internal/domain"
)

type servicePath struct {
	ServiceID string `path:"service_id"`
}

func (h handlers) registerServices(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-service",
		Method:        http.MethodPost,
		Path:          "/services",
		Summary:       "Register an application service",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateServiceRequest `json:"body"`
	}) (*struct {
		Body domain.ApplicationService `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		svc, err := h.app.Catalog.CreateService(ctx, u, catalog.CreateServiceInput{
			ID: b.ID, DisplayName: b.DisplayName, OwnerTeamID: b.OwnerTeamID, Lifecycle: b.Lifecycle,
			Environments: b.Environments, Tags: b.Tags, RepoURL: b.RepoURL, Attributes: b.Attributes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApplicationService `json:"body"`
		}{Body: svc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List visible services",
	}, func(ctx context.Context, input *struct {
		Lifecycle   string `query:"lifecycle"`
		OwnerTeamID string `query:"owner_team_id"`
		Orphaned    bool   `query:"orphaned"`
	}) (*struct {
		Body []domain.ApplicationService `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Catalog.ListServices(ctx, u, catalog.ListFilters{
			Lifecycle: domain.Lifecycle(input.Lifecycle), OwnerTeamID: input.OwnerTeamID, Orphaned: input.Orphaned,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApplicationService `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}",
		Summary:     "Get service",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*struct {
		Body domain.ApplicationService `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		svc, err := h.app.Catalog.GetService(ctx, u, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApplicationService `json:"body"`
		}{Body: svc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-service",
		Method:      http.MethodPatch,
		Path:        "/services/{service_id}",
		Summary:     "Update service attributes",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string               `path:"service_id"`
		Body      UpdateServiceRequest `json:"body"`
	}) (*struct {
		Body domain.ApplicationService `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		svc, err := h.app.Catalog.UpdateService(ctx, u, input.ServiceID, catalog.UpdateServiceInput{
			DisplayName: b.DisplayName, Lifecycle: b.Lifecycle, Environments: b.Environments, Tags: b.Tags,
			RepoURL: b.RepoURL, Attributes: b.Attributes, OwnerTeamID: b.OwnerTeamID, ExpectedVersion: b.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApplicationService `json:"body"`
		}{Body: svc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-service",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}",
		Summary:       "Delete a service and everything under it (sys-admins)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*struct{}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Catalog.DeleteService(ctx, u, input.ServiceID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerShares(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-share",
		Method:        http.MethodPost,
		Path:          "/services/{service_id}/shares",
		Summary:       "Share a service with a team or user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string       `path:"service_id"`
		Body      ShareRequest `json:"body"`
	}) (*struct {
		Body domain.ServiceShare `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		sh, err := h.app.Catalog.GrantShare(ctx, u, input.ServiceID, catalog.ShareInput{
			ResourceLevel: b.ResourceLevel, InstanceID: b.InstanceID, GrantToType: b.GrantToType, GrantToID: b.GrantToID,
			Permissions: b.Permissions, Environments: b.Environments, ExpiresAt: b.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceShare `json:"body"`
		}{Body: sh}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-shares",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/shares",
		Summary:     "List shares of a service",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*struct {
		Body []domain.ServiceShare `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Catalog.ListShares(ctx, u, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServiceShare `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-share",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}/shares/{share_id}",
		Summary:       "Revoke a share",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		ShareID   string `path:"share_id"`
	}) (*struct{}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Catalog.RevokeShare(ctx, u, input.ServiceID, input.ShareID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerAgentKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-agent-key",
		Method:        http.MethodPost,
		Path:          "/services/{service_id}/agent-keys",
		Summary:       "Issue a heartbeat agent key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string          `path:"service_id"`
		Body      AgentKeyRequest `json:"body"`
	}) (*struct {
		Body AgentKeyResponse `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		plain, key, err := h.app.Catalog.IssueAgentKey(ctx, u, input.ServiceID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentKeyResponse `json:"body"`
		}{Body: AgentKeyResponse{Key: plain, AgentKey: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-keys",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/agent-keys",
		Summary:     "List agent keys",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*struct {
		Body []domain.AgentKey `json:"body"`
	}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.app.Catalog.ListAgentKeys(ctx, u, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentKey `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-agent-key",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}/agent-keys/{key_id}",
		Summary:       "Revoke an agent key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		KeyID     string `path:"key_id"`
	}) (*struct{}, error) {
		u, err := user(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.Catalog.RevokeAgentKey(ctx, u, input.ServiceID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

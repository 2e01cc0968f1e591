package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"driftline/internal/apperr"
	"driftline/internal/domain"
)

// parseCAS reads an optional expected modify index; empty means unconditional.
func parseCAS(raw string) (*uint64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, apperr.Invalid("cas", "must be a non-negative integer")
	}
	return &n, nil
}

func (h handlers) registerKV(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "kv-get",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/kv",
		Summary:     "Read a leaf value",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		Path      string `query:"path" required:"true"`
	}) (*struct {
		Body LeafResponse `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := h.app.KV.GetLeaf(ctx, u, input.ServiceID, input.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeafResponse `json:"body"`
		}{Body: leafResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-put",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}/kv",
		Summary:     "Write a leaf value",
		Description: "With cas, the write only succeeds if the key's modify index matches; cas=0 means the key must not exist.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string      `path:"service_id"`
		Path      string      `query:"path" required:"true"`
		CAS       string      `query:"cas"`
		Body      LeafRequest `json:"body"`
	}) (*struct {
		Body LeafResponse `json:"body"`
	}, error) {
		cas, err := parseCAS(input.CAS)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := h.app.KV.PutLeaf(ctx, u, input.ServiceID, input.Path, []byte(input.Body.Value), input.Body.Flags, cas)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeafResponse `json:"body"`
		}{Body: leafResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "kv-delete",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}/kv",
		Summary:       "Delete a leaf value",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		Path      string `query:"path" required:"true"`
		CAS       string `query:"cas"`
	}) (*struct{}, error) {
		cas, err := parseCAS(input.CAS)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.app.KV.DeleteLeaf(ctx, u, input.ServiceID, input.Path, cas); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-get-object",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/kv/object",
		Summary:     "Read the leaves directly under a prefix",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		Prefix    string `query:"prefix" required:"true"`
	}) (*struct {
		Body ObjectResponse `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := h.app.KV.GetObject(ctx, u, input.ServiceID, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectResponse `json:"body"`
		}{Body: ObjectResponse{Data: data}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-put-object",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}/kv/object",
		Summary:     "Replace an object",
		Description: "Keys under the prefix that are absent from data are deleted; an empty data map deletes the object.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string               `path:"service_id"`
		Prefix    string               `query:"prefix" required:"true"`
		Body      domain.KVObjectWrite `json:"body"`
	}) (*struct {
		Body ObjectResponse `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := h.app.KV.PutObject(ctx, u, input.ServiceID, input.Prefix, input.Body.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectResponse `json:"body"`
		}{Body: ObjectResponse{Data: data}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-get-list",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/kv/list",
		Summary:     "Read a manifest-ordered list",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		Prefix    string `query:"prefix" required:"true"`
	}) (*struct {
		Body domain.KVList `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		list, err := h.app.KV.GetList(ctx, u, input.ServiceID, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KVList `json:"body"`
		}{Body: listResponse(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-put-list",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}/kv/list",
		Summary:     "Write a list and its manifest atomically",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string             `path:"service_id"`
		Prefix    string             `query:"prefix" required:"true"`
		Body      domain.KVListWrite `json:"body"`
	}) (*struct {
		Body domain.KVList `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		list, err := h.app.KV.PutList(ctx, u, input.ServiceID, input.Prefix, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KVList `json:"body"`
		}{Body: listResponse(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kv-txn",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/kv/txn",
		Summary:     "Apply up to 64 operations all-or-nothing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ServiceID string     `path:"service_id"`
		Body      TxnRequest `json:"body"`
	}) (*struct {
		Body TxnResponse `json:"body"`
	}, error) {
		u, err := h.serviceUser(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		ops := make([]domain.KVOp, len(input.Body.Ops))
		for i, op := range input.Body.Ops {
			ops[i] = domain.KVOp{Verb: op.Verb, Path: op.Path, Flags: op.Flags, Index: op.Index}
			if op.Value != "" {
				ops[i].Value = []byte(op.Value)
			}
		}
		res, err := h.app.KV.Txn(ctx, u, input.ServiceID, ops)
		if err != nil {
			return nil, handleError(err)
		}
		out := TxnResponse{Results: make([]TxnResult, len(res))}
		for i, r := range res {
			out.Results[i] = TxnResult{Verb: r.Verb, Path: r.Path}
			if r.Entry != nil {
				leaf := leafResponse(*r.Entry)
				out.Results[i].Entry = &leaf
			}
		}
		return &struct {
			Body TxnResponse `json:"body"`
		}{Body: out}, nil
	})
}

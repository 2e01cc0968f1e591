package driftlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/heartbeats", r.URL.Path)
		require.Equal(t, "dlk_test", r.Header.Get("X-Api-Key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var hb Heartbeat
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		json.NewEncoder(w).Encode(Instance{ServiceID: hb.ServiceName, InstanceID: hb.InstanceID, Status: "HEALTHY"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	c.AgentKey = "dlk_test"
	inst, err := c.Heartbeat(context.Background(), Heartbeat{ServiceName: "billing", InstanceID: "i-1", ConfigHash: "abc"})
	require.NoError(t, err)
	require.Equal(t, "HEALTHY", inst.Status)
	require.EqualValues(t, 2, calls.Load())
}

func TestHeartbeatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"service billing not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Heartbeat(context.Background(), Heartbeat{ServiceName: "billing", InstanceID: "i-1"})
	require.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "not_found", apiErr.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestPutSendsCASAndDecodesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/billing/kv", r.URL.Path)
		require.Equal(t, "prod/db/url", r.URL.Query().Get("path"))
		require.Equal(t, "0", r.URL.Query().Get("cas"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"conflict","message":"key exists"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	zero := uint64(0)
	_, err := c.Put(context.Background(), "billing", "prod/db/url", "pg", &zero)
	require.True(t, IsConflict(err))
}

func TestDeleteAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	require.NoError(t, New(srv.URL).Delete(context.Background(), "billing", "prod/x", nil))
}

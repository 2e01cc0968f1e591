package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"driftline/internal/app"
	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/notify"
	"driftline/internal/registry"
	"driftline/internal/snapshot"
)

const testSecret = "test-secret"

var prodConfig = map[string]string{"db.url": "postgres://prod", "pool.size": "10"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	a, err := app.New(context.Background(), cfg, nil, app.Options{
		Registry: registry.Static{Configs: map[string]map[string]string{"billing/prod": prodConfig}},
		Notifier: notify.Nop{},
	})
	require.NoError(t, err)
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

func bearer(t *testing.T, u domain.UserContext) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, u, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

var (
	root  = domain.UserContext{UserID: "root", IsSysAdmin: true}
	alice = domain.UserContext{UserID: "alice", TeamIDs: []string{"team-a"}}
	bob   = domain.UserContext{UserID: "bob", TeamIDs: []string{"team-b"}}
)

func createService(t *testing.T, srv *testServer, body map[string]any) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/services", body, bearer(t, root))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/services", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/services", nil, map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/me", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode)
	me := decode[WhoAmIResponse](t, data)
	require.Equal(t, "alice", me.UserID)
	require.Equal(t, []string{"team-a"}, me.TeamIDs)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/dev/token", map[string]any{"user_id": "x"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, "dev tokens are off unless enabled")
}

func TestHeartbeatDriftLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	createService(t, srv, map[string]any{"id": "billing", "owner_team_id": "team-a", "environments": []string{"prod"}})
	createService(t, srv, map[string]any{"id": "search", "owner_team_id": "team-a", "environments": []string{"prod"}})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/services/billing/agent-keys", map[string]any{"name": "agent"}, bearer(t, alice))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[AgentKeyResponse](t, data).Key
	require.NotEmpty(t, key)
	agent := map[string]string{"X-Api-Key": key}

	hb := map[string]any{"service_name": "billing", "instance_id": "i-1", "environment": "prod", "config_hash": snapshot.HashValues(prodConfig)}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeats", hb, agent)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, domain.InstanceHealthy, decode[domain.ServiceInstance](t, data).Status)

	hb["config_hash"] = "stale"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeats", hb, agent)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	inst := decode[domain.ServiceInstance](t, data)
	require.Equal(t, domain.InstanceDrift, inst.Status)
	require.True(t, inst.HasDrift)

	// A key never reaches another service, even one owned by the same team.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeats", map[string]any{"service_name": "search", "instance_id": "i-9"}, agent)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/approvals", nil, agent)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeats", hb, bearer(t, bob))
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/drift-events?service_id=billing&open=true", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	evs := decode[[]domain.DriftEvent](t, data)
	require.Len(t, evs, 1)
	require.Equal(t, domain.DriftDetected, evs[0].Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/drift-events", nil, bearer(t, bob))
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, decode[[]domain.DriftEvent](t, data))

	transition := srv.URL + "/drift-events/" + evs[0].ID + "/transition"
	res, data = doJSON(t, client, http.MethodPost, transition, map[string]any{"status": "ACKNOWLEDGED", "note": "on it"}, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, domain.DriftAcknowledged, decode[domain.DriftEvent](t, data).Status)

	res, _ = doJSON(t, client, http.MethodPost, transition, map[string]any{"status": "DETECTED"}, bearer(t, alice))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/services/billing/instances/i-1/evaluate", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	eval := decode[EvaluationResponse](t, data)
	require.True(t, eval.Evaluated)
	require.True(t, eval.Drifted)
	require.Equal(t, snapshot.HashValues(prodConfig), eval.ExpectedHash)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/services/billing/instances/i-1", nil, bearer(t, alice))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/services/billing/instances/i-1", nil, bearer(t, alice))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestClaimOwnershipThroughApproval(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	createService(t, srv, map[string]any{"id": "legacy"})

	claim := map[string]any{"type": "CLAIM_OWNERSHIP", "target": map[string]any{"service_id": "legacy", "team_id": "team-b"}, "reason": "we run it"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/approvals", claim, bearer(t, bob))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	req := decode[domain.ApprovalRequest](t, data)
	require.Equal(t, domain.ApprovalPending, req.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/approvals", claim, bearer(t, bob))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	dup := decode[errorEnvelope](t, data)
	require.Equal(t, "duplicate_request", dup.Error.Code)
	require.Equal(t, req.ID, dup.Error.Details["existing_id"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/approvals/inbox", nil, bearer(t, root))
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, decode[[]domain.ApprovalRequest](t, data), 1)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/approvals/"+req.ID+"/decisions",
		map[string]any{"gate": domain.GateSysAdmin, "decision": "APPROVE"}, bearer(t, bob))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/approvals/"+req.ID+"/decisions",
		map[string]any{"gate": domain.GateSysAdmin, "decision": "APPROVE", "note": "ok"}, bearer(t, root))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/approvals/"+req.ID, nil, bearer(t, bob))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got := decode[ApprovalResponse](t, data)
	require.Equal(t, domain.ApprovalApproved, got.Request.Status)
	require.Len(t, got.Decisions, 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/services/legacy", nil, bearer(t, bob))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	svc := decode[domain.ApplicationService](t, data)
	require.NotNil(t, svc.OwnerTeamID)
	require.Equal(t, "team-b", *svc.OwnerTeamID)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/approvals/"+req.ID+"/cancel", map[string]any{}, bearer(t, bob))
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestKVOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	createService(t, srv, map[string]any{"id": "billing", "owner_team_id": "team-a", "environments": []string{"prod", "dev"}})
	base := srv.URL + "/services/billing/kv"

	res, data := doJSON(t, client, http.MethodPut, base+"/object?prefix=prod/db", map[string]any{"data": map[string]string{"url": "pg", "pool": "5"}}, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, base+"/object?prefix=prod/db", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Equal(t, map[string]string{"url": "pg", "pool": "5"}, decode[ObjectResponse](t, data).Data)

	res, _ = doJSON(t, client, http.MethodGet, base+"/object?prefix=prod/db", nil, bearer(t, bob))
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, base+"?path=prod/db/url", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	leaf := decode[LeafResponse](t, data)
	require.Equal(t, "pg", leaf.Value)

	res, data = doJSON(t, client, http.MethodPut, base+"?path=prod/db/url&cas=0", map[string]any{"value": "other"}, bearer(t, alice))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPut, fmt.Sprintf("%s?path=prod/db/url&cas=%d", base, leaf.ModifyIndex), map[string]any{"value": "pg2"}, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doJSON(t, client, http.MethodPut, base+"?path=prod/db/url&cas=abc", map[string]any{"value": "x"}, bearer(t, alice))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	list := map[string]any{
		"items":    []map[string]any{{"id": "a", "data": map[string]any{"n": 1}}, {"id": "b", "data": map[string]any{"n": 2}}},
		"manifest": map[string]any{"order": []string{"b", "a"}},
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/list?prefix=dev/flags", list, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodGet, base+"/list?prefix=dev/flags", nil, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got := decode[domain.KVList](t, data)
	require.Len(t, got.Items, 2)
	require.Equal(t, "b", got.Items[0].ID)
	require.Equal(t, int64(1), got.Manifest.Version)

	// Version, items and order are all optional on write.
	res, data = doJSON(t, client, http.MethodPut, base+"/list?prefix=dev/flags",
		map[string]any{"manifest": map[string]any{"order": []string{"a"}}, "deletes": []string{"b"}}, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got = decode[domain.KVList](t, data)
	require.Len(t, got.Items, 1)
	require.Equal(t, "a", got.Items[0].ID)
	require.Equal(t, int64(2), got.Manifest.Version)

	res, data = doJSON(t, client, http.MethodPut, base+"/list?prefix=dev/flags",
		map[string]any{"items": nil, "manifest": map[string]any{"order": nil}, "expected_version": 1}, bearer(t, alice))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPut, base+"/list?prefix=dev/flags",
		map[string]any{"items": nil, "manifest": map[string]any{}, "expected_version": 2}, bearer(t, alice))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got = decode[domain.KVList](t, data)
	require.Empty(t, got.Items)
	require.Equal(t, int64(3), got.Manifest.Version)

	ops := make([]map[string]any, 65)
	for i := range ops {
		ops[i] = map[string]any{"verb": "get", "path": "prod/db/url"}
	}
	res, _ = doJSON(t, client, http.MethodPost, base+"/txn", map[string]any{"ops": ops}, bearer(t, alice))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	txn := map[string]any{"ops": []map[string]any{
		{"verb": "set", "path": "prod/feature", "value": "on"},
		{"verb": "check-not-exists", "path": "prod/db/url"},
	}}
	res, _ = doJSON(t, client, http.MethodPost, base+"/txn", txn, bearer(t, alice))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, base+"?path=prod/feature", nil, bearer(t, alice))
	require.Equal(t, http.StatusNotFound, res.StatusCode, "failed txn must not apply")

	res, _ = doJSON(t, client, http.MethodDelete, base+"?path=prod/db/pool", nil, bearer(t, alice))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestOpenAPIDocumentUnderConcurrentRequests(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	bodies := make([][]byte, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			res, err := client.Get(srv.URL + "/openapi.json")
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", res.StatusCode)
			}
			bodies[i], err = io.ReadAll(res.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Contains(t, string(bodies[0]), "bearerAuth")
	for _, b := range bodies[1:] {
		require.Equal(t, bodies[0], b)
	}
}

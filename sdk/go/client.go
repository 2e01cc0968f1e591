// Package driftlinesdk is a small client for the Driftline HTTP API, aimed at
// heartbeat agents and configuration tooling.
package driftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowchartsman/retry"
)

// Client is a minimal Driftline HTTP API client. Set AgentKey for heartbeat
// agents, BearerToken for people and tooling.
type Client struct {
	BaseURL     string
	AgentKey    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// HeartbeatAttempts bounds retries of Heartbeat on transport errors and 5xx.
	HeartbeatAttempts int
}

// New creates a client with sane defaults. baseURL includes the API base path,
// e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:           baseURL,
		Timeout:           10 * time.Second,
		HeartbeatAttempts: 3,
	}
}

// Heartbeat is what an agent reports for one running instance.
type Heartbeat struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Version     string            `json:"version,omitempty"`
	ConfigHash  string            `json:"config_hash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Instance represents the API instance model (partial).
type Instance struct {
	ServiceID    string    `json:"service_id"`
	InstanceID   string    `json:"instance_id"`
	Environment  string    `json:"environment,omitempty"`
	ConfigHash   string    `json:"config_hash,omitempty"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	Status       string    `json:"status"`
	HasDrift     bool      `json:"has_drift"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// DriftEvent represents a detected mismatch.
type DriftEvent struct {
	ID           string    `json:"id"`
	ServiceID    string    `json:"service_id"`
	InstanceID   string    `json:"instance_id"`
	Environment  string    `json:"environment,omitempty"`
	ExpectedHash string    `json:"expected_hash"`
	AppliedHash  string    `json:"applied_hash"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	DetectedAt   time.Time `json:"detected_at"`
	Notes        string    `json:"notes,omitempty"`
}

// Entry is one key/value leaf.
type Entry struct {
	Path        string `json:"path"`
	Value       string `json:"value"`
	ModifyIndex uint64 `json:"modify_index"`
	CreateIndex uint64 `json:"create_index"`
	Flags       uint64 `json:"flags"`
}

type ListItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type Manifest struct {
	Order    []string          `json:"order,omitempty"`
	Version  int64             `json:"version,omitempty"`
	ETag     string            `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type List struct {
	Items    []ListItem `json:"items"`
	Manifest Manifest   `json:"manifest"`
}

// ListWrite replaces a list. A zero Manifest.Version lets the server assign
// the next version; ExpectedVersion makes the write conditional.
type ListWrite struct {
	Items           []ListItem `json:"items,omitempty"`
	Manifest        Manifest   `json:"manifest"`
	Deletes         []string   `json:"deletes,omitempty"`
	ExpectedVersion *int64     `json:"expected_version,omitempty"`
}

// TxnOp is one transaction operation; Index is the expected modify index for
// cas, delete-cas and check-index.
type TxnOp struct {
	Verb  string `json:"verb"`
	Path  string `json:"path"`
	Value string `json:"value,omitempty"`
	Flags uint64 `json:"flags,omitempty"`
	Index uint64 `json:"index,omitempty"`
}

type TxnResult struct {
	Verb  string `json:"verb"`
	Path  string `json:"path"`
	Entry *Entry `json:"entry,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API. Services the caller
// cannot see are reported as not found too.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsConflict reports whether err is a 409, e.g. a failed CAS or version check.
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Heartbeat reports an instance. Transport errors and 5xx responses are
// retried; registry outages never fail a heartbeat server-side.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) (Instance, error) {
	attempts := c.HeartbeatAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var (
		resp     Instance
		terminal error
	)
	err := retry.NewRetrier(attempts, 200*time.Millisecond, 2*time.Second).Run(func() error {
		if err := ctx.Err(); err != nil {
			terminal = err
			return nil
		}
		err := c.do(ctx, http.MethodPost, "heartbeats", hb, &resp)
		if err != nil && (statusOf(err) == 0 || statusOf(err) >= 500) {
			return err
		}
		terminal = err
		return nil
	})
	if err != nil {
		return Instance{}, err
	}
	return resp, terminal
}

// DriftEvents lists drift events of a service; openOnly skips resolved and ignored ones.
func (c *Client) DriftEvents(ctx context.Context, serviceID string, openOnly bool) ([]DriftEvent, error) {
	q := url.Values{}
	if serviceID != "" {
		q.Set("service_id", serviceID)
	}
	if openOnly {
		q.Set("open", "true")
	}
	var resp []DriftEvent
	err := c.do(ctx, http.MethodGet, withQuery("drift-events", q), nil, &resp)
	return resp, err
}

// TransitionDrift moves a drift event to status (ACKNOWLEDGED, RESOLVING, RESOLVED or IGNORED).
func (c *Client) TransitionDrift(ctx context.Context, eventID, status, note string) (DriftEvent, error) {
	var resp DriftEvent
	endpoint := fmt.Sprintf("drift-events/%s/transition", url.PathEscape(eventID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status, "note": note}, &resp)
	return resp, err
}

// Get reads one leaf.
func (c *Client) Get(ctx context.Context, serviceID, path string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, c.kvPath(serviceID, "", url.Values{"path": {path}}), nil, &resp)
	return resp, err
}

// Put writes one leaf. A non-nil cas makes the write conditional on the
// current modify index; 0 means the key must not exist yet.
func (c *Client) Put(ctx context.Context, serviceID, path, value string, cas *uint64) (Entry, error) {
	q := url.Values{"path": {path}}
	if cas != nil {
		q.Set("cas", strconv.FormatUint(*cas, 10))
	}
	var resp Entry
	err := c.do(ctx, http.MethodPut, c.kvPath(serviceID, "", q), map[string]any{"value": value}, &resp)
	return resp, err
}

// Delete removes one leaf.
func (c *Client) Delete(ctx context.Context, serviceID, path string, cas *uint64) error {
	q := url.Values{"path": {path}}
	if cas != nil {
		q.Set("cas", strconv.FormatUint(*cas, 10))
	}
	return c.do(ctx, http.MethodDelete, c.kvPath(serviceID, "", q), nil, nil)
}

func (c *Client) GetObject(ctx context.Context, serviceID, prefix string) (map[string]string, error) {
	var resp struct {
		Data map[string]string `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, c.kvPath(serviceID, "object", url.Values{"prefix": {prefix}}), nil, &resp)
	return resp.Data, err
}

// PutObject replaces the leaves directly under prefix with data.
func (c *Client) PutObject(ctx context.Context, serviceID, prefix string, data map[string]string) (map[string]string, error) {
	if data == nil {
		data = map[string]string{}
	}
	var resp struct {
		Data map[string]string `json:"data"`
	}
	err := c.do(ctx, http.MethodPut, c.kvPath(serviceID, "object", url.Values{"prefix": {prefix}}), map[string]any{"data": data}, &resp)
	return resp.Data, err
}

func (c *Client) GetList(ctx context.Context, serviceID, prefix string) (List, error) {
	var resp List
	err := c.do(ctx, http.MethodGet, c.kvPath(serviceID, "list", url.Values{"prefix": {prefix}}), nil, &resp)
	return resp, err
}

func (c *Client) PutList(ctx context.Context, serviceID, prefix string, w ListWrite) (List, error) {
	var resp List
	err := c.do(ctx, http.MethodPut, c.kvPath(serviceID, "list", url.Values{"prefix": {prefix}}), w, &resp)
	return resp, err
}

// Txn applies ops atomically; on any failed check nothing is written.
func (c *Client) Txn(ctx context.Context, serviceID string, ops []TxnOp) ([]TxnResult, error) {
	var resp struct {
		Results []TxnResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.kvPath(serviceID, "txn", nil), map[string]any{"ops": ops}, &resp)
	return resp.Results, err
}

func (c *Client) kvPath(serviceID, sub string, q url.Values) string {
	p := fmt.Sprintf("services/%s/kv", url.PathEscape(serviceID))
	if sub != "" {
		p += "/" + sub
	}
	return withQuery(p, q)
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentKey != "":
		req.Header.Set("X-Api-Key", c.AgentKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = envelope.Error.Code, envelope.Error.Message, envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

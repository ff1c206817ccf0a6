// Package client talks to a taskflow server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haricheung/taskflow/internal/api"
	"github.com/haricheung/taskflow/internal/types"
)

// DefaultPollInterval is the status polling period used when none is given.
const DefaultPollInterval = time.Second

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrNotFound) match a 404.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// HTTPClient is a taskflow API client.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// New constructs a client for baseURL.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit calls POST /execute.
func (c *HTTPClient) Submit(ctx context.Context, task string) (api.ExecuteResponse, error) {
	var out api.ExecuteResponse
	err := c.do(ctx, http.MethodPost, "/execute", api.ExecuteRequest{Task: task}, &out)
	return out, err
}

// Status calls GET /status/{id}.
func (c *HTTPClient) Status(ctx context.Context, id string) (types.Task, error) {
	var out types.Task
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &out)
	return out, err
}

// List calls GET /executions.
func (c *HTTPClient) List(ctx context.Context) (map[string]types.Task, error) {
	out := map[string]types.Task{}
	err := c.do(ctx, http.MethodGet, "/executions", nil, &out)
	return out, err
}

// Cancel calls POST /cancel/{id}.
func (c *HTTPClient) Cancel(ctx context.Context, id string) (types.Task, error) {
	var out types.Task
	err := c.do(ctx, http.MethodPost, "/cancel/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Plan calls POST /plan.
func (c *HTTPClient) Plan(ctx context.Context, task string) ([]types.PlanStep, error) {
	var out api.PlanResponse
	err := c.do(ctx, http.MethodPost, "/plan", api.PlanRequest{TaskPlan: task}, &out)
	return out.Steps, err
}

// Health calls GET /health.
func (c *HTTPClient) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Audit calls GET /audit.
func (c *HTTPClient) Audit(ctx context.Context) (types.AuditReport, error) {
	var out types.AuditReport
	err := c.do(ctx, http.MethodGet, "/audit", nil, &out)
	return out, err
}

// Poll re-requests the task's status every interval until it is completed
// or failed. onUpdate, when set, sees every snapshot whose state or current
// step changed.
//
// Expectations:
//   - Returns the first terminal snapshot
//   - Returns ctx's error when ctx ends first
//   - Returns the status error at once, so an unknown id does not poll forever
func (c *HTTPClient) Poll(ctx context.Context, id string, interval time.Duration, onUpdate func(types.Task)) (types.Task, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last types.Task
	for {
		t, err := c.Status(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return types.Task{}, err
		}
		if onUpdate != nil && (t.State != last.State || t.CurrentStep != last.CurrentStep) {
			onUpdate(t)
		}
		last = t
		if t.State.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	endpoint, err := c.resolve(path)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *HTTPClient) resolve(path string) (string, error) {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return "", errors.New("base URL is required")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

// errorMessage extracts the {"error": ...} text, falling back to the raw body.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}

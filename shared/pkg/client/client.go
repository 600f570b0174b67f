// Package client is a Go client for the encodefleet HTTP API, used by the CLI
// and by encoder agents.
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
	"strconv"
	"strings"
	"time"

	"github.com/encodefleet/encodefleet/pkg/api"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/orchestrator"
	"github.com/encodefleet/encodefleet/pkg/tracing"
)

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Field, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to one scheduler
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends a Bearer API key on every request
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default 30s-timeout client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a client for baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			apiErr.Message, apiErr.Field = er.Error, er.Field
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Submit creates a job
func (c *Client) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error) {
	var resp models.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob fetches a job
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs by owner and status; empty values match all
func (c *Client) ListJobs(ctx context.Context, owner string, status models.JobStatus, limit int) ([]*models.Job, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ListEvents fetches a job's audit trail
func (c *Client) ListEvents(ctx context.Context, id string) ([]*models.Event, error) {
	var resp struct {
		Events []*models.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/events", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Cancel cancels a job as owner
func (c *Client) Cancel(ctx context.Context, id, owner, reason string) (*models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil,
		api.CancelRequest{Owner: owner, Reason: reason}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats fetches queue statistics
func (c *Client) Stats(ctx context.Context) (*models.QueueStats, error) {
	var stats models.QueueStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SetPreference stores an owner's default encoding mode
func (c *Client) SetPreference(ctx context.Context, owner string, mode models.EncodingMode) error {
	return c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(owner)+"/preference", nil,
		api.PreferenceRequest{EncodingMode: mode}, nil)
}

// RegisterEncoder registers an encoder and returns its one-time token
func (c *Client) RegisterEncoder(ctx context.Context, id string, typ models.EncoderType) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/encoders/register", nil,
		api.RegisterRequest{EncoderID: id, EncoderType: typ}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEncoder fetches encoder statistics
func (c *Client) GetEncoder(ctx context.Context, id string) (*models.Encoder, error) {
	var enc models.Encoder
	if err := c.do(ctx, http.MethodGet, "/encoders/"+url.PathEscape(id), nil, nil, &enc); err != nil {
		return nil, err
	}
	return &enc, nil
}

// CheckWorkerHealth asks the scheduler to probe a worker endpoint
func (c *Client) CheckWorkerHealth(ctx context.Context, endpoint string) (*orchestrator.WorkerHealth, error) {
	var res orchestrator.WorkerHealth
	err := c.do(ctx, http.MethodPost, "/encoders/health", nil, api.HealthCheckRequest{Endpoint: endpoint}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Health fetches scheduler health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var res api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StatusCode returns the HTTP status of an *APIError, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

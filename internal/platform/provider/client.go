// Package provider is the client for the external generation service. Work
// is submitted as an opaque payload, which returns a provider task id, and
// is then polled until it reaches a terminal status.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Status is the provider-side state of a submitted job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrJobFailed is returned by Wait when the provider reports failure.
var ErrJobFailed = errors.New("provider job failed")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

// JobState is one poll result.
type JobState struct {
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`
	Stage    string          `json:"stage,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the job will not change any more.
func (s JobState) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed
}

// Client talks to the provider API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient constructs a client. timeout bounds each HTTP request.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "provider_client"),
	}
}

// Submit calls POST /v1/{kind} and returns the provider task id.
func (c *Client) Submit(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/"+url.PathEscape(kind), payload, &out); err != nil {
		return "", fmt.Errorf("submit %s job: %w", kind, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit %s job: response has no taskId", kind)
	}
	c.logger.Debug("provider job submitted", "kind", kind, "provider_task_id", out.TaskID)
	return out.TaskID, nil
}

// Status calls GET /v1/tasks/{id}.
func (c *Client) Status(ctx context.Context, providerTaskID string) (JobState, error) {
	var out JobState
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(providerTaskID), nil, &out); err != nil {
		return JobState{}, fmt.Errorf("poll job %s: %w", providerTaskID, err)
	}
	return out, nil
}

// Wait polls the job every interval until it is terminal, passing each
// state to onUpdate. An error from onUpdate stops the wait.
func (c *Client) Wait(ctx context.Context, providerTaskID string, interval time.Duration, onUpdate func(JobState) error) (JobState, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := c.Status(ctx, providerTaskID)
		if err != nil {
			return JobState{}, err
		}
		if onUpdate != nil {
			if err := onUpdate(state); err != nil {
				return state, err
			}
		}
		switch state.Status {
		case StatusSucceeded:
			return state, nil
		case StatusFailed:
			return state, fmt.Errorf("%w: %s", ErrJobFailed, state.Error)
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	endpoint, err := c.resolve(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

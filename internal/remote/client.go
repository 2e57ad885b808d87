// Package remote adapts local job semantics to the training executor's
// HTTP surface. The client is stateless; every call carries HTTP Basic
// credentials and is retried a bounded number of times on transport
// failures. Client errors (4xx) are never retried: the request will
// not get better by repeating it.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quantlab/trainhub/internal/jobs"
)

// Remote task states as reported by the executor.
const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateSuccess   = "SUCCESS"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// Config holds the remote executor connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration

	// MaxAttempts bounds transport-failure retries per request.
	MaxAttempts int

	// BaseRetryDelay is the backoff base between attempts.
	BaseRetryDelay time.Duration
}

// Client talks to the remote training executor.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError reports a non-retryable client error from the executor.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote executor returned %d: %s", e.Code, e.Body)
}

// NewClient creates a remote executor client.
func NewClient(config *Config, logger *slog.Logger) *Client {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseRetryDelay <= 0 {
		config.BaseRetryDelay = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// doRequest performs one HTTP call with bounded retries. Timeouts,
// connection errors and 5xx responses retry with exponential backoff;
// 400/401/403/404 abort immediately with a StatusError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + path

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		c.logger.Info("Remote request",
			slog.String("method", method),
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxAttempts),
		)

		respBody, retryable, err := c.attempt(ctx, method, url, body)
		if err == nil {
			return respBody, nil
		}
		if !retryable {
			c.logger.Error("Remote request failed permanently",
				slog.String("url", url),
				slog.Any("error", err),
			)
			return nil, err
		}

		lastErr = err
		c.logger.Warn("Remote request failed",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if attempt < c.config.MaxAttempts {
			delay := c.config.BaseRetryDelay<<uint(attempt) + time.Duration(attempt)*500*time.Millisecond
			c.logger.Info("Retrying remote request",
				slog.String("url", url),
				slog.Duration("retry_after", delay),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, jobs.NewTransportError(ctx.Err())
			}
		}
	}

	return nil, jobs.NewTransportError(fmt.Errorf("request to %s failed after %d attempts: %w", url, c.config.MaxAttempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (respBody []byte, retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}

	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, false, nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, false, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	default:
		return nil, true, fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

// SubmitRequest is the payload for starting a training task.
type SubmitRequest struct {
	TaskID string          `json:"task_id"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

type submitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Submit starts a training task on the executor and returns the remote
// task handle.
func (c *Client) Submit(ctx context.Context, job *jobs.Job) (string, error) {
	reqBody := SubmitRequest{
		TaskID: job.CorrelationID,
		Name:   fmt.Sprintf("%s-%d", job.Kind, job.ID),
		Config: json.RawMessage(job.Config),
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/train", payload)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse submit response: %w", err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("submit response missing task id")
	}

	c.logger.Info("Training task submitted",
		slog.Int64("job_id", job.ID),
		slog.String("remote_task_id", resp.TaskID),
	)

	return resp.TaskID, nil
}

// TaskStatus is one observation of a remote task.
type TaskStatus struct {
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Logs     []string        `json:"logs"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`
}

// Terminal reports whether the remote task finished.
func (s *TaskStatus) Terminal() bool {
	switch s.State {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Poll fetches the current status of a remote task.
func (c *Client) Poll(ctx context.Context, remoteTaskID string) (*TaskStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+remoteTaskID, nil)
	if err != nil {
		return nil, err
	}

	var status TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse task status: %w", err)
	}

	return &status, nil
}

// FetchResult retrieves the result payload of a finished task. When
// the dedicated results route is unavailable, the result is derived
// from the last known task status instead.
func (c *Client) FetchResult(ctx context.Context, remoteTaskID string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+remoteTaskID+"/results", nil)
	if err == nil {
		return json.RawMessage(data), nil
	}

	c.logger.Info("Results route unavailable, falling back to task status",
		slog.String("remote_task_id", remoteTaskID),
		slog.Any("error", err),
	)

	status, pollErr := c.Poll(ctx, remoteTaskID)
	if pollErr != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}

	switch status.State {
	case StateSuccess:
		if status.Result != nil {
			return status.Result, nil
		}
		return json.RawMessage("{}"), nil
	case StateFailed, StateCancelled:
		return nil, fmt.Errorf("remote task %s finished %s: %s", remoteTaskID, status.State, status.Error)
	default:
		return nil, fmt.Errorf("remote task %s has no results yet (state %s)", remoteTaskID, status.State)
	}
}

// Cancel requests cancellation of a remote task.
func (c *Client) Cancel(ctx context.Context, remoteTaskID string) bool {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/tasks/"+remoteTaskID+"/cancel", nil)
	if err != nil {
		c.logger.Warn("Failed to cancel remote task",
			slog.String("remote_task_id", remoteTaskID),
			slog.Any("error", err),
		)
		return false
	}

	return true
}

// HealthCheck reports whether the executor is reachable and healthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		c.logger.Warn("Remote executor health check failed",
			slog.String("url", c.config.BaseURL),
			slog.Any("error", err),
		)
		return false
	}

	return true
}

// ServerStatus fetches the executor's status document, used by the
// monitoring endpoint.
func (c *Client) ServerStatus(ctx context.Context) (map[string]interface{}, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}

	var status map[string]interface{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse server status: %w", err)
	}

	return status, nil
}

// Package client is the worker-side HTTP client for the worker-actions
// API. HTTP-level failures retry with backoff; application rejections are
// returned to the caller immediately.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runlane/runlane/pkg/api"
	"github.com/runlane/runlane/pkg/backoff"
	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/headers"
	"github.com/runlane/runlane/pkg/logger"
)

// APIError is an application-level rejection from the server. It is
// terminal: retrying the same request would be rejected again.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	workerName string

	httpClient *http.Client
	backoff    backoff.BackoffFunc
	log        logger.Logger
}

type Opt func(c *Client)

func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithBackoff(fn backoff.BackoffFunc) Opt {
	return func(c *Client) {
		c.backoff = fn
	}
}

func WithLogger(l logger.Logger) Opt {
	return func(c *Client) {
		c.log = l
	}
}

func New(baseURL, token, workerName string, opts ...Opt) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		workerName: workerName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    backoff.WorkerCallBackoff,
		log:        logger.New(),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// do runs one worker-actions call with retries. Connection errors and 5xx
// responses retry up to WorkerCallMaxAttempts; any other non-2xx response
// is a terminal *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < backoff.WorkerCallMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			c.log.Debug("retrying worker call", "path", path, "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set(headers.HeaderKeyWorkerName, c.workerName)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("server error %d on %s", resp.StatusCode, path)
			continue
		}

		if resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var rejection struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&rejection); err == nil {
				apiErr.Message = rejection.Error
			}
			_ = resp.Body.Close()
			return apiErr
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		_ = resp.Body.Close()
		return err
	}

	return fmt.Errorf("worker call failed after %d attempts: %w", backoff.WorkerCallMaxAttempts, lastErr)
}

func (c *Client) Connect(ctx context.Context) (api.ConnectResponse, error) {
	var resp api.ConnectResponse
	err := c.do(ctx, http.MethodPost, "/worker-actions/connect", nil, &resp)
	return resp, err
}

func (c *Client) Dequeue(ctx context.Context, shard, maxRuns int) ([]api.DequeuedRunPayload, error) {
	var resp api.DequeueResponse
	err := c.do(ctx, http.MethodPost, "/worker-actions/dequeue", api.DequeueRequest{
		Shard:   shard,
		MaxRuns: maxRuns,
	}, &resp)
	return resp.Runs, err
}

func (c *Client) WorkerHeartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/worker-actions/heartbeat", nil, nil)
}

func (c *Client) RunHeartbeat(ctx context.Context, runID, snapshotID string) error {
	path := fmt.Sprintf("/worker-actions/runs/%s/snapshots/%s/heartbeat", runID, snapshotID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) StartAttempt(ctx context.Context, runID, snapshotID string) (api.SnapshotPayload, error) {
	var snap api.SnapshotPayload
	path := fmt.Sprintf("/worker-actions/runs/%s/snapshots/%s/attempts/start", runID, snapshotID)
	err := c.do(ctx, http.MethodPost, path, nil, &snap)
	return snap, err
}

func (c *Client) CompleteAttempt(ctx context.Context, runID, snapshotID string, status enums.RunExecutionStatus, output string) (api.SnapshotPayload, error) {
	var snap api.SnapshotPayload
	path := fmt.Sprintf("/worker-actions/runs/%s/snapshots/%s/attempts/complete", runID, snapshotID)
	err := c.do(ctx, http.MethodPost, path, api.CompleteAttemptRequest{
		Status: status,
		Output: output,
	}, &snap)
	return snap, err
}

func (c *Client) LatestSnapshot(ctx context.Context, runID string) (api.SnapshotPayload, error) {
	var snap api.SnapshotPayload
	path := fmt.Sprintf("/worker-actions/runs/%s/snapshots/latest", runID)
	err := c.do(ctx, http.MethodGet, path, nil, &snap)
	return snap, err
}

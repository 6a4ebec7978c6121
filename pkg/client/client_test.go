package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/api"
	"github.com/runlane/runlane/pkg/backoff"
	"github.com/runlane/runlane/pkg/headers"
	"github.com/runlane/runlane/pkg/logger"
)

func noWait(int) time.Duration { return 0 }

func newClient(serverURL string) *Client {
	return New(serverURL, "tr_wgt_test-token", "worker-1",
		WithBackoff(noWait),
		WithLogger(logger.VoidLogger()),
	)
}

func TestRequestHeaders(t *testing.T) {
	var gotAuth, gotWorker string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotWorker = r.Header.Get(headers.HeaderKeyWorkerName)
		_ = json.NewEncoder(w).Encode(api.ConnectResponse{Ok: true})
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL).Connect(context.Background())
	require.NoError(t, err)
	require.True(t, resp.Ok)
	require.Equal(t, "Bearer tr_wgt_test-token", gotAuth)
	require.Equal(t, "worker-1", gotWorker)
}

func TestRetryOnServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(api.DequeueResponse{
			Runs: []api.DequeuedRunPayload{{RunID: "run_1", SnapshotID: "snap_1", Attempt: 1}},
		})
	}))
	defer srv.Close()

	runs, err := newClient(srv.URL).Dequeue(context.Background(), 0, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run_1", runs[0].RunID)
	require.EqualValues(t, 3, calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newClient(srv.URL).WorkerHeartbeat(context.Background())
	require.Error(t, err)
	require.EqualValues(t, backoff.WorkerCallMaxAttempts, calls.Load())
}

func TestApplicationRejectionsAreTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "snapshot is not the latest"})
	}))
	defer srv.Close()

	err := newClient(srv.URL).RunHeartbeat(context.Background(), "run_1", "stale")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "snapshot is not the latest", apiErr.Message)
	require.EqualValues(t, 1, calls.Load(), "4xx responses must not retry")
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(srv.URL, "token", "worker-1",
		WithBackoff(backoff.GetLinearBackoffFunc(10*time.Second)),
		WithLogger(logger.VoidLogger()),
	)
	err := c.WorkerHeartbeat(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

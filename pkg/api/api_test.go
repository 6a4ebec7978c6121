package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/engine"
	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/headers"
	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/runqueue"
)

const testToken = "tr_wgt_test-token"

type testServer struct {
	engine *engine.Engine
	redis  *miniredis.Miniredis
	server *httptest.Server
}

func initServer(t *testing.T) *testServer {
	t.Helper()

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	db, err := engine.OpenDB(engine.DBOptions{InMemory: true, ForTest: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := engine.NewStore(db)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	q := runqueue.NewQueue(rc, runqueue.WithClock(clock), runqueue.WithShardCount(1))
	eng := engine.New(store, q, rc, engine.WithClock(clock), engine.WithLogger(logger.VoidLogger()))

	srv := httptest.NewServer(NewAPI(Opts{
		Engine:    eng,
		AuthToken: testToken,
		Logger:    logger.VoidLogger(),
	}))
	t.Cleanup(srv.Close)

	return &testServer{engine: eng, redis: r, server: srv}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, decorate ...func(*http.Request)) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(headers.HeaderKeyWorkerName, "worker-1")
	for _, d := range decorate {
		d(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func triggerRun(t *testing.T, ts *testServer) engine.Run {
	t.Helper()

	run, err := ts.engine.Trigger(context.Background(), engine.TriggerRequest{
		Env: runqueue.Environment{
			ID:           uuid.New(),
			Type:         enums.EnvironmentTypeProduction,
			Project:      runqueue.Project{ID: uuid.New()},
			Organization: runqueue.Organization{ID: uuid.New()},
		},
		TaskIdentifier: "send-email",
		Queue:          "emails",
		WorkerQueue:    "shared",
	})
	require.NoError(t, err)
	return run
}

func TestAuth(t *testing.T) {
	ts := initServer(t)

	t.Run("Missing bearer token is rejected", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, "/worker-actions/connect", nil, func(r *http.Request) {
			r.Header.Del("Authorization")
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Wrong bearer token is rejected", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, "/worker-actions/connect", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer wrong")
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Missing worker name is rejected", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, "/worker-actions/connect", nil, func(r *http.Request) {
			r.Header.Del(headers.HeaderKeyWorkerName)
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("A valid request connects and reports the server kind", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, "/worker-actions/connect", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, headers.ServerKindDev, resp.Header.Get(headers.HeaderKeyServerKind))

		body := decodeBody[ConnectResponse](t, resp)
		require.True(t, body.Ok)
		require.Regexp(t, "^worker_[0-9a-z]{26}$", body.InstanceID)
	})

	t.Run("Each connect mints a fresh instance id", func(t *testing.T) {
		first := decodeBody[ConnectResponse](t, ts.request(t, http.MethodPost, "/worker-actions/connect", nil))
		second := decodeBody[ConnectResponse](t, ts.request(t, http.MethodPost, "/worker-actions/connect", nil))
		require.NotEqual(t, first.InstanceID, second.InstanceID)
	})
}

func TestDequeue(t *testing.T) {
	ts := initServer(t)

	t.Run("No eligible work is an empty 200", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, "/worker-actions/dequeue", DequeueRequest{Shard: 0, MaxRuns: 5})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[DequeueResponse](t, resp)
		require.Empty(t, body.Runs)
	})

	t.Run("A triggered run is claimed with a snapshot id", func(t *testing.T) {
		run := triggerRun(t, ts)

		resp := ts.request(t, http.MethodPost, "/worker-actions/dequeue", DequeueRequest{Shard: 0, MaxRuns: 5})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[DequeueResponse](t, resp)
		require.Len(t, body.Runs, 1)
		require.Equal(t, run.ID, body.Runs[0].RunID)
		require.Equal(t, 1, body.Runs[0].Attempt)
		require.Equal(t, "send-email", body.Runs[0].TaskID)
		require.NotEmpty(t, body.Runs[0].SnapshotID)
	})
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts := initServer(t)
	run := triggerRun(t, ts)

	resp := ts.request(t, http.MethodPost, "/worker-actions/dequeue", DequeueRequest{Shard: 0, MaxRuns: 1})
	claimed := decodeBody[DequeueResponse](t, resp)
	require.Len(t, claimed.Runs, 1)
	snapshotID := claimed.Runs[0].SnapshotID

	runPath := fmt.Sprintf("/worker-actions/runs/%s/snapshots", run.ID)

	t.Run("Heartbeat extends the claim", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, fmt.Sprintf("%s/%s/heartbeat", runPath, snapshotID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Start attempt returns the executing snapshot", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, fmt.Sprintf("%s/%s/attempts/start", runPath, snapshotID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeBody[SnapshotPayload](t, resp)
		require.Equal(t, enums.RunExecutionStatusExecuting, snap.Status)
		snapshotID = snap.ID
	})

	t.Run("A stale snapshot is a conflict", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, fmt.Sprintf("%s/%s/attempts/start", runPath, "stale"), nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Completing with a non-terminal status is rejected", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, fmt.Sprintf("%s/%s/attempts/complete", runPath, snapshotID),
			CompleteAttemptRequest{Status: enums.RunExecutionStatusExecuting})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Complete attempt finishes the run", func(t *testing.T) {
		resp := ts.request(t, http.MethodPost, fmt.Sprintf("%s/%s/attempts/complete", runPath, snapshotID),
			CompleteAttemptRequest{Status: enums.RunExecutionStatusCompleted, Output: `{"ok":true}`})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeBody[SnapshotPayload](t, resp)
		require.Equal(t, enums.RunExecutionStatusCompleted, snap.Status)
		snapshotID = snap.ID
	})

	t.Run("Latest snapshot reflects the terminal state", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, runPath+"/latest", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeBody[SnapshotPayload](t, resp)
		require.Equal(t, snapshotID, snap.ID)
		require.Equal(t, enums.RunExecutionStatusCompleted, snap.Status)
	})

	t.Run("An unknown run is a 404", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/worker-actions/runs/run_missing/snapshots/latest", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestRunHeartbeatExpiry(t *testing.T) {
	ts := initServer(t)
	run := triggerRun(t, ts)

	resp := ts.request(t, http.MethodPost, "/worker-actions/dequeue", DequeueRequest{Shard: 0, MaxRuns: 1})
	claimed := decodeBody[DequeueResponse](t, resp)
	require.Len(t, claimed.Runs, 1)

	ts.redis.FastForward(2 * time.Minute)

	resp = ts.request(t, http.MethodPost,
		fmt.Sprintf("/worker-actions/runs/%s/snapshots/%s/heartbeat", run.ID, claimed.Runs[0].SnapshotID), nil)
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

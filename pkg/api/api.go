// Package api exposes the worker-actions HTTP surface: the contract
// workers use to connect, claim runs and report execution progress.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/runlane/runlane/pkg/consts"
	"github.com/runlane/runlane/pkg/engine"
	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/headers"
	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/runqueue"
)

type Opts struct {
	Engine *engine.Engine

	// AuthToken is the bearer token every worker-actions call must carry.
	AuthToken string

	ServerKind string

	Logger logger.Logger
}

func NewAPI(o Opts) http.Handler {
	if o.ServerKind == "" {
		o.ServerKind = headers.ServerKindDev
	}
	if o.Logger == nil {
		o.Logger = logger.New()
	}

	impl := &api{
		Router: chi.NewRouter(),
		opts:   o,
	}
	impl.setup()
	return impl
}

type api struct {
	chi.Router
	opts Opts
}

func (a *api) setup() {
	a.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(headers.StaticHeadersMiddleware(a.opts.ServerKind))
		r.Use(a.authMiddleware)
		r.Use(requireWorkerName)

		r.Route("/worker-actions", func(r chi.Router) {
			r.Post("/connect", a.PostConnect)
			r.Post("/dequeue", a.PostDequeue)
			r.Post("/heartbeat", a.PostWorkerHeartbeat)

			r.Route("/runs/{runID}/snapshots", func(r chi.Router) {
				r.Get("/latest", a.GetLatestSnapshot)
				r.Post("/{snapshotID}/heartbeat", a.PostRunHeartbeat)
				r.Post("/{snapshotID}/attempts/start", a.PostStartAttempt)
				r.Post("/{snapshotID}/attempts/complete", a.PostCompleteAttempt)
			})
		})
	})
}

func (a *api) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.opts.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireWorkerName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headers.HeaderKeyWorkerName) == "" {
			writeError(w, http.StatusBadRequest, headers.HeaderKeyWorkerName+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type ConnectResponse struct {
	Ok         bool      `json:"ok"`
	InstanceID string    `json:"instanceId"`
	ServerTime time.Time `json:"serverTime"`
}

// PostConnect registers a worker session and mints the instance id it
// reports on subsequent calls.
func (a *api) PostConnect(w http.ResponseWriter, r *http.Request) {
	instanceID := "worker_" + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
	a.opts.Logger.Debug("worker connected",
		"worker", r.Header.Get(headers.HeaderKeyWorkerName),
		"instance_id", instanceID,
	)
	writeJSON(w, http.StatusOK, ConnectResponse{
		Ok:         true,
		InstanceID: instanceID,
		ServerTime: time.Now(),
	})
}

type DequeueRequest struct {
	Shard   int `json:"shard"`
	MaxRuns int `json:"maxRuns"`
}

type DequeuedRunPayload struct {
	RunID       string                `json:"runId"`
	SnapshotID  string                `json:"snapshotId"`
	Attempt     int                   `json:"attempt"`
	TaskID      string                `json:"taskIdentifier"`
	EnvType     enums.EnvironmentType `json:"envType"`
	WorkerQueue string                `json:"workerQueue"`
}

type DequeueResponse struct {
	Runs []DequeuedRunPayload `json:"runs"`
}

// PostDequeue claims runs for the calling worker. Finding nothing eligible
// is a 200 with an empty list, never an error.
func (a *api) PostDequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxRuns <= 0 {
		req.MaxRuns = consts.DefaultDequeueLimit
	}

	claimed, err := a.opts.Engine.Dequeue(r.Context(), req.Shard, req.MaxRuns)
	if err != nil {
		a.opts.Logger.Error("dequeue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dequeue failed")
		return
	}

	resp := DequeueResponse{Runs: make([]DequeuedRunPayload, 0, len(claimed))}
	for _, c := range claimed {
		resp.Runs = append(resp.Runs, DequeuedRunPayload{
			RunID:       c.Run.ID,
			SnapshotID:  c.SnapshotID,
			Attempt:     c.Run.Attempt,
			TaskID:      c.Run.TaskIdentifier,
			EnvType:     c.Run.EnvType,
			WorkerQueue: c.Run.WorkerQueue,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type OkResponse struct {
	Ok bool `json:"ok"`
}

func (a *api) PostWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OkResponse{Ok: true})
}

type SnapshotPayload struct {
	ID        string                   `json:"id"`
	RunID     string                   `json:"runId"`
	Status    enums.RunExecutionStatus `json:"status"`
	Reason    string                   `json:"reason"`
	CreatedAt time.Time                `json:"createdAt"`
}

func snapshotPayload(s engine.Snapshot) SnapshotPayload {
	return SnapshotPayload{
		ID:        s.ID,
		RunID:     s.RunID,
		Status:    s.Status,
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt,
	}
}

func (a *api) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	snap, err := a.opts.Engine.LatestSnapshot(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, "run has no snapshots")
			return
		}
		a.opts.Logger.Error("reading latest snapshot failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "reading latest snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshotPayload(snap))
}

func (a *api) PostRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snapshotID := chi.URLParam(r, "snapshotID")

	err := a.opts.Engine.Heartbeat(r.Context(), runID, snapshotID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, OkResponse{Ok: true})
	case errors.Is(err, engine.ErrSnapshotMismatch):
		writeError(w, http.StatusConflict, "snapshot is not the latest")
	case errors.Is(err, engine.ErrHeartbeatLost):
		writeError(w, http.StatusGone, "heartbeat expired; stop executing")
	case errors.Is(err, engine.ErrSnapshotNotFound), errors.Is(err, engine.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	default:
		a.opts.Logger.Error("heartbeat failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
	}
}

func (a *api) PostStartAttempt(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snapshotID := chi.URLParam(r, "snapshotID")

	snap, err := a.opts.Engine.StartAttempt(r.Context(), runID, snapshotID)
	if err != nil {
		a.writeTransitionError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotPayload(snap))
}

type CompleteAttemptRequest struct {
	Status enums.RunExecutionStatus `json:"status"`
	Output string                   `json:"output"`
}

func (a *api) PostCompleteAttempt(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snapshotID := chi.URLParam(r, "snapshotID")

	var req CompleteAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := a.opts.Engine.CompleteAttempt(r.Context(), runID, snapshotID, engine.CompleteRequest{
		Status: req.Status,
		Output: req.Output,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNotTerminalStatus) {
			writeError(w, http.StatusBadRequest, "completion status must be terminal")
			return
		}
		a.writeTransitionError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotPayload(snap))
}

func (a *api) writeTransitionError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, engine.ErrSnapshotMismatch):
		writeError(w, http.StatusConflict, "snapshot is not the latest")
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid execution status transition")
	case errors.Is(err, runqueue.ErrInvalidQueueKey):
		writeError(w, http.StatusBadRequest, "invalid queue key")
	default:
		a.opts.Logger.Error("run transition failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "run transition failed")
	}
}

// Package engine coordinates the durable run lifecycle: triggering runs
// into the fair queue, claiming them for execution, recording execution
// snapshots and recovering runs whose workers stopped heartbeating.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/rueidis"

	"github.com/runlane/runlane/pkg/consts"
	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/idempotency"
	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/runqueue"
)

// dispatchCatalogSize bounds the dedup window for claimed attempts.
const dispatchCatalogSize = 10_000

// Engine is the façade over the store and the fair queue. Every state
// change appends a snapshot; a run's current status is always its latest
// snapshot's status.
type Engine struct {
	store  *Store
	queue  *runqueue.Queue
	client rueidis.Client
	clock  clockwork.Clock
	log    logger.Logger

	// dispatched remembers recently claimed run attempts so a redelivered
	// claim is dropped instead of executed twice.
	dispatched *idempotency.Catalog

	// entropy is monotonic so ulids minted within the same millisecond
	// still sort by creation order.
	entropy *ulid.LockedMonotonicReader
}

type Opt func(e *Engine)

func WithClock(c clockwork.Clock) Opt {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithLogger(l logger.Logger) Opt {
	return func(e *Engine) {
		e.log = l
	}
}

func New(store *Store, queue *runqueue.Queue, client rueidis.Client, opts ...Opt) *Engine {
	// The catalog constructor only fails for a non-positive capacity.
	dispatched, _ := idempotency.NewCatalog(dispatchCatalogSize)

	e := &Engine{
		store:      store,
		queue:      queue,
		client:     client,
		clock:      clockwork.NewRealClock(),
		log:        logger.New(),
		dispatched: dispatched,
		entropy: &ulid.LockedMonotonicReader{
			MonotonicReader: ulid.Monotonic(rand.Reader, 0),
		},
	}
	for _, apply := range opts {
		apply(e)
	}
	return e
}

func (e *Engine) newULID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(e.clock.Now()), e.entropy)
}

func (e *Engine) newRunID() string {
	return "run_" + strings.ToLower(e.newULID().String())
}

func heartbeatKey(runID string) string {
	return "heartbeat:" + runID
}

type TriggerRequest struct {
	Env            runqueue.Environment
	TaskIdentifier string
	Queue          string
	WorkerQueue    string
	ConcurrencyKey string

	QueueTimestamp *time.Time
	PriorityMs     int64
}

// Trigger creates a run, its initial waitpoint and a QUEUED snapshot, then
// enqueues it. The transaction commits only after the enqueue succeeded, so
// a run is never visible without being queued, and never queued twice.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (Run, error) {
	now := e.clock.Now()
	runID := e.newRunID()

	member := runqueue.QueueMember{
		RunID:       runID,
		WorkerQueue: req.WorkerQueue,
		Attempt:     0,
		EnvType:     req.Env.Type,
	}

	run := Run{
		ID:             runID,
		OrgID:          req.Env.Organization.ID,
		ProjectID:      req.Env.Project.ID,
		EnvID:          req.Env.ID,
		EnvType:        req.Env.Type,
		TaskIdentifier: req.TaskIdentifier,
		Queue:          req.Queue,
		WorkerQueue:    req.WorkerQueue,
		ConcurrencyKey: req.ConcurrencyKey,
		QueueMember:    member.Encode(),
		Status:         enums.RunExecutionStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return Run{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	st := e.store.WithTx(tx)
	if err := st.InsertRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("error inserting run: %w", err)
	}
	if err := st.InsertWaitpoint(ctx, Waitpoint{
		ID:        "waitpoint_" + strings.ToLower(e.newULID().String()),
		RunID:     runID,
		CreatedAt: now,
	}); err != nil {
		return Run{}, fmt.Errorf("error inserting waitpoint: %w", err)
	}
	if err := st.InsertSnapshot(ctx, Snapshot{
		ID:        e.newULID().String(),
		RunID:     runID,
		Status:    enums.RunExecutionStatusQueued,
		Reason:    "triggered",
		CreatedAt: now,
	}); err != nil {
		return Run{}, fmt.Errorf("error inserting snapshot: %w", err)
	}

	if _, err := e.queue.Enqueue(ctx, req.Env, req.Queue, runqueue.EnqueueRequest{
		RunID:          runID,
		TaskIdentifier: req.TaskIdentifier,
		WorkerQueue:    req.WorkerQueue,
	}, runqueue.EnqueueOpts{
		QueueTimestamp: req.QueueTimestamp,
		PriorityMs:     req.PriorityMs,
		ConcurrencyKey: req.ConcurrencyKey,
	}); err != nil {
		return Run{}, fmt.Errorf("error enqueueing run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("error committing trigger: %w", err)
	}

	e.log.Debug("triggered run", "run_id", runID, "task", req.TaskIdentifier, "queue", req.Queue)
	return run, nil
}

// DequeuedRun is one run claimed for execution.
type DequeuedRun struct {
	Run        Run
	SnapshotID string
	Message    runqueue.DequeuedMessage
}

// Dequeue claims up to limit runs from a shard. Each claim bumps the
// attempt, appends a DEQUEUED_FOR_EXECUTION snapshot and arms the
// heartbeat: a worker that never heartbeats loses the claim to stall
// recovery.
func (e *Engine) Dequeue(ctx context.Context, shard int, limit int) ([]DequeuedRun, error) {
	msgs, err := e.queue.DequeueFromShard(ctx, shard, limit)
	if err != nil {
		return nil, err
	}

	out := make([]DequeuedRun, 0, len(msgs))
	for _, m := range msgs {
		run, err := e.store.GetRun(ctx, m.Member.RunID)
		if err != nil {
			// The claim is held by nobody; give the capacity back.
			e.log.Warn("claimed run has no record", "run_id", m.Member.RunID, "error", err)
			if relErr := e.queue.ReleaseConcurrency(ctx, m.QueueKey, m.RawMember); relErr != nil {
				return out, relErr
			}
			continue
		}

		now := e.clock.Now()

		// A second delivery of the same attempt means the claim was already
		// handed to a worker; give the duplicate's capacity back.
		dispatchHash := fmt.Sprintf("%s:%d", run.ID, run.Attempt+1)
		if e.dispatched.Register(dispatchHash, idempotency.Entry{
			RunID:        run.ID,
			WorkerQueue:  run.WorkerQueue,
			DispatchedAt: now,
		}) {
			e.log.Warn("dropping duplicate claim", "run_id", run.ID, "attempt", run.Attempt+1)
			if relErr := e.queue.ReleaseConcurrency(ctx, m.QueueKey, m.RawMember); relErr != nil {
				return out, relErr
			}
			continue
		}

		snap := Snapshot{
			ID:        e.newULID().String(),
			RunID:     run.ID,
			Status:    enums.RunExecutionStatusDequeuedForExecution,
			Reason:    "dequeued for execution",
			CreatedAt: now,
		}

		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			e.dispatched.Forget(dispatchHash)
			return out, err
		}
		st := e.store.WithTx(tx)

		run.Status = enums.RunExecutionStatusDequeuedForExecution
		run.Attempt++
		run.QueueMember = m.RawMember
		run.UpdatedAt = now

		if err := st.UpdateRunState(ctx, run.ID, run.Status, run.Attempt, run.QueueMember, now); err != nil {
			_ = tx.Rollback()
			e.dispatched.Forget(dispatchHash)
			return out, err
		}
		if err := st.InsertSnapshot(ctx, snap); err != nil {
			_ = tx.Rollback()
			e.dispatched.Forget(dispatchHash)
			return out, err
		}
		if err := tx.Commit(); err != nil {
			e.dispatched.Forget(dispatchHash)
			return out, err
		}

		cmd := e.client.B().Set().Key(heartbeatKey(run.ID)).Value("1").
			Px(consts.HeartbeatTTL).Build()
		if err := e.client.Do(ctx, cmd).Error(); err != nil {
			return out, fmt.Errorf("error arming heartbeat: %w", err)
		}

		out = append(out, DequeuedRun{Run: run, SnapshotID: snap.ID, Message: m})
	}
	return out, nil
}

// transition verifies the caller holds the latest snapshot and that the
// move is legal, then appends the new snapshot and updates the run row.
func (e *Engine) transition(ctx context.Context, runID, snapshotID string, to enums.RunExecutionStatus, reason string) (Run, Snapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, Snapshot{}, err
	}

	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return Run{}, Snapshot{}, err
	}
	if latest.ID != snapshotID {
		return Run{}, Snapshot{}, fmt.Errorf("%w: have %s, latest is %s", ErrSnapshotMismatch, snapshotID, latest.ID)
	}

	if !ValidTransition(run.Status, to) {
		return Run{}, Snapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, to)
	}

	now := e.clock.Now()
	snap := Snapshot{
		ID:        e.newULID().String(),
		RunID:     runID,
		Status:    to,
		Reason:    reason,
		CreatedAt: now,
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return Run{}, Snapshot{}, err
	}
	st := e.store.WithTx(tx)

	if err := st.UpdateRunState(ctx, runID, to, run.Attempt, run.QueueMember, now); err != nil {
		_ = tx.Rollback()
		return Run{}, Snapshot{}, err
	}
	if err := st.InsertSnapshot(ctx, snap); err != nil {
		_ = tx.Rollback()
		return Run{}, Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Run{}, Snapshot{}, err
	}

	run.Status = to
	run.UpdatedAt = now
	return run, snap, nil
}

// StartAttempt moves a claimed run into EXECUTING.
func (e *Engine) StartAttempt(ctx context.Context, runID, snapshotID string) (Snapshot, error) {
	_, snap, err := e.transition(ctx, runID, snapshotID, enums.RunExecutionStatusExecuting, "attempt started")
	return snap, err
}

// Suspend parks an executing run on a durable wait.
func (e *Engine) Suspend(ctx context.Context, runID, snapshotID, reason string) (Snapshot, error) {
	if reason == "" {
		reason = "suspended"
	}
	_, snap, err := e.transition(ctx, runID, snapshotID, enums.RunExecutionStatusSuspended, reason)
	return snap, err
}

// Resume moves a suspended run back into EXECUTING.
func (e *Engine) Resume(ctx context.Context, runID, snapshotID string) (Snapshot, error) {
	_, snap, err := e.transition(ctx, runID, snapshotID, enums.RunExecutionStatusExecuting, "resumed")
	return snap, err
}

type CompleteRequest struct {
	// Status must be terminal.
	Status enums.RunExecutionStatus
	Output string
}

// CompleteAttempt ends a run: terminal snapshot, waitpoint completion,
// concurrency release and heartbeat teardown.
func (e *Engine) CompleteAttempt(ctx context.Context, runID, snapshotID string, req CompleteRequest) (Snapshot, error) {
	if !req.Status.IsTerminal() {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotTerminalStatus, req.Status)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}

	_, snap, err := e.transition(ctx, runID, snapshotID, req.Status, "attempt completed")
	if err != nil {
		return Snapshot{}, err
	}

	if err := e.store.CompleteWaitpointsForRun(ctx, runID, req.Output, e.clock.Now()); err != nil {
		return Snapshot{}, fmt.Errorf("error completing waitpoints: %w", err)
	}

	queueKey := e.queue.KeyProducer().QueueKey(run.Environment(), run.Queue, run.ConcurrencyKey)
	if err := e.queue.ReleaseConcurrency(ctx, queueKey, run.QueueMember); err != nil {
		return Snapshot{}, err
	}

	del := e.client.B().Del().Key(heartbeatKey(runID)).Build()
	if err := e.client.Do(ctx, del).Error(); err != nil {
		return Snapshot{}, fmt.Errorf("error clearing heartbeat: %w", err)
	}

	e.log.Debug("completed run", "run_id", runID, "status", req.Status)
	return snap, nil
}

// Heartbeat extends the liveness window for a claimed run. A lost key means
// stall recovery may already own the run, so the worker must stop.
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotID string) error {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if latest.ID != snapshotID {
		return fmt.Errorf("%w: have %s, latest is %s", ErrSnapshotMismatch, snapshotID, latest.ID)
	}

	cmd := e.client.B().Pexpire().Key(heartbeatKey(runID)).
		Milliseconds(consts.HeartbeatTTL.Milliseconds()).Build()
	n, err := e.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("error extending heartbeat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrHeartbeatLost, runID)
	}
	return nil
}

// LatestSnapshot exposes the run's current snapshot for pollers.
func (e *Engine) LatestSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	return e.store.LatestSnapshot(ctx, runID)
}

// GetRun exposes the durable run record.
func (e *Engine) GetRun(ctx context.Context, runID string) (Run, error) {
	return e.store.GetRun(ctx, runID)
}

// RequeueStalled finds claimed runs whose heartbeat expired, releases their
// concurrency and puts them back in the queue with the attempt preserved.
// Returns the number of runs recovered.
func (e *Engine) RequeueStalled(ctx context.Context) (int, error) {
	claimed, err := e.store.RunsByStatus(ctx,
		enums.RunExecutionStatusDequeuedForExecution,
		enums.RunExecutionStatusExecuting,
	)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range claimed {
		exists := e.client.B().Exists().Key(heartbeatKey(run.ID)).Build()
		n, err := e.client.Do(ctx, exists).AsInt64()
		if err != nil {
			return recovered, fmt.Errorf("error checking heartbeat: %w", err)
		}
		if n > 0 {
			continue
		}

		env := run.Environment()
		queueKey := e.queue.KeyProducer().QueueKey(env, run.Queue, run.ConcurrencyKey)
		if err := e.queue.ReleaseConcurrency(ctx, queueKey, run.QueueMember); err != nil {
			return recovered, err
		}

		member, err := e.queue.Enqueue(ctx, env, run.Queue, runqueue.EnqueueRequest{
			RunID:          run.ID,
			TaskIdentifier: run.TaskIdentifier,
			WorkerQueue:    run.WorkerQueue,
			Attempt:        run.Attempt,
		}, runqueue.EnqueueOpts{ConcurrencyKey: run.ConcurrencyKey})
		if err != nil {
			return recovered, err
		}

		now := e.clock.Now()
		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			return recovered, err
		}
		st := e.store.WithTx(tx)

		if err := st.UpdateRunState(ctx, run.ID, enums.RunExecutionStatusQueued, run.Attempt, member.Encode(), now); err != nil {
			_ = tx.Rollback()
			return recovered, err
		}
		if err := st.InsertSnapshot(ctx, Snapshot{
			ID:        e.newULID().String(),
			RunID:     run.ID,
			Status:    enums.RunExecutionStatusQueued,
			Reason:    "requeued after stalled heartbeat",
			CreatedAt: now,
		}); err != nil {
			_ = tx.Rollback()
			return recovered, err
		}
		if err := tx.Commit(); err != nil {
			return recovered, err
		}

		e.log.Warn("requeued stalled run", "run_id", run.ID, "attempt", run.Attempt)
		recovered++
	}
	return recovered, nil
}

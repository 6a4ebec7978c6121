package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/enums"
)

func initStore(t *testing.T) *Store {
	t.Helper()

	db, err := OpenDB(DBOptions{InMemory: true, ForTest: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func testRun(id string) Run {
	now := time.UnixMilli(1_725_000_000_000)
	return Run{
		ID:             id,
		OrgID:          uuid.New(),
		ProjectID:      uuid.New(),
		EnvID:          uuid.New(),
		EnvType:        enums.EnvironmentTypeProduction,
		TaskIdentifier: "send-email",
		Queue:          "emails",
		WorkerQueue:    "shared",
		Status:         enums.RunExecutionStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := initStore(t)
	ctx := context.Background()

	run := testRun("run_1")
	require.NoError(t, s.InsertRun(ctx, run))

	t.Run("It reads back what was written", func(t *testing.T) {
		got, err := s.GetRun(ctx, "run_1")
		require.NoError(t, err)
		require.Equal(t, run, got)
	})

	t.Run("A missing run is a typed error", func(t *testing.T) {
		_, err := s.GetRun(ctx, "run_missing")
		require.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("UpdateRunState moves status, attempt and member together", func(t *testing.T) {
		now := run.CreatedAt.Add(time.Second)
		require.NoError(t, s.UpdateRunState(ctx, "run_1",
			enums.RunExecutionStatusDequeuedForExecution, 1, "member-raw", now))

		got, err := s.GetRun(ctx, "run_1")
		require.NoError(t, err)
		require.Equal(t, enums.RunExecutionStatusDequeuedForExecution, got.Status)
		require.Equal(t, 1, got.Attempt)
		require.Equal(t, "member-raw", got.QueueMember)
		require.Equal(t, now, got.UpdatedAt)
	})

	t.Run("Updating a missing run is a typed error", func(t *testing.T) {
		err := s.UpdateRunState(ctx, "run_missing",
			enums.RunExecutionStatusQueued, 0, "", run.CreatedAt)
		require.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestRunsByStatus(t *testing.T) {
	s := initStore(t)
	ctx := context.Background()

	queued := testRun("run_a")
	executing := testRun("run_b")
	executing.Status = enums.RunExecutionStatusExecuting
	done := testRun("run_c")
	done.Status = enums.RunExecutionStatusCompleted

	require.NoError(t, s.InsertRun(ctx, queued))
	require.NoError(t, s.InsertRun(ctx, executing))
	require.NoError(t, s.InsertRun(ctx, done))

	runs, err := s.RunsByStatus(ctx,
		enums.RunExecutionStatusQueued,
		enums.RunExecutionStatusExecuting,
	)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run_a", runs[0].ID)
	require.Equal(t, "run_b", runs[1].ID)
}

func TestSnapshotHistory(t *testing.T) {
	s := initStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_725_000_000_000)
	for i, snap := range []Snapshot{
		{ID: "01A", RunID: "run_1", Status: enums.RunExecutionStatusQueued, Reason: "triggered"},
		{ID: "01B", RunID: "run_1", Status: enums.RunExecutionStatusDequeuedForExecution, Reason: "dequeued for execution"},
		{ID: "01C", RunID: "run_1", Status: enums.RunExecutionStatusExecuting, Reason: "attempt started"},
		{ID: "01D", RunID: "run_2", Status: enums.RunExecutionStatusQueued, Reason: "triggered"},
	} {
		snap.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.InsertSnapshot(ctx, snap))
	}

	t.Run("LatestSnapshot is the newest by id", func(t *testing.T) {
		snap, err := s.LatestSnapshot(ctx, "run_1")
		require.NoError(t, err)
		require.Equal(t, "01C", snap.ID)
		require.Equal(t, enums.RunExecutionStatusExecuting, snap.Status)
	})

	t.Run("Snapshots lists newest first, scoped to the run", func(t *testing.T) {
		snaps, err := s.Snapshots(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		require.Equal(t, "01C", snaps[0].ID)
		require.Equal(t, "01B", snaps[1].ID)
		require.Equal(t, "01A", snaps[2].ID)
	})

	t.Run("A run without snapshots is a typed error", func(t *testing.T) {
		_, err := s.LatestSnapshot(ctx, "run_missing")
		require.ErrorIs(t, err, ErrSnapshotNotFound)
	})
}

func TestWaitpoints(t *testing.T) {
	s := initStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_725_000_000_000)
	require.NoError(t, s.InsertWaitpoint(ctx, Waitpoint{ID: "wp_1", RunID: "run_1", CreatedAt: base}))
	require.NoError(t, s.InsertWaitpoint(ctx, Waitpoint{ID: "wp_2", RunID: "run_1", CreatedAt: base}))
	require.NoError(t, s.InsertWaitpoint(ctx, Waitpoint{ID: "wp_3", RunID: "run_2", CreatedAt: base}))

	completedAt := base.Add(time.Minute)
	require.NoError(t, s.CompleteWaitpointsForRun(ctx, "run_1", `{"ok":true}`, completedAt))

	t.Run("Every open waitpoint on the run completes", func(t *testing.T) {
		wps, err := s.WaitpointsForRun(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, wps, 2)
		for _, wp := range wps {
			require.True(t, wp.Completed)
			require.Equal(t, `{"ok":true}`, wp.Output)
			require.NotNil(t, wp.CompletedAt)
			require.Equal(t, completedAt, *wp.CompletedAt)
		}
	})

	t.Run("Other runs are untouched", func(t *testing.T) {
		wps, err := s.WaitpointsForRun(ctx, "run_2")
		require.NoError(t, err)
		require.Len(t, wps, 1)
		require.False(t, wps[0].Completed)
	})
}

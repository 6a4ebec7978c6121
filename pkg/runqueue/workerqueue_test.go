package runqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/enums"
)

func testEntry(runID string) WorkerQueueEntry {
	return WorkerQueueEntry{
		RunID:       runID,
		WorkerQueue: "wq-1",
		Attempt:     1,
		EnvType:     enums.EnvironmentTypeProduction,
		QueueKey:    "{org:a}:proj:p:env:e:queue:q",
		ClaimedAt:   time.UnixMilli(1_725_000_000_000),
	}
}

func TestWorkerQueuePushPop(t *testing.T) {
	_, rc := initRedis(t)
	ctx := context.Background()
	wq := NewWorkerQueue(rc, NewKeyProducer())

	t.Run("Pop on an empty queue reports no entry", func(t *testing.T) {
		_, remaining, ok, err := wq.Pop(ctx, "wq-1")
		require.NoError(t, err)
		require.False(t, ok)
		require.Zero(t, remaining)
	})

	t.Run("It pops in FIFO order with remaining length", func(t *testing.T) {
		first := testEntry("run_1")
		second := testEntry("run_2")
		require.NoError(t, wq.PushBatch(ctx, "wq-1", first, second))

		entry, remaining, ok, err := wq.Pop(ctx, "wq-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, entry)
		require.EqualValues(t, 1, remaining)

		entry, remaining, ok, err = wq.Pop(ctx, "wq-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, second, entry)
		require.Zero(t, remaining)
	})
}

func TestWorkerQueuePeekRemoveClear(t *testing.T) {
	_, rc := initRedis(t)
	ctx := context.Background()
	wq := NewWorkerQueue(rc, NewKeyProducer())

	first := testEntry("run_1")
	second := testEntry("run_2")
	require.NoError(t, wq.PushBatch(ctx, "wq-1", first, second))

	t.Run("Peek does not remove", func(t *testing.T) {
		entry, ok, err := wq.Peek(ctx, "wq-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, entry)

		n, err := wq.Length(ctx, "wq-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})

	t.Run("Remove deletes by value", func(t *testing.T) {
		require.NoError(t, wq.Remove(ctx, "wq-1", first))

		entry, ok, err := wq.Peek(ctx, "wq-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, second, entry)
	})

	t.Run("Clear empties the queue", func(t *testing.T) {
		require.NoError(t, wq.Clear(ctx, "wq-1"))
		n, err := wq.Length(ctx, "wq-1")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestWorkerQueueBlockingPop(t *testing.T) {
	_, rc := initRedis(t)
	wq := NewWorkerQueue(rc, NewKeyProducer())

	t.Run("It returns a waiting entry immediately", func(t *testing.T) {
		ctx := context.Background()
		entry := testEntry("run_1")
		require.NoError(t, wq.Push(ctx, entry))

		got, ok, err := wq.BlockingPop(ctx, entry.WorkerQueue, 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entry, got)
	})

	t.Run("It times out without an error", func(t *testing.T) {
		got, ok, err := wq.BlockingPop(context.Background(), "wq-empty", time.Second)
		require.NoError(t, err)
		require.False(t, ok)
		require.Zero(t, got)
	})

	t.Run("An already-cancelled context short-circuits", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		_, ok, err := wq.BlockingPop(ctx, "wq-empty", 10*time.Second)
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, ok)
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("Cancellation unblocks a waiting call promptly", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, _, err := wq.BlockingPop(ctx, "wq-empty", 30*time.Second)
			done <- err
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("blocking pop did not unblock after cancellation")
		}
	})
}

package runqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// WorkerQueue is the blocking handoff layer: a per-consumer-group list fed
// by the master queue consumer, popped by workers. The blocking pop is what
// lets idle workers wait without polling.
type WorkerQueue struct {
	client rueidis.Client
	kp     KeyProducer
}

func NewWorkerQueue(client rueidis.Client, kp KeyProducer) *WorkerQueue {
	return &WorkerQueue{client: client, kp: kp}
}

func (w *WorkerQueue) Push(ctx context.Context, entry WorkerQueueEntry) error {
	return w.PushBatch(ctx, entry.WorkerQueue, entry)
}

func (w *WorkerQueue) PushBatch(ctx context.Context, workerQueueID string, entries ...WorkerQueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	encoded := make([]string, len(entries))
	for i, e := range entries {
		encoded[i] = e.Encode()
	}

	cmd := w.client.B().Rpush().Key(w.kp.WorkerQueueKey(workerQueueID)).Element(encoded...).Build()
	if err := w.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error pushing worker queue entries: %w", err)
	}
	return nil
}

// Pop removes and returns the head entry plus the remaining length in one
// atomic execution. ok is false when the queue is empty.
func (w *WorkerQueue) Pop(ctx context.Context, workerQueueID string) (entry WorkerQueueEntry, remaining int64, ok bool, err error) {
	keys := []string{w.kp.WorkerQueueKey(workerQueueID)}
	res, err := scripts["workerQueue/popWithLength"].Exec(ctx, w.client, keys, []string{}).ToArray()
	if err != nil {
		return WorkerQueueEntry{}, 0, false, fmt.Errorf("error popping worker queue entry: %w", err)
	}
	if len(res) != 2 {
		return WorkerQueueEntry{}, 0, false, fmt.Errorf("invalid pop response of length %d", len(res))
	}

	raw, err := res[0].ToString()
	if err != nil {
		return WorkerQueueEntry{}, 0, false, err
	}
	remaining, err = res[1].AsInt64()
	if err != nil {
		return WorkerQueueEntry{}, 0, false, err
	}

	if raw == "" {
		return WorkerQueueEntry{}, remaining, false, nil
	}

	decoded, valid := DecodeWorkerQueueEntry(raw)
	if !valid {
		return WorkerQueueEntry{}, remaining, false, fmt.Errorf("malformed worker queue entry: %q", raw)
	}
	return decoded, remaining, true, nil
}

// BlockingPop waits up to timeout for an entry. rueidis issues blocking
// commands on a dedicated connection, so the shared pipeline is never
// occupied; cancelling ctx closes that connection and unblocks the call
// promptly with no side effects on other callers. An already-cancelled ctx
// short-circuits before the blocking call is attempted.
func (w *WorkerQueue) BlockingPop(ctx context.Context, workerQueueID string, timeout time.Duration) (WorkerQueueEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return WorkerQueueEntry{}, false, err
	}

	cmd := w.client.B().Blpop().
		Key(w.kp.WorkerQueueKey(workerQueueID)).
		Timeout(timeout.Seconds()).
		Build()

	res, err := w.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			// Timed out with no entry; a normal outcome, not an error.
			return WorkerQueueEntry{}, false, nil
		}
		return WorkerQueueEntry{}, false, fmt.Errorf("error blocking on worker queue: %w", err)
	}
	if len(res) != 2 {
		return WorkerQueueEntry{}, false, fmt.Errorf("invalid blpop response of length %d", len(res))
	}

	decoded, valid := DecodeWorkerQueueEntry(res[1])
	if !valid {
		return WorkerQueueEntry{}, false, fmt.Errorf("malformed worker queue entry: %q", res[1])
	}
	return decoded, true, nil
}

// Peek returns the head entry without removing it.
func (w *WorkerQueue) Peek(ctx context.Context, workerQueueID string) (WorkerQueueEntry, bool, error) {
	cmd := w.client.B().Lindex().Key(w.kp.WorkerQueueKey(workerQueueID)).Index(0).Build()
	raw, err := w.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return WorkerQueueEntry{}, false, nil
		}
		return WorkerQueueEntry{}, false, fmt.Errorf("error peeking worker queue: %w", err)
	}

	decoded, valid := DecodeWorkerQueueEntry(raw)
	if !valid {
		return WorkerQueueEntry{}, false, fmt.Errorf("malformed worker queue entry: %q", raw)
	}
	return decoded, true, nil
}

// Remove deletes all occurrences of the entry from the queue by value.
func (w *WorkerQueue) Remove(ctx context.Context, workerQueueID string, entry WorkerQueueEntry) error {
	cmd := w.client.B().Lrem().Key(w.kp.WorkerQueueKey(workerQueueID)).Count(0).Element(entry.Encode()).Build()
	if err := w.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error removing worker queue entry: %w", err)
	}
	return nil
}

func (w *WorkerQueue) Clear(ctx context.Context, workerQueueID string) error {
	cmd := w.client.B().Del().Key(w.kp.WorkerQueueKey(workerQueueID)).Build()
	if err := w.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error clearing worker queue: %w", err)
	}
	return nil
}

func (w *WorkerQueue) Length(ctx context.Context, workerQueueID string) (int64, error) {
	cmd := w.client.B().Llen().Key(w.kp.WorkerQueueKey(workerQueueID)).Build()
	n, err := w.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading worker queue length: %w", err)
	}
	return n, nil
}

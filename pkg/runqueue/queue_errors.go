package runqueue

import "fmt"

var (
	ErrInvalidQueueKey = fmt.Errorf("invalid queue key")

	// ErrInvalidQueueName rejects queue names and concurrency keys that
	// contain reserved key grammar or member separator characters; such
	// names would produce keys the descriptor parser cannot invert.
	ErrInvalidQueueName = fmt.Errorf("invalid queue name")

	// ErrPriorityWithExplicitTimestamp rejects enqueues setting both a
	// priority offset and an explicit queue timestamp; the two mechanisms
	// both shift eligibility and must not be combined silently.
	ErrPriorityWithExplicitTimestamp = fmt.Errorf("priority offset cannot be combined with an explicit queue timestamp")

	ErrShardOutOfRange = fmt.Errorf("shard out of range")

	ErrMessageNotFound = fmt.Errorf("message not found")
)

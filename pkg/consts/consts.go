package consts

import "time"

const (
	// DefaultShardCount is the number of master queue shards used when no
	// shard count is configured.
	DefaultShardCount = 4

	// DefaultQueueConcurrencyLimit applies to queues with no stored limit.
	DefaultQueueConcurrencyLimit = 10

	// DefaultEnvConcurrencyLimit applies to environments with no stored limit.
	DefaultEnvConcurrencyLimit = 100

	// DefaultEnvConcurrencyBurstFactor multiplies the environment limit.
	// Stored burst factors override it per environment.
	DefaultEnvConcurrencyBurstFactor = 1.0

	// DefaultDequeueLimit is the number of candidate queues scanned per
	// shard in a single dequeue pass.
	DefaultDequeueLimit = 10

	// HeartbeatTTL is how long a dequeued run stays live without a
	// heartbeat before it becomes eligible for requeue.
	HeartbeatTTL = 60 * time.Second

	// MessageTTL bounds how long an enqueued message payload is retained
	// after its member leaves the queue.
	MessageTTL = 7 * 24 * time.Hour

	DefaultAPIPort = 3050
)

package runqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"

	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/util"
)

// MasterQueue is the sharded queue-of-queues: per shard, a sorted set of
// queue ids scored by the timestamp of each queue's oldest pending message.
// A queue id appears in its shard's set iff the underlying queue is
// non-empty; the conditional add/remove scripts are what keep that invariant
// under concurrent enqueue and dequeue.
type MasterQueue struct {
	client     rueidis.Client
	kp         KeyProducer
	shardCount int
	clock      clockwork.Clock
	log        logger.Logger
}

// MasterQueueEntry annotates a queue id with its tenant and oldest-message
// score.
type MasterQueueEntry struct {
	QueueID string
	OrgID   uuid.UUID
	Score   time.Time
}

func NewMasterQueue(client rueidis.Client, kp KeyProducer, shardCount int, clock clockwork.Clock) *MasterQueue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MasterQueue{
		client:     client,
		kp:         kp,
		shardCount: shardCount,
		clock:      clock,
		log:        logger.New(),
	}
}

func (m *MasterQueue) ShardCount() int {
	return m.shardCount
}

// ShardForQueue assigns a queue to a shard by jump-hashing its id. The
// assignment is re-derivable from the id alone, so no shard mapping is ever
// stored and shard count changes need no migration metadata.
func (m *MasterQueue) ShardForQueue(queueID string) int {
	return util.JumpHash(util.XXHash64(queueID), m.shardCount)
}

// ShardKeyForQueue returns the redis key of the shard owning queueID.
func (m *MasterQueue) ShardKeyForQueue(queueID string) string {
	return m.kp.MasterQueueShardKey(m.ShardForQueue(queueID))
}

func (m *MasterQueue) shardKeyFor(queueID string) string {
	return m.ShardKeyForQueue(queueID)
}

// Add upserts the queue's master index entry with the given score.
func (m *MasterQueue) Add(ctx context.Context, queueID string, score time.Time) error {
	cmd := m.client.B().Zadd().
		Key(m.shardKeyFor(queueID)).
		ScoreMember().
		ScoreMember(float64(score.UnixMilli()), queueID).
		Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error adding queue to master index: %w", err)
	}
	return nil
}

// UpdateScore is an alias for Add; ZADD upserts are idempotent.
func (m *MasterQueue) UpdateScore(ctx context.Context, queueID string, score time.Time) error {
	return m.Add(ctx, queueID, score)
}

// Remove unconditionally removes the queue from its shard.
func (m *MasterQueue) Remove(ctx context.Context, queueID string) error {
	cmd := m.client.B().Zrem().Key(m.shardKeyFor(queueID)).Member(queueID).Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("error removing queue from master index: %w", err)
	}
	return nil
}

// AddIfNotEmpty advertises the queue only if it currently holds messages,
// scoring it by the oldest member. Returns false when the queue was empty.
func (m *MasterQueue) AddIfNotEmpty(ctx context.Context, queueID, queueKey string) (bool, error) {
	keys := []string{queueKey}
	args := []string{queueID, m.shardKeyFor(queueID)}
	status, err := scripts["master/addIfNotEmpty"].Exec(ctx, m.client, keys, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error running conditional master index add: %w", err)
	}
	return status == 1, nil
}

// RemoveIfEmpty removes the queue's entry only if the underlying queue is
// actually empty. Returns false when the queue still has members.
func (m *MasterQueue) RemoveIfEmpty(ctx context.Context, queueID, queueKey string) (bool, error) {
	keys := []string{queueKey}
	args := []string{queueID, m.shardKeyFor(queueID)}
	status, err := scripts["master/removeIfEmpty"].Exec(ctx, m.client, keys, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("error running conditional master index remove: %w", err)
	}
	return status == 1, nil
}

// QueuesInShard returns up to limit queues in the shard with an oldest
// message at or before maxScore, oldest first. A zero maxScore means now.
func (m *MasterQueue) QueuesInShard(ctx context.Context, shard int, limit int64, maxScore time.Time) ([]MasterQueueEntry, error) {
	if shard < 0 || shard >= m.shardCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrShardOutOfRange, shard, m.shardCount)
	}
	if maxScore.IsZero() {
		maxScore = m.clock.Now()
	}

	cmd := m.client.B().Zrangebyscore().
		Key(m.kp.MasterQueueShardKey(shard)).
		Min("-inf").
		Max(strconv.FormatInt(maxScore.UnixMilli(), 10)).
		Withscores().
		Limit(0, limit).
		Build()

	scored, err := m.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return nil, fmt.Errorf("error reading master index shard: %w", err)
	}

	entries := make([]MasterQueueEntry, 0, len(scored))
	for _, z := range scored {
		desc, err := m.kp.QueueDescriptorFromQueue(z.Member)
		if err != nil {
			// One poisoned entry must not block the rest of the shard.
			m.log.Warn("skipping unparseable master index entry",
				"shard", shard,
				"member", z.Member,
				"error", err,
			)
			continue
		}
		entries = append(entries, MasterQueueEntry{
			QueueID: z.Member,
			OrgID:   desc.OrgID,
			Score:   time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

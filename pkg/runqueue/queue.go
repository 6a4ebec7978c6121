package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"

	"github.com/runlane/runlane/pkg/consts"
	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/ratelimit"
	"github.com/runlane/runlane/pkg/util"
)

// RateLimitSource supplies the optional per-queue dequeue rate limit. A
// miss means the queue is not rate limited.
type RateLimitSource interface {
	RateLimitForQueue(queueKey string) (ratelimit.Config, bool)
}

// Queue is the fair multi-tenant run queue: it admits members with
// priority-adjusted FIFO ordering and hands them out under per-queue and
// per-environment concurrency limits plus optional per-queue rate limits.
// All cross-tenant coordination happens in server-side scripts, so any
// number of processes may call the same methods concurrently.
type Queue struct {
	client rueidis.Client
	kp     KeyProducer
	master *MasterQueue
	worker *WorkerQueue
	clock  clockwork.Clock
	log    logger.Logger

	defaultQueueConcurrency int
	defaultEnvConcurrency   int
	defaultBurstFactor      float64

	rateLimits RateLimitSource
}

type QueueOpt func(q *Queue)

func WithClock(c clockwork.Clock) QueueOpt {
	return func(q *Queue) {
		q.clock = c
	}
}

func WithLogger(l logger.Logger) QueueOpt {
	return func(q *Queue) {
		q.log = l
	}
}

func WithShardCount(n int) QueueOpt {
	return func(q *Queue) {
		q.master = NewMasterQueue(q.client, q.kp, n, q.clock)
	}
}

func WithRateLimitSource(s RateLimitSource) QueueOpt {
	return func(q *Queue) {
		q.rateLimits = s
	}
}

func WithDefaultQueueConcurrency(n int) QueueOpt {
	return func(q *Queue) {
		q.defaultQueueConcurrency = n
	}
}

func WithDefaultEnvConcurrency(n int) QueueOpt {
	return func(q *Queue) {
		q.defaultEnvConcurrency = n
	}
}

func NewQueue(client rueidis.Client, opts ...QueueOpt) *Queue {
	kp := NewKeyProducer()
	q := &Queue{
		client:                  client,
		kp:                      kp,
		clock:                   clockwork.NewRealClock(),
		log:                     logger.New(),
		defaultQueueConcurrency: consts.DefaultQueueConcurrencyLimit,
		defaultEnvConcurrency:   consts.DefaultEnvConcurrencyLimit,
		defaultBurstFactor:      consts.DefaultEnvConcurrencyBurstFactor,
	}
	q.master = NewMasterQueue(client, kp, consts.DefaultShardCount, q.clock)
	q.worker = NewWorkerQueue(client, kp)

	for _, apply := range opts {
		apply(q)
	}

	// Options may replace the clock or logger after the master queue was built.
	q.master.clock = q.clock
	q.master.log = q.log

	return q
}

func (q *Queue) KeyProducer() KeyProducer {
	return q.kp
}

func (q *Queue) Master() *MasterQueue {
	return q.master
}

func (q *Queue) Worker() *WorkerQueue {
	return q.worker
}

// MessagePayload is the full message stored alongside a queue member,
// looked up by message key at dispatch time.
type MessagePayload struct {
	RunID          string                `json:"runId"`
	TaskIdentifier string                `json:"taskIdentifier"`
	QueueKey       string                `json:"queueKey"`
	EnvType        enums.EnvironmentType `json:"envType"`
	WorkerQueue    string                `json:"workerQueue"`
	Attempt        int                   `json:"attempt"`
	Timestamp      time.Time             `json:"timestamp"`
}

type EnqueueRequest struct {
	RunID          string
	TaskIdentifier string
	WorkerQueue    string
	Attempt        int
}

type EnqueueOpts struct {
	// QueueTimestamp overrides the nominal enqueue time; future-dated
	// timestamps delay eligibility.
	QueueTimestamp *time.Time

	// PriorityMs shifts the effective timestamp: positive values dequeue
	// sooner, negative values delay until real time catches up. Priority
	// is an offset on the ordering score, not a separate ordering key, so
	// ties resolve by whichever effective timestamp is smaller.
	PriorityMs int64

	ConcurrencyKey string
}

// Enqueue adds one runnable attempt to the tenant's queue and advertises
// the queue in the master index, atomically.
func (q *Queue) Enqueue(ctx context.Context, env Environment, queueName string, req EnqueueRequest, opts EnqueueOpts) (QueueMember, error) {
	if opts.QueueTimestamp != nil && opts.PriorityMs != 0 {
		return QueueMember{}, ErrPriorityWithExplicitTimestamp
	}
	if queueName == "" || !validKeySegment(queueName) {
		return QueueMember{}, fmt.Errorf("%w: %q", ErrInvalidQueueName, queueName)
	}
	if !validKeySegment(opts.ConcurrencyKey) {
		return QueueMember{}, fmt.Errorf("%w: concurrency key %q", ErrInvalidQueueName, opts.ConcurrencyKey)
	}

	ts := q.clock.Now()
	if opts.QueueTimestamp != nil {
		ts = *opts.QueueTimestamp
	}
	score := ts.UnixMilli() - opts.PriorityMs

	queueKey := q.kp.QueueKey(env, queueName, opts.ConcurrencyKey)
	member := QueueMember{
		RunID:       req.RunID,
		WorkerQueue: req.WorkerQueue,
		Attempt:     req.Attempt,
		EnvType:     env.Type,
	}

	payload, err := json.Marshal(MessagePayload{
		RunID:          req.RunID,
		TaskIdentifier: req.TaskIdentifier,
		QueueKey:       queueKey,
		EnvType:        env.Type,
		WorkerQueue:    req.WorkerQueue,
		Attempt:        req.Attempt,
		Timestamp:      ts,
	})
	if err != nil {
		return QueueMember{}, fmt.Errorf("error marshalling message payload: %w", err)
	}

	keys := []string{
		queueKey,
		q.kp.MessageKey(env.Organization.ID, req.RunID),
	}
	args, err := util.StrSlice([]any{
		member.Encode(),
		score,
		payload,
		consts.MessageTTL.Milliseconds(),
		queueKey,
		q.master.ShardKeyForQueue(queueKey),
	})
	if err != nil {
		return QueueMember{}, err
	}

	if _, err := scripts["queue/enqueue"].Exec(ctx, q.client, keys, args).AsInt64(); err != nil {
		return QueueMember{}, fmt.Errorf("error enqueueing member: %w", err)
	}

	q.log.Debug("enqueued member",
		"queue_key", queueKey,
		"run_id", req.RunID,
		"score", score,
	)

	return member, nil
}

// DequeuedMessage is one member claimed from a tenant queue.
type DequeuedMessage struct {
	Member   QueueMember
	QueueKey string
	Score    time.Time
	Entry    WorkerQueueEntry

	// RawMember is the exact string stored in the concurrency sets; it is
	// required to release concurrency for this claim.
	RawMember string
}

// DequeueFromShard scans the shard's queues oldest-first and claims up to
// limit members. Queues over a concurrency limit or rate limit are skipped
// without losing their master index entry: they are throttled, not empty.
// Finding no eligible work returns an empty slice, not an error.
func (q *Queue) DequeueFromShard(ctx context.Context, shard int, limit int) ([]DequeuedMessage, error) {
	if limit <= 0 {
		limit = 1
	}

	scan := int64(consts.DefaultDequeueLimit)
	if int64(limit) > scan {
		scan = int64(limit)
	}

	entries, err := q.master.QueuesInShard(ctx, shard, scan, time.Time{})
	if err != nil {
		return nil, err
	}

	out := make([]DequeuedMessage, 0, limit)
	for _, entry := range entries {
		if len(out) >= limit {
			break
		}

		msg, ok, err := q.dequeueFromQueue(ctx, entry.QueueID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// DequeueAndRoute claims members from a shard and pushes each onto its
// target worker queue for blocking delivery. This is the master-queue
// consumer half of the two-layer handoff.
func (q *Queue) DequeueAndRoute(ctx context.Context, shard int, limit int) (int, error) {
	msgs, err := q.DequeueFromShard(ctx, shard, limit)
	if err != nil {
		return 0, err
	}

	routed := 0
	for _, m := range msgs {
		if err := q.worker.Push(ctx, m.Entry); err != nil {
			return routed, err
		}
		routed++
	}
	return routed, nil
}

func (q *Queue) dequeueFromQueue(ctx context.Context, queueKey string) (DequeuedMessage, bool, error) {
	envCurrentKey, err := q.kp.EnvCurrentConcurrencyKeyFromQueue(queueKey)
	if err != nil {
		return DequeuedMessage{}, false, err
	}
	envLimitKey, err := q.kp.EnvConcurrencyLimitKeyFromQueue(queueKey)
	if err != nil {
		return DequeuedMessage{}, false, err
	}
	burstFactorKey, err := q.kp.EnvConcurrencyLimitBurstFactorKeyFromQueue(queueKey)
	if err != nil {
		return DequeuedMessage{}, false, err
	}
	disabledKey, err := q.kp.DisabledConcurrencyLimitKeyFromQueue(queueKey)
	if err != nil {
		return DequeuedMessage{}, false, err
	}

	rlEnabled := false
	var rlConfig ratelimit.Config
	if q.rateLimits != nil {
		rlConfig, rlEnabled = q.rateLimits.RateLimitForQueue(queueKey)
	}

	keys := []string{
		queueKey,
		q.kp.CurrentConcurrencyKeyFromQueue(queueKey),
		q.kp.ConcurrencyLimitKeyFromQueue(queueKey),
		envCurrentKey,
		envLimitKey,
		burstFactorKey,
		q.kp.RateLimitKeyFromQueue(queueKey),
		disabledKey,
	}
	args, err := util.StrSlice([]any{
		queueKey,
		q.clock.Now().UnixMilli(),
		q.defaultQueueConcurrency,
		q.defaultEnvConcurrency,
		fmt.Sprintf("%f", q.defaultBurstFactor),
		rlEnabled,
		rlConfig.EmissionInterval.Milliseconds(),
		rlConfig.BurstTolerance.Milliseconds(),
		rlConfig.KeyExpiration.Milliseconds(),
		q.master.ShardKeyForQueue(queueKey),
	})
	if err != nil {
		return DequeuedMessage{}, false, err
	}

	res, err := scripts["queue/dequeueMessage"].Exec(ctx, q.client, keys, args).ToArray()
	if err != nil {
		return DequeuedMessage{}, false, fmt.Errorf("error dequeueing from queue: %w", err)
	}
	if len(res) == 0 {
		return DequeuedMessage{}, false, fmt.Errorf("empty dequeue response")
	}

	status, err := res[0].AsInt64()
	if err != nil {
		return DequeuedMessage{}, false, err
	}

	switch status {
	case dequeueStatusOK:
		if len(res) != 3 {
			return DequeuedMessage{}, false, fmt.Errorf("invalid dequeue response of length %d", len(res))
		}
		raw, err := res[1].ToString()
		if err != nil {
			return DequeuedMessage{}, false, err
		}
		score, err := res[2].AsFloat64()
		if err != nil {
			return DequeuedMessage{}, false, err
		}

		member, valid := DecodeQueueMember(raw)
		if !valid {
			return DequeuedMessage{}, false, fmt.Errorf("malformed queue member: %q", raw)
		}

		return DequeuedMessage{
			Member:    member,
			QueueKey:  queueKey,
			Score:     time.UnixMilli(int64(score)),
			Entry:     EntryFromMember(member, queueKey, q.clock.Now()),
			RawMember: raw,
		}, true, nil

	case dequeueStatusQueueConcurrency, dequeueStatusEnvConcurrency, dequeueStatusOrgDisabled,
		dequeueStatusEmpty, dequeueStatusNotReady:
		return DequeuedMessage{}, false, nil

	case dequeueStatusRateLimited:
		if len(res) == 2 {
			if retryAfter, err := res[1].AsInt64(); err == nil {
				q.log.Debug("queue rate limited", "queue_key", queueKey, "retry_after_ms", retryAfter)
			}
		}
		return DequeuedMessage{}, false, nil

	default:
		return DequeuedMessage{}, false, fmt.Errorf("unknown dequeue status: %d", status)
	}
}

// ReleaseConcurrency decrements both concurrency scopes for a claimed
// member and drops the queue from the master index if it drained. Called
// exactly once per completed, failed, or cancelled run.
func (q *Queue) ReleaseConcurrency(ctx context.Context, queueKey, rawMember string) error {
	envCurrentKey, err := q.kp.EnvCurrentConcurrencyKeyFromQueue(queueKey)
	if err != nil {
		return err
	}

	keys := []string{
		q.kp.CurrentConcurrencyKeyFromQueue(queueKey),
		envCurrentKey,
		queueKey,
	}
	args := []string{rawMember, queueKey, q.master.ShardKeyForQueue(queueKey)}

	if _, err := scripts["queue/releaseConcurrency"].Exec(ctx, q.client, keys, args).AsInt64(); err != nil {
		return fmt.Errorf("error releasing concurrency: %w", err)
	}
	return nil
}

// ReadMessage loads the stored payload for a run's message.
func (q *Queue) ReadMessage(ctx context.Context, orgID uuid.UUID, runID string) (MessagePayload, error) {
	cmd := q.client.B().Get().Key(q.kp.MessageKey(orgID, runID)).Build()
	raw, err := q.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return MessagePayload{}, fmt.Errorf("%w: %s", ErrMessageNotFound, runID)
		}
		return MessagePayload{}, fmt.Errorf("error reading message: %w", err)
	}

	var payload MessagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return MessagePayload{}, fmt.Errorf("error unmarshalling message payload: %w", err)
	}
	return payload, nil
}

// Length returns the number of pending members in a tenant queue.
func (q *Queue) Length(ctx context.Context, queueKey string) (int64, error) {
	n, err := q.client.Do(ctx, q.client.B().Zcard().Key(queueKey).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading queue length: %w", err)
	}
	return n, nil
}

// CurrentConcurrency returns the queue-scoped in-flight count.
func (q *Queue) CurrentConcurrency(ctx context.Context, queueKey string) (int64, error) {
	key := q.kp.CurrentConcurrencyKeyFromQueue(queueKey)
	n, err := q.client.Do(ctx, q.client.B().Scard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading queue concurrency: %w", err)
	}
	return n, nil
}

// EnvCurrentConcurrency returns the environment-scoped in-flight count.
func (q *Queue) EnvCurrentConcurrency(ctx context.Context, env Environment) (int64, error) {
	key := q.kp.EnvCurrentConcurrencyKey(env)
	n, err := q.client.Do(ctx, q.client.B().Scard().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error reading env concurrency: %w", err)
	}
	return n, nil
}

func (q *Queue) SetQueueConcurrencyLimit(ctx context.Context, queueKey string, limit int) error {
	key := q.kp.ConcurrencyLimitKeyFromQueue(queueKey)
	return q.client.Do(ctx, q.client.B().Set().Key(key).Value(fmt.Sprintf("%d", limit)).Build()).Error()
}

func (q *Queue) SetEnvConcurrencyLimit(ctx context.Context, env Environment, limit int) error {
	key := q.kp.EnvConcurrencyLimitKey(env)
	return q.client.Do(ctx, q.client.B().Set().Key(key).Value(fmt.Sprintf("%d", limit)).Build()).Error()
}

func (q *Queue) SetEnvConcurrencyBurstFactor(ctx context.Context, env Environment, factor float64) error {
	key := q.kp.EnvConcurrencyLimitBurstFactorKey(env)
	return q.client.Do(ctx, q.client.B().Set().Key(key).Value(fmt.Sprintf("%f", factor)).Build()).Error()
}

// SetOrgDisabled marks or clears an organization as disabled for dequeue.
func (q *Queue) SetOrgDisabled(ctx context.Context, orgID uuid.UUID, disabled bool) error {
	key := q.kp.DisabledConcurrencyLimitKey(orgID)
	if disabled {
		return q.client.Do(ctx, q.client.B().Set().Key(key).Value("1").Build()).Error()
	}
	return q.client.Do(ctx, q.client.B().Del().Key(key).Build()).Error()
}

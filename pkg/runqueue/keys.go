package runqueue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/runlane/runlane/pkg/enums"
)

// Environment is the minimal tenant descriptor required to derive queue keys.
type Environment struct {
	ID           uuid.UUID
	Type         enums.EnvironmentType
	Project      Project
	Organization Organization
}

type Project struct {
	ID uuid.UUID
}

type Organization struct {
	ID uuid.UUID
}

// QueueDescriptor is the tenant identity parsed back out of a queue key. The
// queue key itself is the single source of truth for tenant identity; no
// secondary lookup is required to route a claimed message.
type QueueDescriptor struct {
	OrgID          uuid.UUID
	ProjectID      uuid.UUID
	EnvID          uuid.UUID
	Queue          string
	ConcurrencyKey string
}

// KeyProducer maps tenant tuples onto deterministic redis keys. All keys for
// one organization share the `{org:<id>}` hash tag so redis cluster co-locates
// a tenant's keys on one node. Implementations must be pure: no I/O, no state.
type KeyProducer interface {
	// QueueKey returns `{org:O}:proj:P:env:E:queue:Q[:ck:C]`.
	QueueKey(env Environment, queue string, concurrencyKey ...string) string

	ConcurrencyLimitKeyFromQueue(queueKey string) string
	CurrentConcurrencyKeyFromQueue(queueKey string) string

	EnvConcurrencyLimitKey(env Environment) string
	EnvCurrentConcurrencyKey(env Environment) string
	EnvConcurrencyLimitBurstFactorKey(env Environment) string

	EnvConcurrencyLimitKeyFromQueue(queueKey string) (string, error)
	EnvCurrentConcurrencyKeyFromQueue(queueKey string) (string, error)
	EnvConcurrencyLimitBurstFactorKeyFromQueue(queueKey string) (string, error)

	// DisabledConcurrencyLimitKey is organization-scoped only.
	DisabledConcurrencyLimitKey(orgID uuid.UUID) string
	DisabledConcurrencyLimitKeyFromQueue(queueKey string) (string, error)

	// RateLimitKeyFromQueue stores the queue's GCRA arrival time.
	RateLimitKeyFromQueue(queueKey string) string

	MessageKey(orgID uuid.UUID, messageID string) string

	MasterQueueShardKey(shard int) string
	WorkerQueueKey(workerQueueID string) string

	// QueueDescriptorFromQueue inverse-parses a queue key. Malformed keys
	// fail with ErrInvalidQueueKey rather than decoding partially.
	QueueDescriptorFromQueue(queueKey string) (QueueDescriptor, error)
}

const (
	concurrencyLimitSuffix   = "concurrency"
	currentConcurrencySuffix = "currentConcurrency"
	burstFactorSuffix        = "burstFactor"
	disabledConcurrencyKey   = "disabledConcurrency"
)

// validKeySegment reports whether a queue name or concurrency key may be
// embedded in a queue key. Colons would corrupt the key grammar and the
// member separator would corrupt encoded members, so both are reserved.
func validKeySegment(s string) bool {
	return !strings.ContainsAny(s, ":"+memberSeparator)
}

type defaultKeyProducer struct{}

// NewKeyProducer returns the canonical key producer.
func NewKeyProducer() KeyProducer {
	return defaultKeyProducer{}
}

func (defaultKeyProducer) orgScope(orgID uuid.UUID) string {
	return fmt.Sprintf("{org:%s}", orgID)
}

func (d defaultKeyProducer) envScope(env Environment) string {
	return fmt.Sprintf("%s:proj:%s:env:%s", d.orgScope(env.Organization.ID), env.Project.ID, env.ID)
}

func (d defaultKeyProducer) QueueKey(env Environment, queue string, concurrencyKey ...string) string {
	key := fmt.Sprintf("%s:queue:%s", d.envScope(env), queue)
	if len(concurrencyKey) > 0 && concurrencyKey[0] != "" {
		key = fmt.Sprintf("%s:ck:%s", key, concurrencyKey[0])
	}
	return key
}

func (d defaultKeyProducer) ConcurrencyLimitKeyFromQueue(queueKey string) string {
	return queueKey + ":" + concurrencyLimitSuffix
}

func (d defaultKeyProducer) CurrentConcurrencyKeyFromQueue(queueKey string) string {
	return queueKey + ":" + currentConcurrencySuffix
}

func (d defaultKeyProducer) EnvConcurrencyLimitKey(env Environment) string {
	return d.envScope(env) + ":" + concurrencyLimitSuffix
}

func (d defaultKeyProducer) EnvCurrentConcurrencyKey(env Environment) string {
	return d.envScope(env) + ":" + currentConcurrencySuffix
}

func (d defaultKeyProducer) EnvConcurrencyLimitBurstFactorKey(env Environment) string {
	return d.EnvConcurrencyLimitKey(env) + ":" + burstFactorSuffix
}

func (d defaultKeyProducer) envScopeFromQueue(queueKey string) (string, error) {
	desc, err := d.QueueDescriptorFromQueue(queueKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:proj:%s:env:%s", d.orgScope(desc.OrgID), desc.ProjectID, desc.EnvID), nil
}

func (d defaultKeyProducer) EnvConcurrencyLimitKeyFromQueue(queueKey string) (string, error) {
	scope, err := d.envScopeFromQueue(queueKey)
	if err != nil {
		return "", err
	}
	return scope + ":" + concurrencyLimitSuffix, nil
}

func (d defaultKeyProducer) EnvCurrentConcurrencyKeyFromQueue(queueKey string) (string, error) {
	scope, err := d.envScopeFromQueue(queueKey)
	if err != nil {
		return "", err
	}
	return scope + ":" + currentConcurrencySuffix, nil
}

func (d defaultKeyProducer) EnvConcurrencyLimitBurstFactorKeyFromQueue(queueKey string) (string, error) {
	limit, err := d.EnvConcurrencyLimitKeyFromQueue(queueKey)
	if err != nil {
		return "", err
	}
	return limit + ":" + burstFactorSuffix, nil
}

func (d defaultKeyProducer) DisabledConcurrencyLimitKey(orgID uuid.UUID) string {
	return d.orgScope(orgID) + ":" + disabledConcurrencyKey
}

func (d defaultKeyProducer) DisabledConcurrencyLimitKeyFromQueue(queueKey string) (string, error) {
	desc, err := d.QueueDescriptorFromQueue(queueKey)
	if err != nil {
		return "", err
	}
	return d.DisabledConcurrencyLimitKey(desc.OrgID), nil
}

func (d defaultKeyProducer) RateLimitKeyFromQueue(queueKey string) string {
	return queueKey + ":ratelimit"
}

func (d defaultKeyProducer) MessageKey(orgID uuid.UUID, messageID string) string {
	return fmt.Sprintf("%s:message:%s", d.orgScope(orgID), messageID)
}

func (d defaultKeyProducer) MasterQueueShardKey(shard int) string {
	return fmt.Sprintf("masterQueue:shard:%d", shard)
}

func (d defaultKeyProducer) WorkerQueueKey(workerQueueID string) string {
	return fmt.Sprintf("workerQueue:%s", workerQueueID)
}

func (d defaultKeyProducer) QueueDescriptorFromQueue(queueKey string) (QueueDescriptor, error) {
	parts := strings.Split(queueKey, ":")
	if len(parts) != 8 && len(parts) != 10 {
		return QueueDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidQueueKey, queueKey)
	}
	if parts[0] != "{org" || !strings.HasSuffix(parts[1], "}") ||
		parts[2] != "proj" || parts[4] != "env" || parts[6] != "queue" {
		return QueueDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidQueueKey, queueKey)
	}

	orgID, err := uuid.Parse(strings.TrimSuffix(parts[1], "}"))
	if err != nil {
		return QueueDescriptor{}, fmt.Errorf("%w: bad org id in %q", ErrInvalidQueueKey, queueKey)
	}
	projectID, err := uuid.Parse(parts[3])
	if err != nil {
		return QueueDescriptor{}, fmt.Errorf("%w: bad project id in %q", ErrInvalidQueueKey, queueKey)
	}
	envID, err := uuid.Parse(parts[5])
	if err != nil {
		return QueueDescriptor{}, fmt.Errorf("%w: bad env id in %q", ErrInvalidQueueKey, queueKey)
	}

	desc := QueueDescriptor{
		OrgID:     orgID,
		ProjectID: projectID,
		EnvID:     envID,
		Queue:     parts[7],
	}

	if len(parts) == 10 {
		if parts[8] != "ck" {
			return QueueDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidQueueKey, queueKey)
		}
		desc.ConcurrencyKey = parts[9]
	}

	return desc, nil
}

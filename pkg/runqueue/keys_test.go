package runqueue

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/enums"
)

func testEnv() Environment {
	return Environment{
		ID:           uuid.New(),
		Type:         enums.EnvironmentTypeProduction,
		Project:      Project{ID: uuid.New()},
		Organization: Organization{ID: uuid.New()},
	}
}

func TestQueueKeyRoundTrip(t *testing.T) {
	kp := NewKeyProducer()
	env := testEnv()

	t.Run("It round-trips with a concurrency key", func(t *testing.T) {
		key := kp.QueueKey(env, "my-queue", "user-123")
		desc, err := kp.QueueDescriptorFromQueue(key)
		require.NoError(t, err)
		require.Equal(t, QueueDescriptor{
			OrgID:          env.Organization.ID,
			ProjectID:      env.Project.ID,
			EnvID:          env.ID,
			Queue:          "my-queue",
			ConcurrencyKey: "user-123",
		}, desc)
	})

	t.Run("It round-trips without a concurrency key", func(t *testing.T) {
		key := kp.QueueKey(env, "my-queue")
		desc, err := kp.QueueDescriptorFromQueue(key)
		require.NoError(t, err)
		require.Empty(t, desc.ConcurrencyKey)
		require.Equal(t, "my-queue", desc.Queue)
		require.Equal(t, env.Organization.ID, desc.OrgID)
	})

	t.Run("It hash-tags by organization", func(t *testing.T) {
		key := kp.QueueKey(env, "q")
		require.Equal(t, fmt.Sprintf("{org:%s}", env.Organization.ID), key[:len(env.Organization.ID.String())+6])
	})
}

func TestConcurrencyKeys(t *testing.T) {
	kp := NewKeyProducer()
	env := testEnv()
	queueKey := kp.QueueKey(env, "q", "ck-1")

	t.Run("Queue-scoped keys derive by suffix transformation", func(t *testing.T) {
		require.Equal(t, queueKey+":concurrency", kp.ConcurrencyLimitKeyFromQueue(queueKey))
		require.Equal(t, queueKey+":currentConcurrency", kp.CurrentConcurrencyKeyFromQueue(queueKey))
	})

	t.Run("Env-scoped keys carry no queue component", func(t *testing.T) {
		limitKey := kp.EnvConcurrencyLimitKey(env)
		require.NotContains(t, limitKey, ":queue:")
		require.Contains(t, limitKey, env.ID.String())

		fromQueue, err := kp.EnvConcurrencyLimitKeyFromQueue(queueKey)
		require.NoError(t, err)
		require.Equal(t, limitKey, fromQueue)

		currentFromQueue, err := kp.EnvCurrentConcurrencyKeyFromQueue(queueKey)
		require.NoError(t, err)
		require.Equal(t, kp.EnvCurrentConcurrencyKey(env), currentFromQueue)

		burstFromQueue, err := kp.EnvConcurrencyLimitBurstFactorKeyFromQueue(queueKey)
		require.NoError(t, err)
		require.Equal(t, kp.EnvConcurrencyLimitBurstFactorKey(env), burstFromQueue)
	})

	t.Run("Disabled key is organization-scoped only", func(t *testing.T) {
		key, err := kp.DisabledConcurrencyLimitKeyFromQueue(queueKey)
		require.NoError(t, err)
		require.Equal(t, kp.DisabledConcurrencyLimitKey(env.Organization.ID), key)
		require.NotContains(t, key, env.ID.String())
		require.NotContains(t, key, env.Project.ID.String())
	})
}

// Every key handed to a script via KEYS must hash to the same slot; the
// org hash tag is what guarantees that for tenant-scoped keys. A key
// escaping the tag would make the dequeue script unroutable.
func TestTenantScopedKeysShareOrgHashTag(t *testing.T) {
	kp := NewKeyProducer()
	env := testEnv()
	queueKey := kp.QueueKey(env, "q", "ck-1")
	tag := fmt.Sprintf("{org:%s}", env.Organization.ID)

	envLimit, err := kp.EnvConcurrencyLimitKeyFromQueue(queueKey)
	require.NoError(t, err)
	envCurrent, err := kp.EnvCurrentConcurrencyKeyFromQueue(queueKey)
	require.NoError(t, err)
	burst, err := kp.EnvConcurrencyLimitBurstFactorKeyFromQueue(queueKey)
	require.NoError(t, err)
	disabled, err := kp.DisabledConcurrencyLimitKeyFromQueue(queueKey)
	require.NoError(t, err)

	for _, key := range []string{
		queueKey,
		kp.CurrentConcurrencyKeyFromQueue(queueKey),
		kp.ConcurrencyLimitKeyFromQueue(queueKey),
		envLimit,
		envCurrent,
		burst,
		kp.RateLimitKeyFromQueue(queueKey),
		disabled,
		kp.MessageKey(env.Organization.ID, "run_1"),
	} {
		require.True(t, strings.HasPrefix(key, tag), "key %q must carry the org hash tag", key)
	}
}

func TestQueueDescriptorFromQueueErrors(t *testing.T) {
	kp := NewKeyProducer()

	for _, malformed := range []string{
		"",
		"not-a-key",
		"{org:nope}:proj:x:env:y:queue:z",
		"{org:" + uuid.NewString() + "}:project:x:env:y:queue:z",
		"{org:" + uuid.NewString() + "}:proj:" + uuid.NewString() + ":env:" + uuid.NewString() + ":queue:q:extra",
	} {
		_, err := kp.QueueDescriptorFromQueue(malformed)
		require.ErrorIs(t, err, ErrInvalidQueueKey, "key %q should fail parsing", malformed)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runlane/runlane/pkg/consts"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, consts.DefaultShardCount, cfg.ShardCount)
	require.Equal(t, consts.DefaultAPIPort, cfg.APIPort)
	require.Equal(t, consts.DefaultQueueConcurrencyLimit, cfg.QueueConcurrency)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runlane.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"redis-addr": "redis.internal:6380",
		"shard-count": 8,
		"auth-token": "tr_wgt_secret"
	}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	require.Equal(t, 8, cfg.ShardCount)
	require.Equal(t, "tr_wgt_secret", cfg.AuthToken)

	t.Run("File values merge over defaults", func(t *testing.T) {
		require.Equal(t, consts.DefaultAPIPort, cfg.APIPort)
	})
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runlane.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"redis-addr": "from-file:6379"}`), 0600))

	t.Setenv("RUNLANE_REDIS_ADDR", "from-env:6379")
	t.Setenv("RUNLANE_API_PORT", "4000")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env:6379", cfg.RedisAddr)
	require.Equal(t, 4000, cfg.APIPort)
}

func TestLoadErrors(t *testing.T) {
	t.Run("A named but missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})

	t.Run("A non-positive shard count is rejected", func(t *testing.T) {
		t.Setenv("RUNLANE_SHARD_COUNT", "0")
		_, err := Load("")
		require.Error(t, err)
	})
}

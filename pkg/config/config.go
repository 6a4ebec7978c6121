// Package config loads server configuration from an optional JSON file and
// RUNLANE_-prefixed environment variables, env vars winning.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/runlane/runlane/pkg/consts"
	"github.com/runlane/runlane/pkg/headers"
)

const envPrefix = "RUNLANE_"

type Config struct {
	RedisAddr string `koanf:"redis-addr"`

	ShardCount int `koanf:"shard-count"`

	APIPort   int    `koanf:"api-port"`
	AuthToken string `koanf:"auth-token"`

	// ServerKind is reported to workers via response headers.
	ServerKind string `koanf:"server-kind"`

	SqliteDir string `koanf:"sqlite-dir"`
	InMemory  bool   `koanf:"in-memory"`

	QueueConcurrency int `koanf:"queue-concurrency"`
	EnvConcurrency   int `koanf:"env-concurrency"`
}

func Default() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		ShardCount:       consts.DefaultShardCount,
		APIPort:          consts.DefaultAPIPort,
		ServerKind:       headers.ServerKindDev,
		QueueConcurrency: consts.DefaultQueueConcurrencyLimit,
		EnvConcurrency:   consts.DefaultEnvConcurrencyLimit,
	}
}

// Load reads configuration from path (optional, JSON) and the environment.
// An empty path skips the file; a named file that does not exist is an
// error rather than a silent fallback.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	// RUNLANE_REDIS_ADDR -> redis-addr
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "_", "-")), value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("error loading environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if cfg.ShardCount <= 0 {
		return Config{}, fmt.Errorf("shard-count must be positive, got %d", cfg.ShardCount)
	}

	return cfg, nil
}

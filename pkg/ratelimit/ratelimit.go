package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or rejects one logical request per identifier under an
// average-rate plus burst model, in a single atomic round trip.
type Limiter interface {
	Check(ctx context.Context, id string) (Result, error)
}

type Result struct {
	Allowed bool

	// RetryAfter is how long the caller must wait before the next request
	// can be permitted. Zero when Allowed.
	RetryAfter time.Duration
}

// Config is the low-level GCRA configuration.
type Config struct {
	// EmissionInterval is the minimum spacing between requests at steady
	// state.
	EmissionInterval time.Duration

	// BurstTolerance is the extra slack permitted beyond the steady rate.
	BurstTolerance time.Duration

	// KeyExpiration is the TTL applied to the stored arrival time. Zero
	// defaults to max(60s, EmissionInterval+BurstTolerance).
	KeyExpiration time.Duration

	KeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.KeyExpiration == 0 {
		c.KeyExpiration = c.EmissionInterval + c.BurstTolerance
		if c.KeyExpiration < time.Minute {
			c.KeyExpiration = time.Minute
		}
	}
	return c
}

// RateLimitConfig is the higher-level limit/period/burst shape used by
// callers configuring per-queue limits.
type RateLimitConfig struct {
	// Limit is the number of requests permitted per Period.
	Limit int64

	Period time.Duration

	// Burst is the number of requests permitted instantaneously from an
	// empty state. Values below 1 behave as 1.
	Burst int64
}

// ConfigFromRateLimit converts a limit/period/burst config into GCRA terms:
// emissionInterval = ceil(period/limit), burstTolerance = (burst-1)*interval.
func ConfigFromRateLimit(c RateLimitConfig) Config {
	periodMS := c.Period.Milliseconds()
	intervalMS := (periodMS + c.Limit - 1) / c.Limit

	burst := c.Burst
	if burst < 1 {
		burst = 1
	}

	cfg := Config{
		EmissionInterval: time.Duration(intervalMS) * time.Millisecond,
		BurstTolerance:   time.Duration((burst-1)*intervalMS) * time.Millisecond,
	}
	return cfg.withDefaults()
}

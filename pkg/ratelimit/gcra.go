package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"

	"github.com/runlane/runlane/pkg/util"
)

// gcraScript runs the full GCRA check-and-update against one key in a single
// execution. The stored value is the theoretical arrival time (TAT) in unix
// milliseconds; it is only ever read and written inside this script, so no
// read-modify-write race is observable by concurrent callers.
//
// Returns {1, 0} on allow and {0, retryAfterMS} on reject.
const gcraScript = `
local key = KEYS[1]

local now = tonumber(ARGV[1])
local emission_interval = tonumber(ARGV[2])
local burst_tolerance = tonumber(ARGV[3])
local key_expiration = tonumber(ARGV[4])

local tat = tonumber(redis.call("GET", key))
if tat == nil then
  tat = now
end

if now >= tat then
  redis.call("SET", key, now + emission_interval, "PX", key_expiration)
  return {1, 0}
end

if now + burst_tolerance >= tat then
  redis.call("SET", key, tat + emission_interval, "PX", key_expiration)
  return {1, 0}
end

return {0, tat - (now + burst_tolerance)}
`

type gcraLimiter struct {
	client rueidis.Client
	clock  clockwork.Clock
	config Config
	script *rueidis.Lua
}

type Opt func(l *gcraLimiter)

func WithClock(c clockwork.Clock) Opt {
	return func(l *gcraLimiter) {
		l.clock = c
	}
}

// New returns a GCRA limiter executing against the given client. Independent
// identifiers and independent key prefixes never share state.
func New(client rueidis.Client, config Config, opts ...Opt) Limiter {
	l := &gcraLimiter{
		client: client,
		clock:  clockwork.NewRealClock(),
		config: config.withDefaults(),
		script: rueidis.NewLuaScript(gcraScript),
	}
	for _, apply := range opts {
		apply(l)
	}
	return l
}

func (l *gcraLimiter) Check(ctx context.Context, id string) (Result, error) {
	keys := []string{l.key(id)}
	args, err := util.StrSlice([]any{
		l.clock.Now().UnixMilli(),
		l.config.EmissionInterval.Milliseconds(),
		l.config.BurstTolerance.Milliseconds(),
		l.config.KeyExpiration.Milliseconds(),
	})
	if err != nil {
		return Result{}, err
	}

	// Transport and script errors propagate; the limiter does not fail
	// open or closed on the caller's behalf.
	res, err := l.script.Exec(ctx, l.client, keys, args).AsIntSlice()
	if err != nil {
		return Result{}, fmt.Errorf("error checking rate limit: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("invalid rate limit response: %v", res)
	}

	switch res[0] {
	case 1:
		return Result{Allowed: true}, nil
	case 0:
		return Result{
			Allowed:    false,
			RetryAfter: time.Duration(res[1]) * time.Millisecond,
		}, nil
	default:
		return Result{}, fmt.Errorf("unknown rate limit status: %v", res[0])
	}
}

func (l *gcraLimiter) key(id string) string {
	return l.config.KeyPrefix + ":" + id
}

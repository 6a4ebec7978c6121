package runqueue

import "github.com/redis/rueidis"

// Every multi-step check-and-mutate sequence below runs as a single script
// execution. A non-atomic check-then-act on these paths either leaks empty
// queues into the master index or drops non-empty queues from it.
//
// KEYS in each script must hash to a single slot: rueidis rejects multi-key
// commands whose keys land on different slots, and the `{org:...}` hash tag
// only covers tenant-scoped keys. Deployment-global keys (the master shard
// index) therefore travel in ARGV, which ties the engine to a single redis
// node. The master index is node-local state either way.

// enqueueScript adds a member to a tenant queue, stores its payload, and
// refreshes the master index entry with the queue's oldest pending score.
//
// KEYS = {queueKey, messageKey}
// ARGV = {member, score, payload, messageTTLms, queueID, shardKey}
const enqueueScript = `
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[4])

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
redis.call("ZADD", ARGV[6], oldest[2], ARGV[5])

return 1
`

// addQueueIfNotEmptyScript advertises a queue in the master index only when
// it actually holds messages, scored by its current oldest member.
//
// KEYS = {queueKey}
// ARGV = {queueID, shardKey}
const addQueueIfNotEmptyScript = `
if redis.call("ZCARD", KEYS[1]) == 0 then
  return 0
end

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
redis.call("ZADD", ARGV[2], oldest[2], ARGV[1])

return 1
`

// removeQueueIfEmptyScript removes a queue from the master index only when
// its underlying message queue is actually empty.
//
// KEYS = {queueKey}
// ARGV = {queueID, shardKey}
const removeQueueIfEmptyScript = `
if redis.call("ZCARD", KEYS[1]) > 0 then
  return 0
end

redis.call("ZREM", ARGV[2], ARGV[1])

return 1
`

// Dequeue status codes shared between dequeueMessageScript and Go.
const (
	dequeueStatusOK               = 1
	dequeueStatusQueueConcurrency = -1
	dequeueStatusEnvConcurrency   = -2
	dequeueStatusRateLimited      = -3
	dequeueStatusOrgDisabled      = -4
	dequeueStatusEmpty            = -5
	dequeueStatusNotReady         = -6
)

// dequeueMessageScript is the admission-control core: it checks the queue
// concurrency limit, the environment limit scaled by its burst factor, and
// the head's eligibility before the optional per-queue GCRA rate limit; only
// when all pass does it pop the oldest member, record it in both
// current-concurrency sets, and update or remove the master index entry by
// remaining depth. Throttled queues return a skip status and stay indexed.
// A head member whose effective timestamp is still in the future is not
// handed out; the master entry is rescored to it. The GCRA check runs last
// so a skip without a dispatch never advances the stored arrival time.
//
// KEYS = {queueKey, queueCurrentKey, queueLimitKey, envCurrentKey,
//         envLimitKey, envBurstFactorKey, rateLimitKey, disabledKey}
// ARGV = {queueID, nowMS, defaultQueueLimit, defaultEnvLimit,
//         defaultBurstFactor, rateLimitEnabled, emissionIntervalMS,
//         burstToleranceMS, keyExpirationMS, shardKey}
//
// Returns {status} on skip ({status, retryAfterMS} when rate limited) and
// {1, member, score} on success.
const dequeueMessageScript = `
if redis.call("EXISTS", KEYS[8]) == 1 then
  return {-4}
end

local queue_limit = tonumber(redis.call("GET", KEYS[3]) or ARGV[3])
if redis.call("SCARD", KEYS[2]) >= queue_limit then
  return {-1}
end

local env_limit = tonumber(redis.call("GET", KEYS[5]) or ARGV[4])
local burst_factor = tonumber(redis.call("GET", KEYS[6]) or ARGV[5])
if redis.call("SCARD", KEYS[4]) >= math.floor(env_limit * burst_factor) then
  return {-2}
end

local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #head == 0 then
  redis.call("ZREM", ARGV[10], ARGV[1])
  return {-5}
end

local member = head[1]
local score = head[2]

if tonumber(score) > tonumber(ARGV[2]) then
  redis.call("ZADD", ARGV[10], score, ARGV[1])
  return {-6}
end

if tonumber(ARGV[6]) == 1 then
  local now = tonumber(ARGV[2])
  local emission_interval = tonumber(ARGV[7])
  local burst_tolerance = tonumber(ARGV[8])
  local key_expiration = tonumber(ARGV[9])

  local tat = tonumber(redis.call("GET", KEYS[7]))
  if tat == nil then
    tat = now
  end

  if now >= tat then
    redis.call("SET", KEYS[7], now + emission_interval, "PX", key_expiration)
  elseif now + burst_tolerance >= tat then
    redis.call("SET", KEYS[7], tat + emission_interval, "PX", key_expiration)
  else
    return {-3, tat - (now + burst_tolerance)}
  end
end

redis.call("ZREM", KEYS[1], member)
redis.call("SADD", KEYS[2], member)
redis.call("SADD", KEYS[4], member)

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #oldest == 0 then
  redis.call("ZREM", ARGV[10], ARGV[1])
else
  redis.call("ZADD", ARGV[10], oldest[2], ARGV[1])
end

return {1, member, score}
`

// releaseConcurrencyScript decrements both concurrency scopes for a member
// and removes the queue from the master index if it drained.
//
// KEYS = {queueCurrentKey, envCurrentKey, queueKey}
// ARGV = {member, queueID, shardKey}
const releaseConcurrencyScript = `
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[2], ARGV[1])

if redis.call("ZCARD", KEYS[3]) > 0 then
  return 0
end

redis.call("ZREM", ARGV[3], ARGV[2])

return 1
`

// popWithLengthScript pops the head of a worker queue and reports the
// remaining length in the same execution.
//
// KEYS = {workerQueueKey}
const popWithLengthScript = `
local entry = redis.call("LPOP", KEYS[1])
local remaining = redis.call("LLEN", KEYS[1])

if entry == false then
  return {"", remaining}
end

return {entry, remaining}
`

var scripts = map[string]*rueidis.Lua{
	"queue/enqueue":             rueidis.NewLuaScript(enqueueScript),
	"master/addIfNotEmpty":      rueidis.NewLuaScript(addQueueIfNotEmptyScript),
	"master/removeIfEmpty":      rueidis.NewLuaScript(removeQueueIfEmptyScript),
	"queue/dequeueMessage":      rueidis.NewLuaScript(dequeueMessageScript),
	"queue/releaseConcurrency":  rueidis.NewLuaScript(releaseConcurrencyScript),
	"workerQueue/popWithLength": rueidis.NewLuaScript(popWithLengthScript),
}

package queue

import "github.com/redis/go-redis/v9"

// Every score and timestamp crosses into Lua as a string; numbers above
// 14 significant digits would lose precision in Lua's number formatting.
//
// The ready score is the priority followed by a zero-padded enqueue
// sequence, so a plain ZRANGE pops the lowest priority value first and
// FIFO within one priority.

// KEYS: job, delayed, ready, seq
// ARGV: id payload priority max_attempts timeout_ms now_ms ready_at_ms group
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then return {0, state} end
local seq = tostring(redis.call('INCR', KEYS[4]))
local rscore = ARGV[3] .. string.rep('0', 13 - #seq) .. seq
state = 'ready'
if tonumber(ARGV[7]) > tonumber(ARGV[6]) then state = 'delayed' end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'payload', ARGV[2], 'priority', ARGV[3],
  'max_attempts', ARGV[4], 'timeout_ms', ARGV[5],
  'created_at', ARGV[6], 'ready_at', ARGV[7], 'group', ARGV[8],
  'attempts', '0', 'stalls', '0', 'rscore', rscore, 'state', state)
if state == 'delayed' then
  redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
else
  redis.call('ZADD', KEYS[3], rscore, ARGV[1])
end
return {1, state}
`)

// KEYS: delayed, ready
// ARGV: now_ms prefix limit
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. 'job:' .. id
  local rscore = redis.call('HGET', jk, 'rscore')
  if rscore then
    redis.call('ZADD', KEYS[2], rscore, id)
    redis.call('HSET', jk, 'state', 'ready')
  end
end
return #due
`)

// KEYS: ready, active
// ARGV: prefix now_ms grace_ms
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local jk = ARGV[1] .. 'job:' .. id
if redis.call('EXISTS', jk) == 0 then return false end
local timeout = tonumber(redis.call('HGET', jk, 'timeout_ms')) or 0
local lease = tonumber(ARGV[2]) + timeout + tonumber(ARGV[3])
redis.call('ZADD', KEYS[2], lease, id)
redis.call('HSET', jk, 'state', 'active')
return redis.call('HGETALL', jk)
`)

// KEYS: active
// ARGV: id prefix
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', ARGV[2] .. 'job:' .. ARGV[1])
return 1
`)

// KEYS: active, delayed, failed
// ARGV: id prefix now_ms ready_at_ms error consume permanent
var settleScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 'lost' end
local jk = ARGV[2] .. 'job:' .. ARGV[1]
local attempts = tonumber(redis.call('HGET', jk, 'attempts')) or 0
local max = tonumber(redis.call('HGET', jk, 'max_attempts')) or 1
if ARGV[6] == '1' then
  attempts = attempts + 1
  redis.call('HSET', jk, 'attempts', attempts)
end
if ARGV[5] ~= '' then redis.call('HSET', jk, 'last_error', ARGV[5]) end
if ARGV[7] == '1' or (ARGV[6] == '1' and attempts >= max) then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
  redis.call('HSET', jk, 'state', 'failed', 'failed_at', ARGV[3])
  return 'failed'
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('HSET', jk, 'state', 'delayed', 'ready_at', ARGV[4])
return 'delayed'
`)

// KEYS: active, ready, failed
// ARGV: prefix now_ms max_stalls
var stallScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local requeued, failed = 0, 0
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[1] .. 'job:' .. id
  local rscore = redis.call('HGET', jk, 'rscore')
  if rscore then
    local stalls = redis.call('HINCRBY', jk, 'stalls', 1)
    if stalls > tonumber(ARGV[3]) then
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      redis.call('HSET', jk, 'state', 'failed', 'failed_at', ARGV[2],
        'last_error', 'job stalled more than allowable limit')
      failed = failed + 1
    else
      redis.call('ZADD', KEYS[2], rscore, id)
      redis.call('HSET', jk, 'state', 'ready')
      requeued = requeued + 1
    end
  end
end
return {requeued, failed}
`)

// KEYS: failed
// ARGV: prefix cutoff_ms keep
var purgeScript = redis.NewScript(`
local removed = 0
local function drop(ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', ARGV[1] .. 'job:' .. id)
    removed = removed + 1
  end
end
drop(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2]))
local keep = tonumber(ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
if keep >= 0 and n > keep then
  drop(redis.call('ZRANGE', KEYS[1], 0, n - keep - 1))
end
return removed
`)

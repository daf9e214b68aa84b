package dispatch

import goredis "github.com/redis/go-redis/v9"

// KEYS[1] entry hash, KEYS[2] waiting zset
// ARGV[1] member, ARGV[2] payload, ARGV[3] not_before ms, ARGV[4] now ms
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'member', ARGV[1],
  'payload', ARGV[2],
  'attempts', 0,
  'not_before', ARGV[3],
  'enqueued_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] waiting zset, KEYS[2] in-flight zset
// ARGV[1] now ms, ARGV[2] max in-flight (0 = no cap), ARGV[3] entry key prefix, ARGV[4] consumer
var dequeueScript = goredis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
  return false
end
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
  return false
end
local member = members[1]
local sep = string.find(member, '|', 1, true)
local id = string.sub(member, sep + 1)
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], ARGV[1], id)
local entry = ARGV[3] .. id
redis.call('HSET', entry, 'consumer', ARGV[4])
local fields = redis.call('HMGET', entry, 'payload', 'attempts', 'not_before', 'message_id')
return {id, fields[1], fields[2], fields[3], fields[4] or ''}
`)

// KEYS[1] entry hash, KEYS[2] in-flight zset, KEYS[3] waiting zset, KEYS[4] failed zset
// ARGV[1] id
var ackScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local member = redis.call('HGET', KEYS[1], 'member')
redis.call('ZREM', KEYS[2], ARGV[1])
if member then
  redis.call('ZREM', KEYS[3], member)
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1] entry hash, KEYS[2] in-flight zset, KEYS[3] waiting zset
// ARGV[1] id, ARGV[2] not_before ms
var requeueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'failed_at') == 1 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'not_before', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], redis.call('HGET', KEYS[1], 'member'))
return 1
`)

// KEYS[1] entry hash, KEYS[2] in-flight zset, KEYS[3] waiting zset
// ARGV[1] id, ARGV[2] not_before ms, ARGV[3] message id
var markDeliveredScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'failed_at') == 1 then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'not_before', ARGV[2], 'message_id', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], redis.call('HGET', KEYS[1], 'member'))
return 1
`)

// KEYS[1] entry hash, KEYS[2] in-flight zset, KEYS[3] waiting zset, KEYS[4] failed zset
// ARGV[1] id, ARGV[2] now ms, ARGV[3] backoff base ms, ARGV[4] max attempts, ARGV[5] reason
var retryScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'failed_at') == 1 then
  return false
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'last_error', ARGV[5])
local payload = redis.call('HGET', KEYS[1], 'payload')
if attempts < tonumber(ARGV[4]) then
  local delay = math.floor(tonumber(ARGV[3]) * (2 ^ (attempts - 1)))
  local nb = tonumber(ARGV[2]) + delay
  redis.call('HSET', KEYS[1], 'not_before', nb)
  redis.call('ZADD', KEYS[3], nb, redis.call('HGET', KEYS[1], 'member'))
  return {attempts, nb, payload}
end
redis.call('HSET', KEYS[1], 'failed_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return {attempts, 0, payload}
`)

// KEYS[1] entry hash, KEYS[2] in-flight zset, KEYS[3] waiting zset
// ARGV[1] id
var cancelScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'failed_at') == 1 then
  return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return -1
end
redis.call('ZREM', KEYS[3], redis.call('HGET', KEYS[1], 'member'))
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1] in-flight zset, KEYS[2] waiting zset, KEYS[3] failed zset
// ARGV[1] cutoff ms, ARGV[2] now ms, ARGV[3] entry key prefix,
// ARGV[4] failed retention cutoff ms (-1 keeps failed entries)
var reclaimScript = goredis.NewScript(`
if tonumber(ARGV[4]) >= 0 then
  local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[4])
  for _, id in ipairs(expired) do
    redis.call('DEL', ARGV[3] .. id)
    redis.call('ZREM', KEYS[3], id)
  end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local entry = ARGV[3] .. id
  local member = redis.call('HGET', entry, 'member')
  if member then
    redis.call('HSET', entry, 'not_before', ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[2], member)
  end
end
return #ids
`)

package queue

import "github.com/redis/go-redis/v9"

// Scores in the pending set are priority*1e12 + seq, so lower priority values
// drain first and equal priorities drain in enqueue order. Scores are formatted
// with %.0f to keep them exact integers.

// KEYS: job hash, pending, seq. ARGV: id, priority, request, channel, conn, created_at.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'priority', ARGV[2],
	'request', ARGV[3],
	'channel', ARGV[4],
	'conn', ARGV[5],
	'created_at', ARGV[6],
	'state', 'queued',
	'deliveries', '0',
	'worker', '')
redis.call('ZADD', KEYS[2], string.format('%.0f', tonumber(ARGV[2]) * 1e12 + seq), ARGV[1])
return 1
`)

// KEYS: pending, active. ARGV: job key prefix, worker, lease deadline, started_at.
// Pending members whose hash vanished are skipped.
var nextScript = redis.NewScript(`
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return {}
	end
	local id = popped[1]
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HSET', key, 'state', 'running', 'worker', ARGV[2], 'started_at', ARGV[4])
		local deliveries = redis.call('HINCRBY', key, 'deliveries', 1)
		redis.call('ZADD', KEYS[2], ARGV[3], id)
		local fields = redis.call('HMGET', key, 'priority', 'request', 'channel', 'created_at')
		return {id, fields[1], fields[2], fields[3], fields[4], tostring(deliveries)}
	end
end
`)

// KEYS: active, job hash. ARGV: id, worker, lease deadline.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'worker') ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, job hash. ARGV: id, worker.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'worker') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: pending, job hash. ARGV: id, conn (empty matches any).
var cancelScript = redis.NewScript(`
if ARGV[2] ~= '' and redis.call('HGET', KEYS[2], 'conn') ~= ARGV[2] then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, pending, job hash, seq. ARGV: id, now, max deliveries.
// Returns {0} when nothing was reclaimed, {1} when the job was re-queued and
// {2, channel} when it was abandoned and removed.
var reclaimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return {0}
end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 0 then
	return {0}
end
local deliveries = tonumber(redis.call('HGET', KEYS[3], 'deliveries') or '0')
if deliveries >= tonumber(ARGV[3]) then
	local channel = redis.call('HGET', KEYS[3], 'channel')
	redis.call('DEL', KEYS[3])
	return {2, channel}
end
local priority = tonumber(redis.call('HGET', KEYS[3], 'priority'))
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[3], 'state', 'queued', 'worker', '')
redis.call('ZADD', KEYS[2], string.format('%.0f', priority * 1e12 + seq), ARGV[1])
return {1}
`)

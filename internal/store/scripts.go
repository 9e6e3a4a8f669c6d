package store

import "github.com/redis/go-redis/v9"

// The message-path mutations that touch more than one key are scripts
// so the store commits their full effect or none, per spec §4.1/§9.
// Open loads every script once at startup (go-redis caches the SHA and
// falls back to EVAL transparently on NOSCRIPT).

var storeMessageScript = redis.NewScript(`
-- KEYS[1] MSG:<msg_hash>
-- KEYS[2] MSG:META:<msg_hash>
-- KEYS[3] DID:<to_hash>
-- KEYS[4] RECEIVE_Q:<to_hash>
-- KEYS[5] GLOBAL
-- KEYS[6] MSG_EXPIRY
-- KEYS[7] MSG_EXPIRY:<expiry_epoch>
-- KEYS[8] DID:<from_hash>   (placeholder key if no sender)
-- KEYS[9] SEND_Q:<from_hash> (placeholder key if no sender)
-- ARGV[1] message bytes
-- ARGV[2] expiry_epoch
-- ARGV[3] byte count
-- ARGV[4] to_hash
-- ARGV[5] from_hash ("" if anonymous)
-- ARGV[6] arrival_ms

if redis.call('EXISTS', KEYS[1]) == 1 then
	local meta = redis.call('HMGET', KEYS[2], 'RECEIVE_ID', 'SEND_ID')
	return cjson.encode({receive_id = meta[1] or '', send_id = meta[2] or '', existed = true})
end

local bytes = tonumber(ARGV[3])
if bytes == nil then
	return redis.error_reply('INVALID_ARGS')
end

redis.call('SET', KEYS[1], ARGV[1])

local recv_id = redis.call('XADD', KEYS[4], '*', 'mh', KEYS[1])
local send_id = ''
if ARGV[5] ~= '' then
	send_id = redis.call('XADD', KEYS[9], '*', 'mh', KEYS[1])
end

redis.call('HSET', KEYS[2],
	'TO', ARGV[4], 'FROM', ARGV[5], 'BYTES', bytes,
	'EXPIRY', ARGV[2], 'ARRIVAL_MS', ARGV[6],
	'RECEIVE_ID', recv_id, 'SEND_ID', send_id)

redis.call('HINCRBY', KEYS[3], 'RECEIVE_QUEUE_COUNT', 1)
redis.call('HINCRBY', KEYS[3], 'RECEIVE_QUEUE_BYTES', bytes)
if ARGV[5] ~= '' then
	redis.call('HINCRBY', KEYS[8], 'SEND_QUEUE_COUNT', 1)
	redis.call('HINCRBY', KEYS[8], 'SEND_QUEUE_BYTES', bytes)
end

redis.call('HINCRBY', KEYS[5], 'RECEIVED_BYTES', bytes)
redis.call('HINCRBY', KEYS[5], 'RECEIVED_COUNT', 1)

redis.call('ZADD', KEYS[6], 'NX', ARGV[2], ARGV[2])
redis.call('SADD', KEYS[7], KEYS[1])

return cjson.encode({receive_id = recv_id, send_id = send_id, existed = false})
`)

var deleteMessageScript = redis.NewScript(`
-- KEYS[1] MSG:<msg_hash>
-- KEYS[2] MSG:META:<msg_hash>
-- ARGV[1] requester_hash
-- ARGV[2] admin_sentinel

local meta = redis.call('HGETALL', KEYS[2])
if #meta == 0 then
	return redis.error_reply('NOT_FOUND')
end

local m = {}
for i = 1, #meta, 2 do
	m[meta[i]] = meta[i + 1]
end

if m['BYTES'] == nil then
	return redis.error_reply('CORRUPT')
end

local requester = ARGV[1]
if requester ~= m['TO'] and requester ~= m['FROM'] and requester ~= ARGV[2] then
	return redis.error_reply('FORBIDDEN')
end

local bytes = tonumber(m['BYTES'])

redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])

if m['RECEIVE_ID'] ~= nil and m['RECEIVE_ID'] ~= '' then
	redis.call('XDEL', 'RECEIVE_Q:' .. m['TO'], m['RECEIVE_ID'])
	redis.call('HINCRBY', 'DID:' .. m['TO'], 'RECEIVE_QUEUE_COUNT', -1)
	redis.call('HINCRBY', 'DID:' .. m['TO'], 'RECEIVE_QUEUE_BYTES', -bytes)
end

-- Open question in spec §9: do not decrement sender counters when
-- SEND_ID is absent; use ~= nil and ~= '' here, never == nil alone.
if m['SEND_ID'] ~= nil and m['SEND_ID'] ~= '' and m['FROM'] ~= nil and m['FROM'] ~= '' then
	redis.call('XDEL', 'SEND_Q:' .. m['FROM'], m['SEND_ID'])
	redis.call('HINCRBY', 'DID:' .. m['FROM'], 'SEND_QUEUE_COUNT', -1)
	redis.call('HINCRBY', 'DID:' .. m['FROM'], 'SEND_QUEUE_BYTES', -bytes)
end

redis.call('HINCRBY', 'GLOBAL', 'DELETED_BYTES', bytes)
redis.call('HINCRBY', 'GLOBAL', 'DELETED_COUNT', 1)

if m['EXPIRY'] ~= nil then
	redis.call('SREM', 'MSG_EXPIRY:' .. m['EXPIRY'], KEYS[1])
end

return redis.status_reply('OK')
`)

var fetchMessagesScript = redis.NewScript(`
-- KEYS[1] RECEIVE_Q:<did_hash>
-- ARGV[1] start_stream_id ("-" for beginning)
-- ARGV[2] limit

local start = ARGV[1]
if start == '-' then
	start = '-'
else
	start = '(' .. start
end

local entries = redis.call('XRANGE', KEYS[1], start, '+', 'COUNT', tonumber(ARGV[2]))
local out = {}
for i = 1, #entries do
	local id = entries[i][1]
	local fields = entries[i][2]
	local mh = nil
	for j = 1, #fields, 2 do
		if fields[j] == 'mh' then
			mh = fields[j + 1]
		end
	end
	if mh ~= nil then
		local bytes = redis.call('GET', mh)
		local meta = redis.call('HGETALL', 'MSG:META:' .. string.sub(mh, 5))
		table.insert(out, {id, mh, bytes, meta})
	end
end
return cjson.encode(out)
`)

var getStatusReplyScript = redis.NewScript(`
-- KEYS[1] DID:<did_hash>
-- KEYS[2] RECEIVE_Q:<did_hash>
-- KEYS[3] GLOBAL_STREAMING
-- ARGV[1] did_hash

local rec = redis.call('HMGET', KEYS[1], 'RECEIVE_QUEUE_COUNT', 'RECEIVE_QUEUE_BYTES')
local count = tonumber(rec[1]) or 0
local total_bytes = tonumber(rec[2]) or 0

local oldest = redis.call('XRANGE', KEYS[2], '-', '+', 'COUNT', 1)
local newest = redis.call('XREVRANGE', KEYS[2], '+', '-', 'COUNT', 1)

local oldest_id = ''
if #oldest > 0 then oldest_id = oldest[1][1] end
local newest_id = ''
if #newest > 0 then newest_id = newest[1][1] end

local live = redis.call('SISMEMBER', KEYS[3], ARGV[1])

return cjson.encode({
	message_count = count,
	total_bytes = total_bytes,
	oldest_received = oldest_id,
	newest_received = newest_id,
	queue_count = count,
	live_delivery = live == 1
})
`)

var cleanStartStreamingScript = redis.NewScript(`
-- KEYS[1] STREAMING_SESSIONS:<uuid>
-- KEYS[2] GLOBAL_STREAMING

local members = redis.call('SMEMBERS', KEYS[1])
for i = 1, #members do
	redis.call('SREM', KEYS[2], members[i])
end
redis.call('DEL', KEYS[1])
return #members
`)

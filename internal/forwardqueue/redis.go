package forwardqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyReady      = "FORWARD_READY"
	keyDelayed    = "FORWARD_DELAYED"
	keyDeadLetter = "FORWARD_DLQ"
	consumerGroup = "forwarder"
)

// ackScript atomically moves a delivered-and-acked entry out of the
// stream's pending list. XACK alone is enough for acks but delete
// keeps the ready stream from growing unbounded under heavy churn.
var ackScript = redis.NewScript(`
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
return 1
`)

// nackScript either requeues the envelope into the delayed sorted set
// (bumping its attempt count) or, if attempts are exhausted, moves it
// to the dead-letter stream — in both cases acknowledging the original
// delivery so it leaves the pending entries list exactly once.
var nackScript = redis.NewScript(`
local ready, delayed, dlq = KEYS[1], KEYS[2], KEYS[3]
local group, id, readyAt, reason, maxAttempts = ARGV[1], ARGV[2], ARGV[3], ARGV[4], tonumber(ARGV[5])

local range = redis.call('XRANGE', ready, id, id)
if #range == 0 then
  return 0
end
local fields = range[1][2]
local payload = nil
for i = 1, #fields, 2 do
  if fields[i] == 'payload' then payload = fields[i+1] end
end
redis.call('XACK', ready, group, id)
redis.call('XDEL', ready, id)
if payload == nil then
  return 0
end

local env = cjson.decode(payload)
env.attempt = (env.attempt or 0) + 1
if env.attempt >= maxAttempts then
  env.dead_letter_reason = reason
  redis.call('XADD', dlq, '*', 'payload', cjson.encode(env))
else
  redis.call('ZADD', delayed, readyAt, cjson.encode(env))
end
return 1
`)

// killScript unconditionally moves the envelope to the dead letter
// stream, bypassing attempt counting, and acknowledges the original.
var killScript = redis.NewScript(`
local ready, dlq = KEYS[1], KEYS[2]
local group, id, reason = ARGV[1], ARGV[2], ARGV[3]

local range = redis.call('XRANGE', ready, id, id)
if #range == 0 then
  return 0
end
local fields = range[1][2]
local payload = nil
for i = 1, #fields, 2 do
  if fields[i] == 'payload' then payload = fields[i+1] end
end
redis.call('XACK', ready, group, id)
redis.call('XDEL', ready, id)
if payload == nil then
  return 0
end
local env = cjson.decode(payload)
env.dead_letter_reason = reason
redis.call('XADD', dlq, '*', 'payload', cjson.encode(env))
return 1
`)

// requeueDueScript pops every delayed entry whose score has elapsed
// and re-adds it to the ready stream.
var requeueDueScript = redis.NewScript(`
local delayed, ready, cutoff = KEYS[1], KEYS[2], ARGV[1]
local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', cutoff)
for _, payload in ipairs(due) do
  redis.call('XADD', ready, '*', 'payload', payload)
  redis.call('ZREM', delayed, payload)
end
return #due
`)

// RedisQueue is the Store's forward job queue: one consumer group over
// a ready stream, a sorted set for delayed (backed-off) entries, and a
// dead letter stream for permanent failures.
type RedisQueue struct {
	client       *redis.Client
	consumerName string
}

func NewRedisQueue(client *redis.Client, consumerName string) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.XGroupCreateMkStream(ctx, keyReady, consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("forwardqueue: create consumer group: %w", err)
	}
	return &RedisQueue{client: client, consumerName: consumerName}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope) error {
	if err := env.validate(); err != nil {
		return err
	}
	if env.EnqueuedAt == 0 {
		env.EnqueuedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("forwardqueue: marshal envelope: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: keyReady,
		Values: map[string]any{"payload": payload},
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, pollTimeout time.Duration) (DequeueResult, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumerName,
		Streams:  []string{keyReady, ">"},
		Count:    1,
		Block:    pollTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return DequeueResult{}, ErrEmpty
		}
		return DequeueResult{}, fmt.Errorf("forwardqueue: dequeue: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return DequeueResult{}, ErrEmpty
	}
	msg := res[0].Messages[0]
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		q.client.XAck(ctx, keyReady, consumerGroup, msg.ID)
		q.client.XDel(ctx, keyReady, msg.ID)
		return DequeueResult{}, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.client.XAck(ctx, keyReady, consumerGroup, msg.ID)
		q.client.XDel(ctx, keyReady, msg.ID)
		return DequeueResult{}, ErrInvalid
	}
	return DequeueResult{Envelope: env, Receipt: msg.ID}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, receipt string) error {
	return ackScript.Run(ctx, q.client, []string{keyReady}, consumerGroup, receipt).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, receipt string, delay time.Duration, reason string) error {
	readyAt := time.Now().Add(delay).Unix()
	return nackScript.Run(ctx, q.client, []string{keyReady, keyDelayed, keyDeadLetter},
		consumerGroup, receipt, readyAt, reason, MaxAttempts).Err()
}

func (q *RedisQueue) Kill(ctx context.Context, receipt string, reason string) error {
	return killScript.Run(ctx, q.client, []string{keyReady, keyDeadLetter}, consumerGroup, receipt, reason).Err()
}

func (q *RedisQueue) RequeueDue(ctx context.Context) (int, error) {
	n, err := requeueDueScript.Run(ctx, q.client, []string{keyDelayed, keyReady}, time.Now().Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("forwardqueue: requeue due: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Envelope, error) {
	entries, err := q.client.XRevRangeN(ctx, keyDeadLetter, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("forwardqueue: read dead letters: %w", err)
	}
	out := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["payload"].(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			out = append(out, env)
		}
	}
	return out, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis-compatible server
// (Redis, KeyDB, Dragonfly). The message, fetch, status and
// streaming-cleanup paths and account create/delete/list changes run
// as the Lua scripts in scripts.go and account.go. RegisterStreaming,
// DeleteExpiryBucket and SetCapabilities write through MULTI/EXEC
// transactions instead, and SetCapabilities and SetLimits check that
// the account exists in a separate round trip before writing.
type RedisStore struct {
	rdb   *redis.Client
	clock Clock
}

// Options configures RedisStore.
type Options struct {
	URL      string
	PoolSize int
	Clock    Clock
}

func normalizeOptions(o Options) Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.Clock == nil {
		o.Clock = defaultClock
	}
	return o
}

func Open(ctx context.Context, o Options) (*RedisStore, error) {
	o = normalizeOptions(o)
	opt, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	opt.PoolSize = o.PoolSize
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, sc := range []*redis.Script{storeMessageScript, deleteMessageScript, fetchMessagesScript, getStatusReplyScript, cleanStartStreamingScript, createAccountScript, deleteAccountScript, listMutateScript} {
		if err := sc.Load(ctx, rdb).Err(); err != nil {
			return nil, fmt.Errorf("%w: load script: %v", ErrUnavailable, err)
		}
	}
	return &RedisStore{rdb: rdb, clock: o.Clock}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func keyMsg(h string) string        { return "MSG:" + h }
func keyMsgMeta(h string) string    { return "MSG:META:" + h }
func keyDID(h string) string        { return "DID:" + h }
func keyReceiveQ(h string) string   { return "RECEIVE_Q:" + h }
func keySendQ(h string) string      { return "SEND_Q:" + h }
func keyExpiryBucket(e int64) string { return "MSG_EXPIRY:" + strconv.FormatInt(e, 10) }
func keyStreamingSession(u string) string { return "STREAMING_SESSIONS:" + u }

const (
	keyMsgExpiry       = "MSG_EXPIRY"
	keyGlobal          = "GLOBAL"
	keyGlobalStreaming = "GLOBAL_STREAMING"
	keyAdmins          = "ADMINS"
	keySchemaVersion   = "SCHEMA:VERSION"
)

func mapErr(err error, code string) error {
	if err == nil {
		return nil
	}
	switch code {
	case "NOT_FOUND":
		return ErrNotFound
	case "FORBIDDEN":
		return ErrForbidden
	case "CORRUPT":
		return ErrCorrupt
	case "INVALID_ARGS":
		return ErrInvalidArgs
	default:
		return err
	}
}

func asRedisErr(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	// go-redis surfaces script error_reply as a plain error whose
	// message is exactly the reply string we sent from Lua.
	s := err.Error()
	for _, code := range []string{"NOT_FOUND", "FORBIDDEN", "CORRUPT", "INVALID_ARGS", "ALREADY_EXISTS", "LIST_FULL"} {
		if s == code {
			return code, true
		}
	}
	return "", false
}

func (s *RedisStore) StoreMessage(ctx context.Context, p StoreMessageParams) (StoreMessageResult, error) {
	fromDIDKey := keyDID("_anon_")
	sendQKey := "SEND_Q:_anon_"
	if p.FromHash != "" {
		fromDIDKey = keyDID(p.FromHash)
		sendQKey = keySendQ(p.FromHash)
	}
	keys := []string{
		keyMsg(p.MsgHash), keyMsgMeta(p.MsgHash), keyDID(p.ToHash), keyReceiveQ(p.ToHash),
		keyGlobal, keyMsgExpiry, keyExpiryBucket(p.ExpiryEpoch), fromDIDKey, sendQKey,
	}
	argv := []any{
		string(p.Message), p.ExpiryEpoch, len(p.Message), p.ToHash, p.FromHash, p.ArrivalMS,
	}
	out, err := storeMessageScript.Run(ctx, s.rdb, keys, argv...).Result()
	if err != nil {
		if code, ok := asRedisErr(err); ok {
			return StoreMessageResult{}, mapErr(err, code)
		}
		return StoreMessageResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var decoded struct {
		ReceiveID string `json:"receive_id"`
		SendID    string `json:"send_id"`
		Existed   bool   `json:"existed"`
	}
	if err := json.Unmarshal([]byte(out.(string)), &decoded); err != nil {
		return StoreMessageResult{}, fmt.Errorf("store: decode store_message reply: %w", err)
	}
	return StoreMessageResult{ReceiveID: decoded.ReceiveID, SendID: decoded.SendID, Existed: decoded.Existed}, nil
}

func (s *RedisStore) DeleteMessage(ctx context.Context, msgHash, requesterHash string) error {
	keys := []string{keyMsg(msgHash), keyMsgMeta(msgHash)}
	_, err := deleteMessageScript.Run(ctx, s.rdb, keys, requesterHash, AdminSentinel).Result()
	if err != nil {
		if code, ok := asRedisErr(err); ok {
			return mapErr(err, code)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) FetchMessages(ctx context.Context, didHash, startStreamID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	keys := []string{keyReceiveQ(didHash)}
	out, err := fetchMessagesScript.Run(ctx, s.rdb, keys, startStreamID, limit).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rows [][]any
	if err := json.Unmarshal([]byte(out.(string)), &rows); err != nil {
		return nil, fmt.Errorf("store: decode fetch_messages reply: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		streamID, _ := row[0].(string)
		bytesStr, _ := row[2].(string)
		fieldsRaw, _ := row[3].([]any)
		meta := fieldsToMeta(fieldsRaw)
		meta.MsgHash = msgHashFromKey(toStr(row[1]))
		msgs = append(msgs, Message{StreamID: streamID, Bytes: []byte(bytesStr), Meta: meta})
	}
	return msgs, nil
}

func msgHashFromKey(k string) string {
	if len(k) > 4 {
		return k[4:]
	}
	return k
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func fieldsToMeta(fields []any) MessageMeta {
	m := MessageMeta{}
	raw := map[string]string{}
	for i := 0; i+1 < len(fields); i += 2 {
		raw[toStr(fields[i])] = toStr(fields[i+1])
	}
	m.ToHash = raw["TO"]
	m.FromHash = raw["FROM"]
	m.Bytes, _ = strconv.Atoi(raw["BYTES"])
	m.ExpiryEpoch, _ = strconv.ParseInt(raw["EXPIRY"], 10, 64)
	m.ArrivalMS, _ = strconv.ParseInt(raw["ARRIVAL_MS"], 10, 64)
	m.ReceiveID = raw["RECEIVE_ID"]
	m.SendID = raw["SEND_ID"]
	return m
}

func (s *RedisStore) GetStatusReply(ctx context.Context, didHash string) (StatusReply, error) {
	keys := []string{keyDID(didHash), keyReceiveQ(didHash), keyGlobalStreaming}
	out, err := getStatusReplyScript.Run(ctx, s.rdb, keys, didHash).Result()
	if err != nil {
		return StatusReply{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var decoded struct {
		MessageCount   int   `json:"message_count"`
		TotalBytes     int64 `json:"total_bytes"`
		OldestReceived string `json:"oldest_received"`
		NewestReceived string `json:"newest_received"`
		QueueCount     int   `json:"queue_count"`
		LiveDelivery   bool  `json:"live_delivery"`
	}
	if err := json.Unmarshal([]byte(out.(string)), &decoded); err != nil {
		return StatusReply{}, fmt.Errorf("store: decode get_status_reply: %w", err)
	}
	return StatusReply(decoded), nil
}

func (s *RedisStore) CleanStartStreaming(ctx context.Context, sessionUUID string) (int, error) {
	keys := []string{keyStreamingSession(sessionUUID), keyGlobalStreaming}
	out, err := cleanStartStreamingScript.Run(ctx, s.rdb, keys).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := out.(int64)
	return int(n), nil
}

func (s *RedisStore) RegisterStreaming(ctx context.Context, didHash, sessionUUID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, keyGlobalStreaming, didHash)
	pipe.SAdd(ctx, keyStreamingSession(sessionUUID), didHash)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ExpiringBefore(ctx context.Context, cutoffEpoch int64) (map[int64][]string, error) {
	epochs, err := s.rdb.ZRangeByScore(ctx, keyMsgExpiry, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoffEpoch, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make(map[int64][]string, len(epochs))
	for _, e := range epochs {
		epoch, err := strconv.ParseInt(e, 10, 64)
		if err != nil {
			continue
		}
		members, err := s.rdb.SMembers(ctx, keyExpiryBucket(epoch)).Result()
		if err != nil {
			continue
		}
		hashes := make([]string, 0, len(members))
		for _, mk := range members {
			hashes = append(hashes, msgHashFromKey(mk))
		}
		out[epoch] = hashes
	}
	return out, nil
}

func (s *RedisStore) DeleteExpiryBucket(ctx context.Context, epoch int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyExpiryBucket(epoch))
	pipe.ZRem(ctx, keyMsgExpiry, strconv.FormatInt(epoch, 10))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GlobalCounters(ctx context.Context) (GlobalCounters, error) {
	vals, err := s.rdb.HMGet(ctx, keyGlobal, "RECEIVED_BYTES", "RECEIVED_COUNT", "DELETED_BYTES", "DELETED_COUNT").Result()
	if err != nil {
		return GlobalCounters{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	parse := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return GlobalCounters{
		ReceivedBytes: parse(vals[0]),
		ReceivedCount: parse(vals[1]),
		DeletedBytes:  parse(vals[2]),
		DeletedCount:  parse(vals[3]),
	}, nil
}

func (s *RedisStore) SchemaVersion(ctx context.Context) (int, error) {
	v, err := s.rdb.Get(ctx, keySchemaVersion).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ErrCorrupt
	}
	return n, nil
}

func (s *RedisStore) Migrate(ctx context.Context, binaryVersion int, migrations []func(context.Context) error) error {
	cur, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur > binaryVersion {
		return fmt.Errorf("store: schema version %d is newer than binary version %d", cur, binaryVersion)
	}
	for i := cur; i < len(migrations) && i < binaryVersion; i++ {
		if err := migrations[i](ctx); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	return s.rdb.Set(ctx, keySchemaVersion, binaryVersion, 0).Err()
}

package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var createAccountScript = redis.NewScript(`
-- KEYS[1] DID:<did_hash>
-- KEYS[2] ADMINS
-- ARGV[1] did_hash
-- ARGV[2] role
-- ARGV[3] capabilities (number)
-- ARGV[4..7] recv_soft, recv_hard, send_soft, send_hard
-- ARGV[8] is_admin ("1"/"0")

if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('ALREADY_EXISTS')
end

redis.call('HSET', KEYS[1],
	'ROLE', ARGV[2], 'CAPS', ARGV[3],
	'RECV_SOFT', ARGV[4], 'RECV_HARD', ARGV[5],
	'SEND_SOFT', ARGV[6], 'SEND_HARD', ARGV[7],
	'RECEIVE_QUEUE_COUNT', 0, 'RECEIVE_QUEUE_BYTES', 0,
	'SEND_QUEUE_COUNT', 0, 'SEND_QUEUE_BYTES', 0)

if ARGV[8] == '1' then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return redis.status_reply('OK')
`)

var deleteAccountScript = redis.NewScript(`
-- KEYS[1] DID:<did_hash>
-- KEYS[2] ADMINS
-- ARGV[1] did_hash
-- ARGV[2] root_admin_hash
-- ARGV[3] mediator_self_hash

if ARGV[1] == ARGV[2] or ARGV[1] == ARGV[3] then
	return redis.error_reply('FORBIDDEN')
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return redis.status_reply('OK')
`)

var listMutateScript = redis.NewScript(`
-- KEYS[1] DID:<did_hash>:ALLOW or :DENY (selected by caller)
-- ARGV[1] listed_hash
-- ARGV[2] op ("add"/"remove")
-- ARGV[3] max_entries

if redis.call('EXISTS', 'DID:' .. ARGV[4]) == 0 then
	return redis.error_reply('NOT_FOUND')
end
if ARGV[2] == 'add' then
	if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[3]) then
		return redis.error_reply('LIST_FULL')
	end
	redis.call('SADD', KEYS[1], ARGV[1])
else
	redis.call('SREM', KEYS[1], ARGV[1])
end
return redis.status_reply('OK')
`)

const maxListEntries = 1000

func (s *RedisStore) CreateAccount(ctx context.Context, didHash string, role Role, caps Capability, recvSoft, recvHard, sendSoft, sendHard int) error {
	isAdmin := "0"
	if caps.Has(CapAdmin) {
		isAdmin = "1"
	}
	_, err := createAccountScript.Run(ctx, s.rdb,
		[]string{keyDID(didHash), keyAdmins},
		didHash, string(role), strconv.Itoa(int(caps)), recvSoft, recvHard, sendSoft, sendHard, isAdmin,
	).Result()
	if err != nil {
		if code, ok := asRedisErr(err); ok {
			if code == "ALREADY_EXISTS" {
				return ErrAlreadyExists
			}
			return mapErr(err, code)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetAccount(ctx context.Context, didHash string) (AccountRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, keyDID(didHash)).Result()
	if err != nil {
		return AccountRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) == 0 {
		return AccountRecord{}, ErrNotFound
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(vals[k])
		return n
	}
	atoi64 := func(k string) int64 {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		return n
	}
	allow, _ := s.rdb.SMembers(ctx, keyDID(didHash)+":ALLOW").Result()
	deny, _ := s.rdb.SMembers(ctx, keyDID(didHash)+":DENY").Result()
	return AccountRecord{
		DIDHash:           didHash,
		Role:              Role(vals["ROLE"]),
		Capabilities:      Capability(atoi("CAPS")),
		AllowList:         allow,
		DenyList:          deny,
		ReceiveSoftLimit:  atoi("RECV_SOFT"),
		ReceiveHardLimit:  atoi("RECV_HARD"),
		SendSoftLimit:     atoi("SEND_SOFT"),
		SendHardLimit:     atoi("SEND_HARD"),
		ReceiveQueueCount: atoi("RECEIVE_QUEUE_COUNT"),
		ReceiveQueueBytes: atoi64("RECEIVE_QUEUE_BYTES"),
		SendQueueCount:    atoi("SEND_QUEUE_COUNT"),
		SendQueueBytes:    atoi64("SEND_QUEUE_BYTES"),
	}, nil
}

func (s *RedisStore) DeleteAccount(ctx context.Context, didHash string) error {
	// root-admin/mediator-self protection hashes are read from the
	// context (see WithProtectedDIDs); a context without them protects
	// no DID.
	rootAdmin, _ := ctx.Value(ctxKeyRootAdminHash).(string)
	mediatorSelf, _ := ctx.Value(ctxKeyMediatorSelfHash).(string)
	_, err := deleteAccountScript.Run(ctx, s.rdb,
		[]string{keyDID(didHash), keyAdmins},
		didHash, rootAdmin, mediatorSelf,
	).Result()
	if err != nil {
		if code, ok := asRedisErr(err); ok {
			if code == "FORBIDDEN" {
				return ErrForbidden
			}
			return mapErr(err, code)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SetCapabilities(ctx context.Context, didHash string, caps Capability) error {
	ok, err := s.rdb.HExists(ctx, keyDID(didHash), "ROLE").Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrNotFound
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyDID(didHash), "CAPS", int(caps))
	if caps.Has(CapAdmin) {
		pipe.SAdd(ctx, keyAdmins, didHash)
	} else {
		pipe.SRem(ctx, keyAdmins, didHash)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SetLimits(ctx context.Context, didHash string, recvSoft, recvHard, sendSoft, sendHard int) error {
	n, err := s.rdb.Exists(ctx, keyDID(didHash)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	err = s.rdb.HSet(ctx, keyDID(didHash),
		"RECV_SOFT", recvSoft, "RECV_HARD", recvHard,
		"SEND_SOFT", sendSoft, "SEND_HARD", sendHard,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AddToList(ctx context.Context, didHash, listedHash string, allow bool) error {
	return s.mutateList(ctx, didHash, listedHash, allow, "add")
}

func (s *RedisStore) RemoveFromList(ctx context.Context, didHash, listedHash string, allow bool) error {
	return s.mutateList(ctx, didHash, listedHash, allow, "remove")
}

func (s *RedisStore) mutateList(ctx context.Context, didHash, listedHash string, allow bool, op string) error {
	suffix := ":DENY"
	if allow {
		suffix = ":ALLOW"
	}
	_, err := listMutateScript.Run(ctx, s.rdb,
		[]string{keyDID(didHash) + suffix},
		listedHash, op, maxListEntries, didHash,
	).Result()
	if err != nil {
		if code, ok := asRedisErr(err); ok {
			if code == "LIST_FULL" {
				return fmt.Errorf("list mutate: %w", ErrInvalidArgs)
			}
			return mapErr(err, code)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type ctxKey int

const (
	ctxKeyRootAdminHash ctxKey = iota
	ctxKeyMediatorSelfHash
)

// WithProtectedDIDs returns a context DeleteAccount consults to refuse
// removing the root-admin or mediator-self accounts, per spec §4.7.
func WithProtectedDIDs(ctx context.Context, rootAdminHash, mediatorSelfHash string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRootAdminHash, rootAdminHash)
	return context.WithValue(ctx, ctxKeyMediatorSelfHash, mediatorSelfHash)
}

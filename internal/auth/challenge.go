package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChallengeStore persists the one-shot nonce used by the DID-challenge
// handshake, spec §4.2. A single key with a TTL is sufficient (this is
// not a multi-key mutation, so it is not expressed as one of the
// store package's Lua scripts).
type ChallengeStore interface {
	Issue(ctx context.Context, didHash string, ttl time.Duration) (nonce string, err error)
	// Consume validates the presented nonce against the one issued for
	// didHash and deletes it atomically; a second call for the same
	// didHash always misses, closing the replay window spec §9 calls
	// out explicitly.
	Consume(ctx context.Context, didHash, presentedNonce string) (bool, error)
}

func keyChallenge(didHash string) string { return "CHALLENGE:" + didHash }

// RedisChallengeStore implements ChallengeStore against the same
// Redis server the mediator's Store uses.
type RedisChallengeStore struct {
	rdb *redis.Client
}

func NewRedisChallengeStore(rdb *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{rdb: rdb}
}

func (c *RedisChallengeStore) Issue(ctx context.Context, didHash string, ttl time.Duration) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, keyChallenge(didHash), HashOpaqueToken(nonce), ttl).Err(); err != nil {
		return "", fmt.Errorf("auth: issue challenge: %w", err)
	}
	return nonce, nil
}

var consumeScript = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored == false then
	return 0
end
if stored ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

func (c *RedisChallengeStore) Consume(ctx context.Context, didHash, presentedNonce string) (bool, error) {
	out, err := consumeScript.Run(ctx, c.rdb, []string{keyChallenge(didHash)}, HashOpaqueToken(presentedNonce)).Result()
	if err != nil {
		return false, fmt.Errorf("auth: consume challenge: %w", err)
	}
	n, _ := out.(int64)
	return n == 1, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshStore persists the hash of each issued refresh token so
// POST /authentication/refresh can validate and rotate it, spec §4.2.
// Only the hash is ever stored, matching HashOpaqueToken's purpose.
type RefreshStore interface {
	// Put records a freshly issued refresh token's hash for sessionID,
	// replacing whatever was stored before (one live refresh token per
	// session).
	Put(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) error
	// Take validates presentedHash against the one stored for
	// sessionID and deletes it atomically, so a refresh token can only
	// be redeemed once (rotation on every refresh).
	Take(ctx context.Context, sessionID, presentedHash string) (bool, error)
}

func keyRefresh(sessionID string) string { return "REFRESH:" + sessionID }

type RedisRefreshStore struct {
	rdb *redis.Client
}

func NewRedisRefreshStore(rdb *redis.Client) *RedisRefreshStore {
	return &RedisRefreshStore{rdb: rdb}
}

func (r *RedisRefreshStore) Put(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, keyRefresh(sessionID), tokenHash, ttl).Err(); err != nil {
		return fmt.Errorf("auth: put refresh token: %w", err)
	}
	return nil
}

func (r *RedisRefreshStore) Take(ctx context.Context, sessionID, presentedHash string) (bool, error) {
	out, err := consumeScript.Run(ctx, r.rdb, []string{keyRefresh(sessionID)}, presentedHash).Result()
	if err != nil {
		return false, fmt.Errorf("auth: take refresh token: %w", err)
	}
	n, _ := out.(int64)
	return n == 1, nil
}

// MemoryRefreshStore is a RefreshStore used by tests and single-process
// deployments that run without Redis for the auth path.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	entries map[string]memRefresh
}

type memRefresh struct {
	hash    string
	expires time.Time
}

func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{entries: map[string]memRefresh{}}
}

func (m *MemoryRefreshStore) Put(ctx context.Context, sessionID, tokenHash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = memRefresh{hash: tokenHash, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryRefreshStore) Take(ctx context.Context, sessionID, presentedHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return false, nil
	}
	delete(m.entries, sessionID)
	if time.Now().After(e.expires) {
		return false, nil
	}
	return e.hash == presentedHash, nil
}

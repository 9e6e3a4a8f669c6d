package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryChallengeStore is a ChallengeStore used by tests and by the
// account-management example scenarios that run without a Redis
// instance.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	entries map[string]memChallenge
}

type memChallenge struct {
	hash    string
	expires time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{entries: map[string]memChallenge{}}
}

func (m *MemoryChallengeStore) Issue(ctx context.Context, didHash string, ttl time.Duration) (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.entries[didHash] = memChallenge{hash: HashOpaqueToken(nonce), expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nonce, nil
}

func (m *MemoryChallengeStore) Consume(ctx context.Context, didHash, presentedNonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[didHash]
	if !ok {
		return false, nil
	}
	delete(m.entries, didHash)
	if time.Now().After(e.expires) {
		return false, nil
	}
	return e.hash == HashOpaqueToken(presentedNonce), nil
}

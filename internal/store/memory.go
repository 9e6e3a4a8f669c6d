package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-memory Store used by package tests throughout
// the mediator. It mirrors the Redis scripts' semantics (single
// critical section per call, guarded by one mutex) closely enough to
// exercise the invariants in spec §3/§8 without a real server.
type MemoryStore struct {
	mu sync.Mutex

	messages map[string][]byte
	meta     map[string]MessageMeta
	receiveQ map[string][]streamEntry // did_hash -> entries
	sendQ    map[string][]streamEntry
	accounts map[string]*AccountRecord
	allow    map[string]map[string]struct{}
	deny     map[string]map[string]struct{}
	admins   map[string]struct{}
	streaming map[string]struct{} // did_hash set
	sessions  map[string]map[string]struct{} // session_uuid -> did_hash set
	expiry    map[int64]map[string]struct{}  // epoch -> msg_hash set
	global    GlobalCounters
	schemaVer int
	seq       int64
}

type streamEntry struct {
	id     string
	msgKey string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  map[string][]byte{},
		meta:      map[string]MessageMeta{},
		receiveQ:  map[string][]streamEntry{},
		sendQ:     map[string][]streamEntry{},
		accounts:  map[string]*AccountRecord{},
		allow:     map[string]map[string]struct{}{},
		deny:      map[string]map[string]struct{}{},
		admins:    map[string]struct{}{},
		streaming: map[string]struct{}{},
		sessions:  map[string]map[string]struct{}{},
		expiry:    map[int64]map[string]struct{}{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) nextID() string {
	s.seq++
	return strconv.FormatInt(s.seq, 10) + "-0"
}

func (s *MemoryStore) StoreMessage(ctx context.Context, p StoreMessageParams) (StoreMessageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.meta[p.MsgHash]; ok {
		return StoreMessageResult{ReceiveID: existing.ReceiveID, SendID: existing.SendID, Existed: true}, nil
	}

	s.messages[p.MsgHash] = append([]byte(nil), p.Message...)
	recvID := s.nextID()
	s.receiveQ[p.ToHash] = append(s.receiveQ[p.ToHash], streamEntry{id: recvID, msgKey: p.MsgHash})

	var sendID string
	if p.FromHash != "" {
		sendID = s.nextID()
		s.sendQ[p.FromHash] = append(s.sendQ[p.FromHash], streamEntry{id: sendID, msgKey: p.MsgHash})
	}

	s.meta[p.MsgHash] = MessageMeta{
		MsgHash: p.MsgHash, ToHash: p.ToHash, FromHash: p.FromHash,
		Bytes: len(p.Message), ExpiryEpoch: p.ExpiryEpoch, ArrivalMS: p.ArrivalMS,
		ReceiveID: recvID, SendID: sendID,
	}

	to := s.account(p.ToHash)
	to.ReceiveQueueCount++
	to.ReceiveQueueBytes += int64(len(p.Message))
	if p.FromHash != "" {
		from := s.account(p.FromHash)
		from.SendQueueCount++
		from.SendQueueBytes += int64(len(p.Message))
	}

	s.global.ReceivedBytes += int64(len(p.Message))
	s.global.ReceivedCount++

	if s.expiry[p.ExpiryEpoch] == nil {
		s.expiry[p.ExpiryEpoch] = map[string]struct{}{}
	}
	s.expiry[p.ExpiryEpoch][p.MsgHash] = struct{}{}

	return StoreMessageResult{ReceiveID: recvID, SendID: sendID}, nil
}

func (s *MemoryStore) account(didHash string) *AccountRecord {
	a, ok := s.accounts[didHash]
	if !ok {
		a = &AccountRecord{DIDHash: didHash, Role: RoleOrdinary}
		s.accounts[didHash] = a
	}
	return a
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, msgHash, requesterHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[msgHash]
	if !ok {
		return ErrNotFound
	}
	if requesterHash != m.ToHash && requesterHash != m.FromHash && requesterHash != AdminSentinel {
		return ErrForbidden
	}

	delete(s.messages, msgHash)
	delete(s.meta, msgHash)
	s.receiveQ[m.ToHash] = removeEntry(s.receiveQ[m.ToHash], m.ReceiveID)
	if to := s.accounts[m.ToHash]; to != nil {
		to.ReceiveQueueCount--
		to.ReceiveQueueBytes -= int64(m.Bytes)
	}

	if m.SendID != "" && m.FromHash != "" {
		s.sendQ[m.FromHash] = removeEntry(s.sendQ[m.FromHash], m.SendID)
		if from := s.accounts[m.FromHash]; from != nil {
			from.SendQueueCount--
			from.SendQueueBytes -= int64(m.Bytes)
		}
	}

	s.global.DeletedBytes += int64(m.Bytes)
	s.global.DeletedCount++

	if bucket := s.expiry[m.ExpiryEpoch]; bucket != nil {
		delete(bucket, msgHash)
	}
	return nil
}

func removeEntry(entries []streamEntry, id string) []streamEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) FetchMessages(ctx context.Context, didHash, startStreamID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}
	entries := s.receiveQ[didHash]
	out := make([]Message, 0, limit)
	started := startStreamID == "-" || startStreamID == ""
	for _, e := range entries {
		if !started {
			if e.id == startStreamID {
				started = true
			}
			continue
		}
		m := s.meta[e.msgKey]
		out = append(out, Message{StreamID: e.id, Bytes: append([]byte(nil), s.messages[e.msgKey]...), Meta: m})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetStatusReply(ctx context.Context, didHash string) (StatusReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[didHash]
	entries := s.receiveQ[didHash]
	var oldest, newest string
	if len(entries) > 0 {
		oldest = entries[0].id
		newest = entries[len(entries)-1].id
	}
	_, live := s.streaming[didHash]
	count, bytes := 0, int64(0)
	if a != nil {
		count, bytes = a.ReceiveQueueCount, a.ReceiveQueueBytes
	}
	return StatusReply{
		MessageCount: count, TotalBytes: bytes,
		OldestReceived: oldest, NewestReceived: newest,
		QueueCount: count, LiveDelivery: live,
	}, nil
}

func (s *MemoryStore) CleanStartStreaming(ctx context.Context, sessionUUID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sessions[sessionUUID]
	n := len(members)
	for did := range members {
		delete(s.streaming, did)
	}
	delete(s.sessions, sessionUUID)
	return n, nil
}

func (s *MemoryStore) RegisterStreaming(ctx context.Context, didHash, sessionUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming[didHash] = struct{}{}
	if s.sessions[sessionUUID] == nil {
		s.sessions[sessionUUID] = map[string]struct{}{}
	}
	s.sessions[sessionUUID][didHash] = struct{}{}
	return nil
}

func (s *MemoryStore) ExpiringBefore(ctx context.Context, cutoffEpoch int64) (map[int64][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64][]string{}
	epochs := make([]int64, 0, len(s.expiry))
	for e := range s.expiry {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	for _, e := range epochs {
		if e > cutoffEpoch {
			continue
		}
		hashes := make([]string, 0, len(s.expiry[e]))
		for h := range s.expiry[e] {
			hashes = append(hashes, h)
		}
		out[e] = hashes
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpiryBucket(ctx context.Context, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, epoch)
	return nil
}

func (s *MemoryStore) GlobalCounters(ctx context.Context) (GlobalCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, didHash string, role Role, caps Capability, recvSoft, recvHard, sendSoft, sendHard int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[didHash]; ok {
		return ErrAlreadyExists
	}
	s.accounts[didHash] = &AccountRecord{
		DIDHash: didHash, Role: role, Capabilities: caps,
		ReceiveSoftLimit: recvSoft, ReceiveHardLimit: recvHard,
		SendSoftLimit: sendSoft, SendHardLimit: sendHard,
	}
	if caps.Has(CapAdmin) {
		s.admins[didHash] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, didHash string) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[didHash]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	rec := *a
	for h := range s.allow[didHash] {
		rec.AllowList = append(rec.AllowList, h)
	}
	for h := range s.deny[didHash] {
		rec.DenyList = append(rec.DenyList, h)
	}
	sort.Strings(rec.AllowList)
	sort.Strings(rec.DenyList)
	return rec, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, didHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rootAdmin, _ := ctx.Value(ctxKeyRootAdminHash).(string)
	mediatorSelf, _ := ctx.Value(ctxKeyMediatorSelfHash).(string)
	if didHash == rootAdmin || didHash == mediatorSelf {
		return ErrForbidden
	}
	if _, ok := s.accounts[didHash]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, didHash)
	delete(s.admins, didHash)
	return nil
}

func (s *MemoryStore) SetCapabilities(ctx context.Context, didHash string, caps Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[didHash]
	if !ok {
		return ErrNotFound
	}
	a.Capabilities = caps
	if caps.Has(CapAdmin) {
		s.admins[didHash] = struct{}{}
	} else {
		delete(s.admins, didHash)
	}
	return nil
}

func (s *MemoryStore) SetLimits(ctx context.Context, didHash string, recvSoft, recvHard, sendSoft, sendHard int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[didHash]
	if !ok {
		return ErrNotFound
	}
	a.ReceiveSoftLimit, a.ReceiveHardLimit = recvSoft, recvHard
	a.SendSoftLimit, a.SendHardLimit = sendSoft, sendHard
	return nil
}

func (s *MemoryStore) AddToList(ctx context.Context, didHash, listedHash string, allow bool) error {
	return s.mutateList(didHash, listedHash, allow, true)
}

func (s *MemoryStore) RemoveFromList(ctx context.Context, didHash, listedHash string, allow bool) error {
	return s.mutateList(didHash, listedHash, allow, false)
}

func (s *MemoryStore) mutateList(didHash, listedHash string, allow, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[didHash]; !ok {
		return ErrNotFound
	}
	m := s.deny
	if allow {
		m = s.allow
	}
	if m[didHash] == nil {
		m[didHash] = map[string]struct{}{}
	}
	if add {
		if len(m[didHash]) >= maxListEntries {
			return ErrInvalidArgs
		}
		m[didHash][listedHash] = struct{}{}
	} else {
		delete(m[didHash], listedHash)
	}
	return nil
}

func (s *MemoryStore) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaVer, nil
}

func (s *MemoryStore) Migrate(ctx context.Context, binaryVersion int, migrations []func(context.Context) error) error {
	s.mu.Lock()
	cur := s.schemaVer
	s.mu.Unlock()
	if cur > binaryVersion {
		return ErrCorrupt
	}
	for i := cur; i < len(migrations) && i < binaryVersion; i++ {
		if err := migrations[i](ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.schemaVer = binaryVersion
	s.mu.Unlock()
	return nil
}

// Package store is the mediator's sole durable-state boundary. Every
// multi-key mutation commits atomically, as a Lua script or (for
// streaming registration, expiry-bucket removal and capability
// updates) a MULTI/EXEC transaction, so that ingestion, delete, and
// expiry never observe (or leave behind) partial state. Nothing outside this package talks to the backing database.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store methods. Callers map these onto
// the mediator's own error taxonomy (internal/errs); the store package
// does not depend on errs to avoid a dependency cycle with callers
// that wrap store errors into problem reports.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrForbidden    = errors.New("store: forbidden")
	ErrCorrupt      = errors.New("store: corrupt metadata")
	ErrInvalidArgs  = errors.New("store: invalid arguments")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrQueueFull    = errors.New("store: queue limit exceeded")
	ErrUnavailable  = errors.New("store: unavailable")
)

// AdminSentinel is the requester value delete_message accepts in place
// of a did_hash when the caller is a processor acting with admin
// authority (the expiry sweeper and the forwarder), per spec §4.6.
const AdminSentinel = "admin"

// Role marks the special per-DID account kinds spec §4.7 protects from
// removal.
type Role string

const (
	RoleOrdinary    Role = "ordinary"
	RoleAdmin       Role = "admin"
	RoleRootAdmin   Role = "root-admin"
	RoleMediatorSelf Role = "mediator-self"
)

// Capability bitmap flags, spec §4.3.
type Capability uint16

const (
	CapAllowInbound Capability = 1 << iota
	CapAllowOutbound
	CapAllowAnonMsg
	CapSelfManageList
	CapSelfManageSendLimit
	CapSelfManageReceiveLimit
	CapAdmin
)

func (c Capability) Has(f Capability) bool { return c&f != 0 }

// StoreMessageParams is the input to StoreMessage.
type StoreMessageParams struct {
	MsgHash     string
	Message     []byte
	ExpiryEpoch int64
	ToHash      string
	FromHash    string // empty for anonymous senders
	ArrivalMS   int64
}

// StoreMessageResult carries the stream ids the script assigned.
type StoreMessageResult struct {
	ReceiveID string
	SendID    string // empty if no sender
	Existed   bool   // true if this call short-circuited on an existing msg_hash
}

// MessageMeta mirrors the metadata hash spec §3 describes.
type MessageMeta struct {
	MsgHash   string
	ToHash    string
	FromHash  string
	Bytes     int
	ExpiryEpoch int64
	ArrivalMS int64
	ReceiveID string
	SendID    string
}

// Message is a fetched envelope: bytes plus its metadata and cursor.
type Message struct {
	StreamID string
	Bytes    []byte
	Meta     MessageMeta
}

// StatusReply mirrors get_status_reply's output, spec §4.1.
type StatusReply struct {
	MessageCount   int
	TotalBytes     int64
	OldestReceived string
	NewestReceived string
	QueueCount     int
	LiveDelivery   bool
}

// AccountRecord is the per-DID record, spec §3.
type AccountRecord struct {
	DIDHash            string
	Role               Role
	Capabilities        Capability
	AllowList           []string
	DenyList            []string
	ReceiveSoftLimit    int
	ReceiveHardLimit    int
	SendSoftLimit       int
	SendHardLimit       int
	ReceiveQueueCount   int
	ReceiveQueueBytes   int64
	SendQueueCount      int
	SendQueueBytes      int64
}

// GlobalCounters mirrors the GLOBAL hash, spec §3.
type GlobalCounters struct {
	ReceivedBytes int64
	ReceivedCount int64
	DeletedBytes  int64
	DeletedCount  int64
}

// Store is the mediator's full atomic-mutation contract. Some methods
// take several round trips to the backend (RedisStore's GetAccount
// reads the record and both lists separately, for example).
type Store interface {
	// StoreMessage commits an envelope and its queue placements in one
	// step. Idempotent on MsgHash.
	StoreMessage(ctx context.Context, p StoreMessageParams) (StoreMessageResult, error)

	// DeleteMessage removes an envelope the requester is entitled to
	// remove (the TO, the FROM, or AdminSentinel).
	DeleteMessage(ctx context.Context, msgHash, requesterHash string) error

	// FetchMessages returns up to limit envelopes from did_hash's
	// receive queue strictly after startStreamID ("-" for the start).
	FetchMessages(ctx context.Context, didHash, startStreamID string, limit int) ([]Message, error)

	// GetStatusReply returns did_hash's queue status snapshot.
	GetStatusReply(ctx context.Context, didHash string) (StatusReply, error)

	// CleanStartStreaming clears session's stale subscription and
	// returns the number of entries evicted from the global set.
	CleanStartStreaming(ctx context.Context, sessionUUID string) (int, error)

	// RegisterStreaming adds didHash/sessionUUID to the global and
	// per-session streaming sets.
	RegisterStreaming(ctx context.Context, didHash, sessionUUID string) error

	// ExpiringBefore returns expiry buckets (epoch seconds) with score
	// <= cutoff and the msg_hashes each bucket holds. It removes
	// nothing; callers call DeleteExpiryBucket after sweeping a bucket.
	ExpiringBefore(ctx context.Context, cutoffEpoch int64) (map[int64][]string, error)
	DeleteExpiryBucket(ctx context.Context, epoch int64) error

	// GlobalCounters reads the GLOBAL hash.
	GlobalCounters(ctx context.Context) (GlobalCounters, error)

	// Account administration.
	CreateAccount(ctx context.Context, didHash string, role Role, caps Capability, recvSoft, recvHard, sendSoft, sendHard int) error
	GetAccount(ctx context.Context, didHash string) (AccountRecord, error)
	DeleteAccount(ctx context.Context, didHash string) error
	SetCapabilities(ctx context.Context, didHash string, caps Capability) error
	SetLimits(ctx context.Context, didHash string, recvSoft, recvHard, sendSoft, sendHard int) error
	AddToList(ctx context.Context, didHash, listedHash string, allow bool) error
	RemoveFromList(ctx context.Context, didHash, listedHash string, allow bool) error

	// Schema version, spec §6. Migrate runs migrations[curVersion:] in
	// order; it returns an error the caller should treat as fatal
	// (exit code 64) if the stored version is newer than binaryVersion.
	SchemaVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context, binaryVersion int, migrations []func(context.Context) error) error

	Close() error
}

// Clock is overridable for deterministic tests.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now() }

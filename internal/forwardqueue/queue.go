// Package forwardqueue holds envelopes whose next hop is a remote
// mediator until the forwarder processor (internal/processors) can
// dispatch them, spec §4.6. The contracts mirror a Producer/Consumer/
// DeadLetter split with at-least-once delivery and backend-managed
// redelivery, generalized to DIDComm forward envelopes instead of
// generic job envelopes.
package forwardqueue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmpty   = errors.New("forwardqueue: empty")
	ErrInvalid = errors.New("forwardqueue: invalid envelope")
)

// MaxAttempts bounds retries before an envelope is moved to the dead
// letter stream, spec §4.6's "permanent failure" branch.
const MaxAttempts = 12

// Envelope is one forward job: a packed DIDComm envelope plus enough
// routing metadata for the forwarder to resolve the remote endpoint and
// report back to the sender on permanent failure.
type Envelope struct {
	MsgHash    string `json:"msg_hash"`
	ToDID      string `json:"to_did"`
	FromHash   string `json:"from_hash,omitempty"`
	Packed     []byte `json:"packed"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func (e Envelope) validate() error {
	if e.MsgHash == "" || e.ToDID == "" || len(e.Packed) == 0 {
		return ErrInvalid
	}
	return nil
}

// DequeueResult pairs a leased envelope with the opaque receipt needed
// to Ack or Nack it.
type DequeueResult struct {
	Envelope Envelope
	Receipt  string
}

// Producer enqueues forward jobs.
type Producer interface {
	Enqueue(ctx context.Context, env Envelope) error
}

// Consumer leases forward jobs for the forwarder to process.
type Consumer interface {
	// Dequeue blocks up to pollTimeout for a job; returns ErrEmpty if
	// none arrived in that window.
	Dequeue(ctx context.Context, pollTimeout time.Duration) (DequeueResult, error)
	Ack(ctx context.Context, receipt string) error
	// Nack requeues with the given backoff delay unless the envelope
	// has exhausted MaxAttempts, in which case it is moved to the dead
	// letter stream instead.
	Nack(ctx context.Context, receipt string, delay time.Duration, reason string) error
	// RequeueDue moves delayed entries whose backoff has elapsed back
	// onto the ready stream. The forwarder processor calls this once per
	// tick; it is safe to call from multiple workers concurrently.
	RequeueDue(ctx context.Context) (int, error)
	// Kill moves the envelope straight to the dead letter stream
	// regardless of attempt count, for permanent failures spec §4.6
	// distinguishes from ordinary retryable ones (DID unresolvable,
	// remote rejects terminally).
	Kill(ctx context.Context, receipt string, reason string) error
}

// DeadLetter exposes the terminal-failure stream for inspection or
// manual replay.
type DeadLetter interface {
	DeadLetters(ctx context.Context, limit int) ([]Envelope, error)
}

// Queue combines all three roles; RedisQueue and MemoryQueue both
// implement it.
type Queue interface {
	Producer
	Consumer
	DeadLetter
}

// Backoff computes the exponential-with-jitter retry delay spec §4.6
// specifies: base 1s, cap 5m, jitter ±20%.
func Backoff(attempt int, rnd func() float64) time.Duration {
	const base = time.Second
	const cap_ = 5 * time.Minute
	d := base << attempt
	if d <= 0 || d > cap_ { // overflow or past the cap
		d = cap_
	}
	if rnd == nil {
		return d
	}
	jitter := 1.0 + (rnd()*2-1)*0.20
	scaled := time.Duration(float64(d) * jitter)
	if scaled < 0 {
		scaled = base
	}
	return scaled
}

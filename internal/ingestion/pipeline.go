// Package ingestion implements the envelope ingestion pipeline,
// spec §4.4: unwrap forward layers, resolve recipients, ACL-check,
// commit via Store, fan out to live subscribers, and report per
// recipient.
package ingestion

import (
	"context"
	"time"

	"github.com/didcomm-mediator/mediator/internal/acl"
	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
)

// Broadcaster publishes a committed or ephemeral envelope to a
// recipient's live-stream session, if one exists. Implemented by
// internal/delivery; kept as an interface here so this package does
// not import internal/delivery.
type Broadcaster interface {
	// Publish returns false if the recipient has no active live
	// subscription (the caller then applies spec §4.4 step 4's drop
	// rule for ephemeral envelopes, or leaves the durable copy queued
	// for pickup otherwise).
	Publish(recipientHash string, packed didcomm.Packed) bool
}

// Forwarder enqueues an envelope whose next hop is a remote mediator.
// Implemented by internal/forwardqueue; kept as an interface here for
// the same reason as Broadcaster.
type Forwarder interface {
	EnqueueForward(ctx context.Context, msgHash, toDID, fromHash string, packed didcomm.Packed) error
}

type RecipientResult struct {
	DID     string
	Success bool
	Error   *errs.Error
}

type Response struct {
	MessageID  string
	Recipients []RecipientResult
}

// Pipeline runs the ingestion steps for one submission. maxBytes bounds
// envelope size before any ACL evaluation runs.
type Pipeline struct {
	store         store.Store
	acl           *acl.Evaluator
	broadcaster   Broadcaster
	forwarder     Forwarder
	logger        *telemetry.Logger
	meter         telemetry.Meter
	mediatorDID   string
	aliases       map[string]struct{}
	maxBytes      int
	defaultExpiry time.Duration
}

func NewPipeline(s store.Store, evaluator *acl.Evaluator, b Broadcaster, logger *telemetry.Logger, meter telemetry.Meter, mediatorDID string, aliases []string, maxBytes int) *Pipeline {
	set := make(map[string]struct{}, len(aliases))
	for _, a := range aliases {
		set[a] = struct{}{}
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	if meter == nil {
		meter = telemetry.NopMeter{}
	}
	return &Pipeline{store: s, acl: evaluator, broadcaster: b, logger: logger, meter: meter, mediatorDID: mediatorDID, aliases: set, maxBytes: maxBytes, defaultExpiry: 14 * 24 * time.Hour}
}

// WithDefaultExpiry sets the expiry applied to envelopes that omit
// expires_time, per config key limits.message_expiry_seconds.
func (p *Pipeline) WithDefaultExpiry(d time.Duration) *Pipeline {
	if d > 0 {
		p.defaultExpiry = d
	}
	return p
}

// WithForwarder attaches the forward queue used for remote next-hops.
// Optional: without it, forward-to-remote envelopes are still persisted
// locally for the audit trail but are never dispatched onward.
func (p *Pipeline) WithForwarder(f Forwarder) *Pipeline {
	p.forwarder = f
	return p
}

// Ingest runs the full pipeline for one authenticated submission.
// senderHash is empty for anonymous senders. msg is the unpacked
// plaintext; packed is the original wire bytes (re-used for fan-out
// and, if wrapping a forward, for the forwarder).
func (p *Pipeline) Ingest(ctx context.Context, senderHash string, msg didcomm.Plaintext, packed didcomm.Packed) (Response, error) {
	msg, packed, isForwardToRemote := p.unwrapForward(msg, packed)

	if err := p.validateEnvelope(msg); err != nil {
		return Response{}, err
	}

	resp := Response{MessageID: msg.Header.ID}
	for _, to := range msg.Header.To {
		result := p.ingestOne(ctx, senderHash, to, msg, packed, isForwardToRemote)
		resp.Recipients = append(resp.Recipients, result)
	}
	return resp, nil
}

// unwrapForward implements spec §4.4 step 1: local short-circuit when
// next is this mediator (or a configured alias), otherwise the
// envelope remains wrapped for the forwarder.
func (p *Pipeline) unwrapForward(msg didcomm.Plaintext, packed didcomm.Packed) (didcomm.Plaintext, didcomm.Packed, bool) {
	for msg.Header.Type == didcomm.TypeForward {
		var body didcomm.ForwardBody
		if err := decodeBody(msg.Body, &body); err != nil {
			break
		}
		if body.Next != p.mediatorDID {
			if _, ok := p.aliases[body.Next]; !ok {
				return msg, packed, true
			}
		}
		inner, ok := unmarshalInner(msg.Attachment)
		if !ok {
			break
		}
		packed = msg.Attachment
		msg = inner
	}
	return msg, packed, false
}

func (p *Pipeline) validateEnvelope(msg didcomm.Plaintext) error {
	if msg.Header.ID == "" || len(msg.Header.To) == 0 {
		return errs.New(errs.CodeMalformedEnvelope, "envelope missing id or recipient")
	}
	if !msg.Header.ExpiresAt().IsZero() && msg.Header.ExpiresAt().Before(time.Now()) {
		return errs.New(errs.CodeMalformedEnvelope, "envelope already expired at ingestion")
	}
	return nil
}

func (p *Pipeline) ingestOne(ctx context.Context, senderHash, toDID string, msg didcomm.Plaintext, packed didcomm.Packed, forwardToRemote bool) RecipientResult {
	toHash := didhash.DID(toDID)

	if len(packed) > p.maxBytes {
		return RecipientResult{DID: toDID, Error: errs.New(errs.CodeEnvelopeTooLarge, "envelope exceeds max_message_bytes")}
	}

	decision, err := p.acl.EvaluateIngress(ctx, senderHash, toHash)
	if err != nil {
		return RecipientResult{DID: toDID, Error: errs.Wrap(errs.CodeInternal, "acl evaluation failed", err)}
	}
	if !decision.Allowed {
		return RecipientResult{DID: toDID, Error: errs.New(errs.CodeAuthForbidden, "ACL_DENIED: "+decision.Reason)}
	}

	if msg.Header.Ephemeral {
		if p.broadcaster.Publish(toHash, packed) {
			return RecipientResult{DID: toDID, Success: true}
		}
		p.logger.Info(ctx, "ephemeral envelope dropped: no live subscriber", map[string]any{"to": toHash})
		p.meter.IncCounter("mediator_ephemeral_dropped_total", nil, 1)
		return RecipientResult{DID: toDID, Success: true}
	}

	expiresAt := msg.Header.ExpiresAt()
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(p.defaultExpiry)
	}
	expiryEpoch := expiresAt.Unix()
	msgHash := didhash.Message(map[string]any{"to": toHash, "from": senderHash, "id": msg.Header.ID, "body": string(msg.Body)})

	result, err := p.store.StoreMessage(ctx, store.StoreMessageParams{
		MsgHash: msgHash, Message: packed, ExpiryEpoch: expiryEpoch,
		ToHash: toHash, FromHash: senderHash, ArrivalMS: time.Now().UnixMilli(),
	})
	if err != nil {
		if err == store.ErrQueueFull {
			return RecipientResult{DID: toDID, Error: errs.New(errs.CodeQueueFull, "queue limit exceeded")}
		}
		return RecipientResult{DID: toDID, Error: errs.Wrap(errs.CodeInternal, "store_message failed", err)}
	}

	if !result.Existed {
		p.broadcaster.Publish(toHash, packed)
	}
	if forwardToRemote && p.forwarder != nil {
		if err := p.forwarder.EnqueueForward(ctx, msgHash, toDID, senderHash, packed); err != nil {
			p.logger.Info(ctx, "forward enqueue failed", map[string]any{"msg_hash": msgHash, "error": err.Error()})
		} else {
			p.meter.IncCounter("mediator_forward_queued_total", nil, 1)
		}
	}
	return RecipientResult{DID: toDID, Success: true}
}

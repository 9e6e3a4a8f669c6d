package delivery

import (
	"context"
	"sync"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/google/uuid"
)

// Hub tracks live sessions by did_hash and fans out published envelopes
// to whichever session currently holds that DID's live subscription.
// It implements ingestion.Broadcaster.
type Hub struct {
	mu       sync.RWMutex
	byDID    map[string]*Session
	store    store.Store
	logger   *telemetry.Logger
	meter    telemetry.Meter
}

func NewHub(s store.Store, logger *telemetry.Logger, meter telemetry.Meter) *Hub {
	if logger == nil {
		logger = telemetry.Nop
	}
	if meter == nil {
		meter = telemetry.NopMeter{}
	}
	return &Hub{byDID: map[string]*Session{}, store: s, logger: logger, meter: meter}
}

// Publish implements ingestion.Broadcaster: it returns false if no
// session currently holds a STREAMING subscription for recipientHash.
func (h *Hub) Publish(recipientHash string, packed didcomm.Packed) bool {
	h.mu.RLock()
	sess, ok := h.byDID[recipientHash]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if sess.currentState() != StateStreaming {
		return false
	}
	if !sess.enqueueMessage(packed) {
		h.logger.Info(context.Background(), "live delivery queue saturated", map[string]any{"did_hash": recipientHash})
		h.meter.IncCounter("mediator_live_queue_saturated_total", nil, 1)
		return false
	}
	h.meter.IncCounter("mediator_live_delivered_total", nil, 1)
	return true
}

// newStreamSessionID mints the uuid bound to a live-delivery
// subscription, spec §3's STREAMING_SESSIONS:<uuid> set.
func newStreamSessionID() string { return uuid.NewString() }

// enableStreaming promotes sess to STREAMING: clears any stale
// subscription via clean_start_streaming, registers the new one, and
// makes the session reachable by did_hash for Publish.
func (h *Hub) enableStreaming(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = newStreamSessionID()
	}
	if _, err := h.store.CleanStartStreaming(ctx, sess.ID); err != nil {
		return err
	}
	if err := h.store.RegisterStreaming(ctx, sess.DIDHash, sess.ID); err != nil {
		return err
	}
	if !sess.transition(StateStreaming) {
		return nil
	}
	h.mu.Lock()
	h.byDID[sess.DIDHash] = sess
	h.mu.Unlock()
	return nil
}

// disableStreaming demotes sess back to IDLE and removes it from the
// publish table. Does not clear the store-side subscription: a client
// that reconnects without calling live-delivery-change(false) is
// expected to rely on clean_start_streaming at its next enable.
func (h *Hub) disableStreaming(sess *Session) {
	h.mu.Lock()
	if h.byDID[sess.DIDHash] == sess {
		delete(h.byDID, sess.DIDHash)
	}
	h.mu.Unlock()
	sess.transition(StateIdle)
}

// drop unregisters sess unconditionally, used on connection close.
func (h *Hub) drop(sess *Session) {
	h.mu.Lock()
	if h.byDID[sess.DIDHash] == sess {
		delete(h.byDID, sess.DIDHash)
	}
	h.mu.Unlock()
}

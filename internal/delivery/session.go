// Package delivery implements the Message-Pickup 3.0 protocol over the
// WebSocket transport described in spec §4.5: status-request,
// delivery-request, messages-received, and live-delivery-change, plus
// the live-stream broadcast fan-out the ingestion pipeline publishes
// into.
package delivery

import (
	"sync"
	"time"
)

// State is the WebSocket session's small state machine, spec §4.5.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateAuthenticated State = "AUTHENTICATED"
	StateIdle         State = "IDLE"
	StateStreaming    State = "STREAMING"
	StateClosing      State = "CLOSING"
)

// canTransition enforces the legal edges of the state machine. Any
// state may move to CLOSING; AUTHENTICATED may move to IDLE or straight
// to STREAMING (a live-delivery enable), IDLE may promote to STREAMING,
// and STREAMING may fall back to IDLE.
func canTransition(from, to State) bool {
	if to == StateClosing {
		return true
	}
	switch from {
	case StateConnecting:
		return to == StateAuthenticated
	case StateAuthenticated:
		return to == StateIdle || to == StateStreaming
	case StateIdle:
		return to == StateStreaming
	case StateStreaming:
		return to == StateIdle
	default:
		return false
	}
}

// Session tracks one authenticated WebSocket connection's protocol
// state. Mutated only by the connection's own read pump, per spec §5's
// "session records are owned by the handling task" rule; mu guards the
// few fields the hub's broadcast path also touches.
type Session struct {
	mu sync.Mutex

	ID        string
	DIDHash   string
	Admin     bool
	State     State
	TokenExp  time.Time
	connected time.Time

	statusCh chan []byte
	msgCh    chan []byte
	closed   chan struct{}

	// delivered maps a stream_id handed to the client in a delivery
	// frame back to its msg_hash, so a later messages-received ack (which
	// names stream_ids, per spec §4.5) can call delete_message (which
	// takes msg_hash, per spec §4.1). Bounded to avoid unbounded growth
	// from a client that never acks.
	delivered map[string]string
}

const maxTrackedDeliveries = 4096

func (s *Session) trackDelivered(streamID, msgHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		s.delivered = map[string]string{}
	}
	if len(s.delivered) >= maxTrackedDeliveries {
		for k := range s.delivered {
			delete(s.delivered, k)
			break
		}
	}
	s.delivered[streamID] = msgHash
}

func (s *Session) resolveDelivered(streamID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.delivered[streamID]
	if ok {
		delete(s.delivered, streamID)
	}
	return h, ok
}

// statusQueueDepth is deliberately small: status events (hello, acks,
// problem reports) may be dropped under backpressure per spec §4.5.
const statusQueueDepth = 16

// messageQueueDepth caps the live message queue. A frame that does not
// fit is refused rather than evicting an older one; the envelopes it
// carries are already persisted and stay in the store for pickup.
const messageQueueDepth = 256

func newSession(id, didHash string, admin bool, tokenExp time.Time) *Session {
	return &Session{
		ID: id, DIDHash: didHash, Admin: admin, State: StateAuthenticated,
		TokenExp: tokenExp, connected: time.Now(),
		statusCh: make(chan []byte, statusQueueDepth),
		msgCh:    make(chan []byte, messageQueueDepth),
		closed:   make(chan struct{}),
	}
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.State, to) {
		return false
	}
	s.State = to
	return true
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *Session) expired(now time.Time) bool {
	return !s.TokenExp.IsZero() && now.After(s.TokenExp)
}

// enqueueStatus drops the oldest queued status event on overflow
// rather than blocking the caller, per spec §4.5.
func (s *Session) enqueueStatus(frame []byte) {
	select {
	case s.statusCh <- frame:
	default:
		select {
		case <-s.statusCh:
		default:
		}
		select {
		case s.statusCh <- frame:
		default:
		}
	}
}

// enqueueMessage never evicts a queued frame. It returns false without
// queueing when messageQueueDepth frames are already waiting; callers
// invoke it only after a successful persistence commit and log the
// refusal themselves (they own the logger).
func (s *Session) enqueueMessage(frame []byte) bool {
	select {
	case s.msgCh <- frame:
		return true
	default:
		return false
	}
}

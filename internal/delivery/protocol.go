package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/store"
)

// Message-Pickup 3.0 frame type strings, spec §4.5.
const (
	TypeStatusRequest     = "https://didcomm.org/messagepickup/3.0/status-request"
	TypeStatus            = "https://didcomm.org/messagepickup/3.0/status"
	TypeDeliveryRequest   = "https://didcomm.org/messagepickup/3.0/delivery-request"
	TypeDelivery          = "https://didcomm.org/messagepickup/3.0/delivery"
	TypeMessagesReceived  = "https://didcomm.org/messagepickup/3.0/messages-received"
	TypeLiveDeliveryChange = "https://didcomm.org/messagepickup/3.0/live-delivery-change"
)

// frame is the envelope shape exchanged over the WebSocket, independent
// of the encrypted DIDComm packing used on the HTTP inbound surface:
// the live channel carries already-authenticated, already-unpacked
// control frames for pickup, and opaque packed bytes for delivered
// envelopes.
type frame struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

type deliveryRequestBody struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor"`
}

type messagesReceivedBody struct {
	StreamIDs []string `json:"stream_ids"`
}

type liveDeliveryChangeBody struct {
	Enabled bool `json:"enabled"`
}

type statusBody struct {
	MessageCount   int    `json:"message_count"`
	TotalBytes     int64  `json:"total_bytes"`
	OldestReceived string `json:"oldest_received,omitempty"`
	NewestReceived string `json:"newest_received,omitempty"`
	LiveDelivery   bool   `json:"live_delivery"`
}

type deliveredEnvelope struct {
	StreamID string `json:"stream_id"`
	Message  string `json:"message"` // base64 of the packed bytes
}

type deliveryBody struct {
	Envelopes []deliveredEnvelope `json:"envelopes"`
}

type messagesReceivedAck struct {
	Deleted int `json:"deleted"`
}

type liveDeliveryAck struct {
	Enabled bool `json:"enabled"`
}

const defaultDeliveryLimit = 10
const maxDeliveryLimit = 256

// Protocol wires the Message-Pickup handlers to the Store and Hub. A
// Conn (one per WebSocket) calls handle for every inbound frame.
type Protocol struct {
	store store.Store
	hub   *Hub
}

func NewProtocol(s store.Store, hub *Hub) *Protocol {
	return &Protocol{store: s, hub: hub}
}

// handle dispatches one inbound frame for sess, returning the reply
// frame to send back (or a problem report on failure) and whether the
// session must close.
func (p *Protocol) handle(ctx context.Context, sess *Session, in frame) (frame, bool) {
	switch in.Type {
	case TypeStatusRequest:
		return p.statusRequest(ctx, sess, in)
	case TypeDeliveryRequest:
		return p.deliveryRequest(ctx, sess, in)
	case TypeMessagesReceived:
		return p.messagesReceived(ctx, sess, in)
	case TypeLiveDeliveryChange:
		return p.liveDeliveryChange(ctx, sess, in)
	default:
		pr := didcomm.NewProblemReport(in.ID, didcomm.PCodeNotSupported, "unsupported frame type: "+in.Type)
		return problemFrame(in.ID, pr), false
	}
}

func (p *Protocol) statusRequest(ctx context.Context, sess *Session, in frame) (frame, bool) {
	reply, err := p.store.GetStatusReply(ctx, sess.DIDHash)
	if err != nil {
		return problemFrame(in.ID, didcomm.NewProblemReport(in.ID, didcomm.PCodeStoreUnavailable, err.Error())), false
	}
	body := statusBody{
		MessageCount: reply.MessageCount, TotalBytes: reply.TotalBytes,
		OldestReceived: reply.OldestReceived, NewestReceived: reply.NewestReceived,
		LiveDelivery: reply.LiveDelivery,
	}
	return replyFrame(in.ID, TypeStatus, body), false
}

func (p *Protocol) deliveryRequest(ctx context.Context, sess *Session, in frame) (frame, bool) {
	var reqBody deliveryRequestBody
	_ = json.Unmarshal(in.Body, &reqBody)
	limit := reqBody.Limit
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}
	if limit > maxDeliveryLimit {
		limit = maxDeliveryLimit
	}
	cursor := reqBody.Cursor
	if cursor == "" {
		cursor = "-"
	}

	msgs, err := p.store.FetchMessages(ctx, sess.DIDHash, cursor, limit)
	if err != nil {
		return problemFrame(in.ID, didcomm.NewProblemReport(in.ID, didcomm.PCodeStoreUnavailable, err.Error())), false
	}
	envs := make([]deliveredEnvelope, 0, len(msgs))
	for _, m := range msgs {
		sess.trackDelivered(m.StreamID, m.Meta.MsgHash)
		envs = append(envs, deliveredEnvelope{StreamID: m.StreamID, Message: base64.StdEncoding.EncodeToString(m.Bytes)})
	}
	return replyFrame(in.ID, TypeDelivery, deliveryBody{Envelopes: envs}), false
}

// messagesReceived acknowledges a batch of stream_ids by deleting each
// via delete_message. Per spec §4.5, acks are idempotent: a repeat ack
// for an already-deleted id is treated as a no-op, not an error.
func (p *Protocol) messagesReceived(ctx context.Context, sess *Session, in frame) (frame, bool) {
	var reqBody messagesReceivedBody
	_ = json.Unmarshal(in.Body, &reqBody)
	deleted := 0
	for _, streamID := range reqBody.StreamIDs {
		msgHash, ok := sess.resolveDelivered(streamID)
		if !ok {
			// Unknown or already-acked stream_id: idempotent no-op.
			continue
		}
		if err := p.store.DeleteMessage(ctx, msgHash, sess.DIDHash); err != nil {
			if err == store.ErrNotFound {
				continue
			}
			continue
		}
		deleted++
	}
	return replyFrame(in.ID, TypeMessagesReceived, messagesReceivedAck{Deleted: deleted}), false
}

func (p *Protocol) liveDeliveryChange(ctx context.Context, sess *Session, in frame) (frame, bool) {
	var reqBody liveDeliveryChangeBody
	_ = json.Unmarshal(in.Body, &reqBody)
	if reqBody.Enabled {
		if err := p.hub.enableStreaming(ctx, sess); err != nil {
			return problemFrame(in.ID, didcomm.NewProblemReport(in.ID, didcomm.PCodeStoreUnavailable, err.Error())), false
		}
	} else {
		p.hub.disableStreaming(sess)
	}
	return replyFrame(in.ID, TypeLiveDeliveryChange, liveDeliveryAck{Enabled: reqBody.Enabled}), false
}

func replyFrame(id, typ string, body any) frame {
	b, _ := json.Marshal(body)
	return frame{ID: id, Type: typ, Body: b}
}

func problemFrame(id string, pr didcomm.ProblemReport) frame {
	b, _ := json.Marshal(pr)
	return frame{ID: id, Type: didcomm.TypeProblemReport, Body: b}
}

func decodeFrame(raw []byte, out *frame) error {
	return json.Unmarshal(raw, out)
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

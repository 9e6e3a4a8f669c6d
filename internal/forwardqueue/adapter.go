package forwardqueue

import (
	"context"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
)

// Adapter satisfies ingestion.Forwarder by wrapping a Queue's Producer
// side, so the ingestion pipeline never imports this package's Redis
// or consumer-group details directly.
type Adapter struct {
	Queue Producer
}

func (a Adapter) EnqueueForward(ctx context.Context, msgHash, toDID, fromHash string, packed didcomm.Packed) error {
	return a.Queue.Enqueue(ctx, Envelope{MsgHash: msgHash, ToDID: toDID, FromHash: fromHash, Packed: []byte(packed)})
}

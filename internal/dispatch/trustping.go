package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Trust-ping type URIs, spec §2/§4.7 ("a table from DIDComm message
// type to handler (trust-ping, message-pickup, ...)").
const (
	TypeTrustPing         = "https://didcomm.org/trust-ping/2.0/ping"
	TypeTrustPingResponse = "https://didcomm.org/trust-ping/2.0/ping-response"
)

type trustPingRequest struct {
	ResponseRequested bool `json:"response_requested,omitempty"`
}

type trustPingResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// trustPing answers a trust-ping with a ping-response. No capability
// is required: any authenticated or anonymous sender may probe
// liveness. Threading (thid) is outside the header fields spec §1
// scopes the mediator to read, so the response carries its own id only.
func (t *Table) trustPing(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
	var req trustPingRequest
	if len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	return trustPingResponse{ID: uuid.NewString(), Type: TypeTrustPingResponse}, nil
}

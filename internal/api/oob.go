package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// OOBProvider answers GET /oob with a fresh out-of-band invitation
// pointing at this mediator, spec §6. Invitations are stateless (the
// DIDComm handshake that follows carries its own nonce); the TTL is
// advisory for the recipient, not enforced server-side.
type OOBProvider struct {
	MediatorDID      string
	ServiceEndpoint  string
	TTL              time.Duration
}

type oobInvitation struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	From    string           `json:"from"`
	Body    oobInvitationBody `json:"body"`
	Services []oobService     `json:"services"`
}

type oobInvitationBody struct {
	GoalCode    string `json:"goal_code"`
	Accept      []string `json:"accept"`
	ExpiresTime int64  `json:"expires_time"`
}

type oobService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

const TypeOOBInvitation = "https://didcomm.org/out-of-band/2.0/invitation"

func (p *OOBProvider) invitation() oobInvitation {
	return oobInvitation{
		ID: uuid.NewString(), Type: TypeOOBInvitation, From: p.MediatorDID,
		Body: oobInvitationBody{GoalCode: "mediator-provision", Accept: []string{"didcomm/v2"}, ExpiresTime: time.Now().Add(p.TTL).Unix()},
		Services: []oobService{{ID: "#didcomm", Type: "DIDCommMessaging", ServiceEndpoint: p.ServiceEndpoint}},
	}
}

func (h *handlers) oob(w http.ResponseWriter, r *http.Request) {
	if h.d.OOB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oob invitations not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.d.OOB.invitation())
}

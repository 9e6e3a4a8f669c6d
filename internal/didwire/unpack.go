package didwire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

// wireEnvelope is the on-the-wire shape this default codec reads: the
// header fields the mediator cares about plus an optional detached
// signature. A deployment with a real DIDComm JWE/JWS library supplies
// its own didcomm.Unpacker and never touches this type.
type wireEnvelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	From        string          `json:"from,omitempty"`
	To          []string        `json:"to"`
	ExpiresTime *int64          `json:"expires_time,omitempty"`
	ReturnRoute string          `json:"return_route,omitempty"`
	Ephemeral   bool            `json:"ephemeral,omitempty"`
	Body        json.RawMessage `json:"body"`
	SignerKeyID string          `json:"signer_key_id,omitempty"`
	Signature   []byte          `json:"signature,omitempty"`
}

// JSONUnpacker implements didcomm.Unpacker over wireEnvelope. A
// message with no signature is accepted as anonymous (verifiedSender
// ""); one with a signature is verified against the sender's resolved
// document and only reported as verified if it checks out, otherwise
// it degrades to anonymous rather than failing the request outright
// (the ACL engine applies its own anonymous-sender rules downstream).
type JSONUnpacker struct {
	Resolver diddoc.Resolver
	Verifier diddoc.Verifier
}

func NewJSONUnpacker(r diddoc.Resolver, v diddoc.Verifier) *JSONUnpacker {
	return &JSONUnpacker{Resolver: r, Verifier: v}
}

func (u *JSONUnpacker) Unpack(packed didcomm.Packed) (didcomm.Plaintext, string, error) {
	var env wireEnvelope
	if err := json.Unmarshal(packed, &env); err != nil {
		return didcomm.Plaintext{}, "", fmt.Errorf("didwire: malformed envelope: %w", err)
	}
	msg := didcomm.Plaintext{
		Header: didcomm.Header{
			ID: env.ID, Type: env.Type, From: env.From, To: env.To,
			ExpiresTime: env.ExpiresTime, ReturnRoute: env.ReturnRoute, Ephemeral: env.Ephemeral,
		},
		Body: env.Body,
	}
	if env.From == "" || env.SignerKeyID == "" || len(env.Signature) == 0 {
		return msg, "", nil
	}
	doc, err := u.Resolver.Resolve(context.Background(), env.From)
	if err != nil {
		return msg, "", nil
	}
	if !u.Verifier.Verify(doc, env.SignerKeyID, env.Body, env.Signature) {
		return msg, "", nil
	}
	return msg, env.From, nil
}

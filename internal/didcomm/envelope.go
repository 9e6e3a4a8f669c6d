// Package didcomm defines the header fields and problem-report shape
// the mediator reads and writes. Packing, unpacking, and the rest of
// the DIDComm message schema are out of scope (spec §1) and live
// behind the Packer/Unpacker interfaces here.
package didcomm

import (
	"encoding/json"
	"time"
)

// Header is the subset of a DIDComm v2 message the mediator reads,
// per spec §1.
type Header struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	From         string `json:"from,omitempty"`
	To           []string `json:"to"`
	ExpiresTime  *int64 `json:"expires_time,omitempty"`
	ReturnRoute  string `json:"return_route,omitempty"`
	Ephemeral    bool   `json:"ephemeral,omitempty"`
}

// ForwardBody is the body shape of a routing/2.0/forward message.
type ForwardBody struct {
	Next string `json:"next"`
}

const TypeForward = "https://didcomm.org/routing/2.0/forward"

// Plaintext is a decrypted DIDComm message: header, body, and any
// attachment payload (used for forward unwrapping).
type Plaintext struct {
	Header     Header
	Body       json.RawMessage
	Attachment []byte // inner packed envelope, for forward messages
}

// Packed is an opaque, still-encrypted DIDComm envelope as received
// over the wire.
type Packed []byte

// Packer produces a Packed envelope from plaintext addressed to one or
// more recipients. Implementations live outside this module; the
// mediator only depends on this interface.
type Packer interface {
	Pack(recipients []string, sender string, plaintext []byte) (Packed, error)
}

// Unpacker decrypts/authenticates a Packed envelope into a Plaintext,
// reporting the verified sender if the envelope was authenticated.
type Unpacker interface {
	Unpack(packed Packed) (Plaintext, verifiedSender string, err error)
}

// ExpiresAt returns the header's expiry as a time, or the zero time if
// unset.
func (h Header) ExpiresAt() time.Time {
	if h.ExpiresTime == nil {
		return time.Time{}
	}
	return time.Unix(*h.ExpiresTime, 0).UTC()
}

// ProblemReport is the DIDComm error message the mediator returns to
// clients instead of a bare HTTP body, per spec §7. Args is always an
// array, possibly empty.
type ProblemReport struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Code string   `json:"code"`
	Args []string `json:"args"`
	Comment string `json:"comment,omitempty"`
}

const TypeProblemReport = "https://didcomm.org/report-problem/2.0/problem-report"

func NewProblemReport(id, code, comment string, args ...string) ProblemReport {
	if args == nil {
		args = []string{}
	}
	return ProblemReport{ID: id, Type: TypeProblemReport, Code: code, Args: args, Comment: comment}
}

// Well-known problem-report codes, spec §7/§4.7.
const (
	PCodeACLDenied        = "e.p.acl.denied"
	PCodeNotSupported     = "e.p.msg.not-supported"
	PCodeMalformed        = "e.p.msg.malformed"
	PCodeQueueLimit       = "e.p.queue.limit-exceeded"
	PCodeAuthExpired      = "e.p.auth.challenge-expired"
	PCodeAuthInvalid      = "e.p.auth.signature-invalid"
	PCodeTokenExpired     = "e.p.auth.token-expired"
	PCodeNotFound         = "e.p.not-found"
	PCodeForbidden        = "e.p.forbidden"
	PCodeDIDResolution    = "e.p.did.resolution-failed"
	PCodeStoreUnavailable = "e.p.store.unavailable"
	PCodeInternal         = "e.p.internal"
)

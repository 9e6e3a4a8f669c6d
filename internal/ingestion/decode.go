package ingestion

import (
	"encoding/json"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
)

func decodeBody(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

// unmarshalInner decodes a forward envelope's attachment into the
// Plaintext of the wrapped message. The attachment is itself a packed
// envelope; unwrapping it cryptographically is the Unpacker's job
// (outside this package), so callers that need more than the header
// shape for local short-circuiting must have already run it through
// an Unpacker and supplied the result here. This helper exists so
// unit tests can exercise the loop with a plain JSON attachment.
func unmarshalInner(attachment []byte) (didcomm.Plaintext, bool) {
	var inner didcomm.Plaintext
	var wire struct {
		Header     didcomm.Header  `json:"header"`
		Body       json.RawMessage `json:"body"`
		Attachment []byte          `json:"attachment"`
	}
	if err := json.Unmarshal(attachment, &wire); err != nil {
		return didcomm.Plaintext{}, false
	}
	inner.Header = wire.Header
	inner.Body = wire.Body
	inner.Attachment = wire.Attachment
	return inner, true
}

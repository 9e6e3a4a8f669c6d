package didwire

import (
	"crypto/ed25519"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

// Ed25519Verifier checks a signature against a document's matching
// authentication key. A document may carry non-ed25519 keys; those
// are skipped rather than treated as a match failure for the whole
// document.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(doc diddoc.Document, signerKeyID string, message, signature []byte) bool {
	for _, vm := range doc.Authentication {
		if signerKeyID != "" && vm.ID != signerKeyID {
			continue
		}
		if len(vm.PublicKey) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(vm.PublicKey), message, signature) {
			return true
		}
	}
	return false
}

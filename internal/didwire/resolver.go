// Package didwire provides the default, swappable wiring for the
// pack/unpack and DID-resolution collaborators spec §1 treats as
// external: a JSON wire codec and an ed25519-backed static resolver.
// An embedder with a real DIDComm crypto library replaces this package
// wholesale; nothing else in the module imports it directly except
// cmd/mediator and cmd/mediator-worker.
package didwire

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

type staticVerificationMethod struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	PublicKeyHex string `json:"public_key_hex"`
}

type staticServiceEndpoint struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"service_endpoint"`
}

type staticDocument struct {
	DID            string                     `json:"did"`
	Authentication []staticVerificationMethod `json:"authentication"`
	Services       []staticServiceEndpoint    `json:"services"`
}

// StaticResolver resolves DIDs against a fixed, file-loaded table. It
// is meant for single-operator or test deployments; a multi-tenant
// deployment supplies its own diddoc.Resolver.
type StaticResolver struct {
	docs map[string]diddoc.Document
}

// NewEmptyStaticResolver returns a resolver that never resolves
// anything, used when no DID document table is configured.
func NewEmptyStaticResolver() *StaticResolver {
	return &StaticResolver{docs: map[string]diddoc.Document{}}
}

// LoadStaticResolver reads a JSON array of DID documents from path.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("didwire: read %s: %w", path, err)
	}
	var raw []staticDocument
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("didwire: parse %s: %w", path, err)
	}
	docs := make(map[string]diddoc.Document, len(raw))
	for _, rd := range raw {
		doc := diddoc.Document{DID: rd.DID}
		for _, vm := range rd.Authentication {
			key, err := hex.DecodeString(vm.PublicKeyHex)
			if err != nil {
				return nil, fmt.Errorf("didwire: %s: bad public_key_hex for %s: %w", rd.DID, vm.ID, err)
			}
			doc.Authentication = append(doc.Authentication, diddoc.VerificationMethod{ID: vm.ID, Type: vm.Type, PublicKey: key})
		}
		for _, se := range rd.Services {
			doc.Services = append(doc.Services, diddoc.ServiceEndpoint{ID: se.ID, Type: se.Type, ServiceEndpoint: se.ServiceEndpoint})
		}
		docs[rd.DID] = doc
	}
	return &StaticResolver{docs: docs}, nil
}

func (r *StaticResolver) Resolve(ctx context.Context, did string) (diddoc.Document, error) {
	doc, ok := r.docs[did]
	if !ok {
		return diddoc.Document{}, diddoc.ErrNotFound
	}
	return doc, nil
}

// Package diddoc provides DID Document resolution as an external
// collaborator interface plus a caching decorator. Resolution itself
// (the cryptographic and network work of turning a DID into keys and
// service endpoints) is out of scope per spec §1 and is assumed to be
// supplied by the embedder.
package diddoc

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// VerificationMethod is a single key entry from a DID Document's
// authentication section.
type VerificationMethod struct {
	ID         string
	Type       string
	PublicKey  []byte
}

// ServiceEndpoint is a DIDComm service entry (the mediator's own, or a
// remote mediator's, used by the forwarder).
type ServiceEndpoint struct {
	ID              string
	Type            string
	ServiceEndpoint string
}

// Document is the subset of a resolved DID Document the mediator
// consults: authentication keys and DIDComm service endpoints.
type Document struct {
	DID            string
	Authentication []VerificationMethod
	Services       []ServiceEndpoint
}

// ErrNotFound is returned when a DID cannot be resolved.
var ErrNotFound = fmt.Errorf("diddoc: DID not found")

// Resolver resolves a DID to its Document. Implementations are
// external to this module (a universal resolver client, a local
// did:key/did:web implementation, or a test double).
type Resolver interface {
	Resolve(ctx context.Context, did string) (Document, error)
}

// Verifier checks a signature was produced by one of a Document's
// authentication keys. Also external (spec §1: pack/unpack primitives
// are out of scope).
type Verifier interface {
	Verify(doc Document, signerKeyID string, message, signature []byte) bool
}

// CachingResolver wraps a Resolver with a bounded TTL cache so a burst
// of messages to the same DID does not re-resolve on every envelope.
type CachingResolver struct {
	inner Resolver
	cache *gocache.Cache
}

func NewCachingResolver(inner Resolver, ttl, cleanupInterval time.Duration) *CachingResolver {
	return &CachingResolver{inner: inner, cache: gocache.New(ttl, cleanupInterval)}
}

func (c *CachingResolver) Resolve(ctx context.Context, did string) (Document, error) {
	if v, ok := c.cache.Get(did); ok {
		return v.(Document), nil
	}
	doc, err := c.inner.Resolve(ctx, did)
	if err != nil {
		return Document{}, err
	}
	c.cache.SetDefault(did, doc)
	return doc, nil
}

// Invalidate drops a cached entry, used when a resolution is found to
// be stale (e.g. the forwarder gets a terminal rejection).
func (c *CachingResolver) Invalidate(did string) {
	c.cache.Delete(did)
}

// Package dispatch maps DIDComm `type` URIs to handlers, spec §4.7.
// Unknown types produce a not-supported ProblemReport; administrative
// types additionally require the caller's did_hash to carry the ADMIN
// capability or equal the configured root-admin.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/didcomm-mediator/mediator/internal/store"
)

// Identity is the authenticated caller a Handler acts on behalf of.
type Identity struct {
	DIDHash string
	Admin   bool
}

// Handler processes one dispatch-table message and returns a body to
// wrap in the reply envelope.
type Handler func(ctx context.Context, id Identity, body json.RawMessage) (any, error)

// Table is the type-URI -> Handler map built once at startup.
type Table struct {
	store     store.Store
	rootAdmin string
	handlers  map[string]Handler
}

// NewTable wires every administrative handler, spec §4.8. rootAdminHash
// identifies the DID that is always treated as admin even without the
// ADMIN capability bit set, per spec §4.7.
func NewTable(s store.Store, rootAdminHash string) *Table {
	t := &Table{store: s, rootAdmin: rootAdminHash, handlers: map[string]Handler{}}
	t.handlers[TypeAccountCreate] = t.requireAdmin(t.accountCreate)
	t.handlers[TypeAccountGetStatus] = t.accountGetStatus
	t.handlers[TypeAccessListAdd] = t.accessListMutate(true)
	t.handlers[TypeAccessListRemove] = t.accessListMutate(false)
	t.handlers[TypeAccessListSetLimits] = t.accessListSetLimits
	t.handlers[TypeTrustPing] = t.trustPing
	return t
}

// Dispatch looks up the handler for msg.Type and runs it, or returns a
// not-supported ProblemReport if there is none.
func (t *Table) Dispatch(ctx context.Context, id Identity, msg didcomm.Plaintext) (any, error) {
	h, ok := t.handlers[msg.Header.Type]
	if !ok {
		return nil, errs.New(errs.CodeInvalidRequest, "unsupported dispatch type: "+msg.Header.Type).WithDetail("problem_code", didcomm.PCodeNotSupported)
	}
	return h(ctx, id, msg.Body)
}

// Handles reports whether msg.Type is one this table serves, so the
// inbound HTTP surface can route administrative messages here instead
// of the plain ingestion pipeline.
func (t *Table) Handles(msgType string) bool {
	_, ok := t.handlers[msgType]
	return ok
}

func (t *Table) isAdmin(id Identity) bool {
	return id.Admin || (t.rootAdmin != "" && id.DIDHash == t.rootAdmin)
}

func (t *Table) requireAdmin(h Handler) Handler {
	return func(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
		if !t.isAdmin(id) {
			return nil, errs.New(errs.CodeAuthForbidden, "admin capability required").WithDetail("problem_code", didcomm.PCodeForbidden)
		}
		return h(ctx, id, body)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/didcomm-mediator/mediator/internal/store"
)

type accessListMutateRequest struct {
	DIDHash    string `json:"did_hash,omitempty"`
	ListedHash string `json:"listed_hash"`
	Allow      bool   `json:"allow"`
}

type accessListMutateResponse struct {
	DIDHash    string `json:"did_hash"`
	ListedHash string `json:"listed_hash"`
}

// accessListMutate returns a Handler for access-list/add (add=true) or
// access-list/remove (add=false), spec §4.8. Self-mutation requires
// CapSelfManageList; any other did_hash requires admin.
func (t *Table) accessListMutate(add bool) Handler {
	return func(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
		var req accessListMutateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidRequest, "malformed access-list body", err)
		}
		if req.ListedHash == "" {
			return nil, errs.New(errs.CodeInvalidRequest, "listed_hash is required")
		}
		target := req.DIDHash
		if target == "" {
			target = id.DIDHash
		}

		if err := t.authorizeListMutation(ctx, id, target); err != nil {
			return nil, err
		}

		var mutErr error
		if add {
			mutErr = t.store.AddToList(ctx, target, req.ListedHash, req.Allow)
		} else {
			mutErr = t.store.RemoveFromList(ctx, target, req.ListedHash, req.Allow)
		}
		if mutErr != nil {
			if errors.Is(mutErr, store.ErrNotFound) {
				return nil, errs.New(errs.CodeAccountNotFound, "account does not exist")
			}
			if errors.Is(mutErr, store.ErrInvalidArgs) {
				return nil, errs.New(errs.CodeListEntryTooLarge, "allow/deny list at capacity")
			}
			return nil, errs.Wrap(errs.CodeInternal, "access list mutation failed", mutErr)
		}
		return accessListMutateResponse{DIDHash: target, ListedHash: req.ListedHash}, nil
	}
}

// authorizeListMutation enforces spec §4.8: admins may mutate any
// did_hash's lists, ordinary callers only their own and only when
// CapSelfManageList is set.
func (t *Table) authorizeListMutation(ctx context.Context, id Identity, target string) error {
	if t.isAdmin(id) {
		return nil
	}
	if target != id.DIDHash {
		return errs.New(errs.CodeAuthForbidden, "cannot mutate another account's access list").WithDetail("problem_code", didcomm.PCodeForbidden)
	}
	rec, err := t.store.GetAccount(ctx, id.DIDHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.CodeAccountNotFound, "account does not exist")
		}
		return errs.Wrap(errs.CodeInternal, "get account failed", err)
	}
	if !rec.Capabilities.Has(store.CapSelfManageList) {
		return errs.New(errs.CodeAuthForbidden, "self-management of access list not granted").WithDetail("problem_code", didcomm.PCodeACLDenied)
	}
	return nil
}

type accessListSetLimitsRequest struct {
	DIDHash          string `json:"did_hash,omitempty"`
	ReceiveSoftLimit *int   `json:"receive_soft_limit,omitempty"`
	ReceiveHardLimit *int   `json:"receive_hard_limit,omitempty"`
	SendSoftLimit    *int   `json:"send_soft_limit,omitempty"`
	SendHardLimit    *int   `json:"send_hard_limit,omitempty"`
}

// accessListSetLimits implements access-list/set-limits, spec §4.8.
// Self-mutation of receive limits requires CapSelfManageReceiveLimit,
// of send limits CapSelfManageSendLimit; admins bypass both checks.
func (t *Table) accessListSetLimits(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
	var req accessListSetLimitsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidRequest, "malformed access-list/set-limits body", err)
	}
	target := req.DIDHash
	if target == "" {
		target = id.DIDHash
	}

	admin := t.isAdmin(id)
	if target != id.DIDHash && !admin {
		return nil, errs.New(errs.CodeAuthForbidden, "cannot mutate another account's limits").WithDetail("problem_code", didcomm.PCodeForbidden)
	}

	rec, err := t.store.GetAccount(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.CodeAccountNotFound, "account does not exist")
		}
		return nil, errs.Wrap(errs.CodeInternal, "get account failed", err)
	}

	if !admin {
		if (req.ReceiveSoftLimit != nil || req.ReceiveHardLimit != nil) && !rec.Capabilities.Has(store.CapSelfManageReceiveLimit) {
			return nil, errs.New(errs.CodeAuthForbidden, "self-management of receive limit not granted").WithDetail("problem_code", didcomm.PCodeACLDenied)
		}
		if (req.SendSoftLimit != nil || req.SendHardLimit != nil) && !rec.Capabilities.Has(store.CapSelfManageSendLimit) {
			return nil, errs.New(errs.CodeAuthForbidden, "self-management of send limit not granted").WithDetail("problem_code", didcomm.PCodeACLDenied)
		}
	}

	recvSoft, recvHard := rec.ReceiveSoftLimit, rec.ReceiveHardLimit
	sendSoft, sendHard := rec.SendSoftLimit, rec.SendHardLimit
	if req.ReceiveSoftLimit != nil {
		recvSoft = *req.ReceiveSoftLimit
	}
	if req.ReceiveHardLimit != nil {
		recvHard = *req.ReceiveHardLimit
	}
	if req.SendSoftLimit != nil {
		sendSoft = *req.SendSoftLimit
	}
	if req.SendHardLimit != nil {
		sendHard = *req.SendHardLimit
	}

	if err := t.store.SetLimits(ctx, target, recvSoft, recvHard, sendSoft, sendHard); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "set limits failed", err)
	}
	return accountStatusResponse{
		DIDHash: target, Role: string(rec.Role),
		ReceiveSoftLimit: recvSoft, ReceiveHardLimit: recvHard,
		SendSoftLimit: sendSoft, SendHardLimit: sendHard,
	}, nil
}

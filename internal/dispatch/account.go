package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/didcomm-mediator/mediator/internal/store"
)

// Dispatch-table type URIs, spec §4.7/§4.8.
const (
	TypeAccountCreate       = "https://didcomm.org/mediator-admin/1.0/account-management/create"
	TypeAccountGetStatus    = "https://didcomm.org/mediator-admin/1.0/account-management/get-status"
	TypeAccessListAdd       = "https://didcomm.org/mediator-admin/1.0/access-list/add"
	TypeAccessListRemove    = "https://didcomm.org/mediator-admin/1.0/access-list/remove"
	TypeAccessListSetLimits = "https://didcomm.org/mediator-admin/1.0/access-list/set-limits"
)

// defaultLimits applied to an account-management/create call that
// omits explicit limits.
const (
	defaultSoftLimit = 1000
	defaultHardLimit = 2000
)

type accountCreateRequest struct {
	DIDHash          string `json:"did_hash"`
	Admin            bool   `json:"admin,omitempty"`
	ReceiveSoftLimit int    `json:"receive_soft_limit,omitempty"`
	ReceiveHardLimit int    `json:"receive_hard_limit,omitempty"`
	SendSoftLimit    int    `json:"send_soft_limit,omitempty"`
	SendHardLimit    int    `json:"send_hard_limit,omitempty"`
}

type accountCreateResponse struct {
	DIDHash string `json:"did_hash"`
	Role    string `json:"role"`
}

// accountCreate implements account-management/create, spec §4.8.
// Callers reach this only through requireAdmin.
func (t *Table) accountCreate(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
	var req accountCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidRequest, "malformed account-management/create body", err)
	}
	if req.DIDHash == "" {
		return nil, errs.New(errs.CodeInvalidRequest, "did_hash is required")
	}

	caps := store.CapAllowInbound | store.CapAllowOutbound | store.CapSelfManageList
	role := store.RoleOrdinary
	if req.Admin {
		caps |= store.CapAdmin
		role = store.RoleAdmin
	}

	recvSoft, recvHard := orDefault(req.ReceiveSoftLimit), orDefault(req.ReceiveHardLimit)
	sendSoft, sendHard := orDefault(req.SendSoftLimit), orDefault(req.SendHardLimit)
	if recvHard == 0 {
		recvHard = defaultHardLimit
	}
	if sendHard == 0 {
		sendHard = defaultHardLimit
	}
	if recvSoft == 0 {
		recvSoft = defaultSoftLimit
	}
	if sendSoft == 0 {
		sendSoft = defaultSoftLimit
	}

	if err := t.store.CreateAccount(ctx, req.DIDHash, role, caps, recvSoft, recvHard, sendSoft, sendHard); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, errs.New(errs.CodeAccountExists, "account already exists")
		}
		return nil, errs.Wrap(errs.CodeInternal, "create account failed", err)
	}
	return accountCreateResponse{DIDHash: req.DIDHash, Role: string(role)}, nil
}

type accountStatusRequest struct {
	DIDHash string `json:"did_hash,omitempty"`
}

type accountStatusResponse struct {
	DIDHash           string `json:"did_hash"`
	Role              string `json:"role"`
	ReceiveSoftLimit  int    `json:"receive_soft_limit"`
	ReceiveHardLimit  int    `json:"receive_hard_limit"`
	SendSoftLimit     int    `json:"send_soft_limit"`
	SendHardLimit     int    `json:"send_hard_limit"`
	ReceiveQueueCount int    `json:"receive_queue_count"`
	ReceiveQueueBytes int64  `json:"receive_queue_bytes"`
	SendQueueCount    int    `json:"send_queue_count"`
	SendQueueBytes    int64  `json:"send_queue_bytes"`
}

// accountGetStatus implements account-management/get-status, spec
// §4.8. Ordinary callers may only ask about themselves; an empty or
// self-matching did_hash in the body is always allowed, any other
// did_hash requires admin.
func (t *Table) accountGetStatus(ctx context.Context, id Identity, body json.RawMessage) (any, error) {
	target := id.DIDHash
	if len(body) > 0 {
		var req accountStatusRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidRequest, "malformed account-management/get-status body", err)
		}
		if req.DIDHash != "" {
			target = req.DIDHash
		}
	}
	if target != id.DIDHash && !t.isAdmin(id) {
		return nil, errs.New(errs.CodeAuthForbidden, "cannot query another account's status").WithDetail("problem_code", didcomm.PCodeForbidden)
	}

	rec, err := t.store.GetAccount(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.CodeAccountNotFound, "account does not exist")
		}
		return nil, errs.Wrap(errs.CodeInternal, "get account failed", err)
	}
	return accountStatusResponse{
		DIDHash: rec.DIDHash, Role: string(rec.Role),
		ReceiveSoftLimit: rec.ReceiveSoftLimit, ReceiveHardLimit: rec.ReceiveHardLimit,
		SendSoftLimit: rec.SendSoftLimit, SendHardLimit: rec.SendHardLimit,
		ReceiveQueueCount: rec.ReceiveQueueCount, ReceiveQueueBytes: rec.ReceiveQueueBytes,
		SendQueueCount: rec.SendQueueCount, SendQueueBytes: rec.SendQueueBytes,
	}, nil
}

func orDefault(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

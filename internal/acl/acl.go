// Package acl implements the mediator's access-control evaluation,
// spec §4.3: a capability bitmap plus allow/deny peer lists, consulted
// on both ingress and egress.
package acl

import (
	"context"

	"github.com/didcomm-mediator/mediator/internal/store"
)

// Decision is the outcome of an ACL evaluation: either permitted, or
// denied with the reason the first failing rule produced.
type Decision struct {
	Allowed bool
	Reason  string // "ACL_DENIED" sub-reason, for logging/ProblemReport args
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// DefaultPolicy is the mediator-wide ACL applied to a DID that has no
// account record, spec §4.3's "a default ACL, configured per-mediator,
// applies when a DID has no record" — sourced from
// config.Security.DefaultACL and the config.Limits defaults.
type DefaultPolicy struct {
	Capabilities     store.Capability
	ReceiveSoftLimit int
	ReceiveHardLimit int
	SendSoftLimit    int
	SendHardLimit    int
}

// Evaluator consults account records to authorize ingestion and
// delivery. It never mutates state; CreateAccount/SetCapabilities/etc.
// are called directly against store.Store by the admin handlers.
type Evaluator struct {
	store         store.Store
	defaultPolicy DefaultPolicy
}

func NewEvaluator(s store.Store) *Evaluator {
	return &Evaluator{store: s}
}

// WithDefaultPolicy attaches the mediator's configured default ACL,
// applied whenever a DID has no account record.
func (e *Evaluator) WithDefaultPolicy(p DefaultPolicy) *Evaluator {
	e.defaultPolicy = p
	return e
}

// accountOrDefault looks up didHash's account record, synthesizing a
// virtual one from the default policy (spec §4.3) when none exists.
func (e *Evaluator) accountOrDefault(ctx context.Context, didHash string) (store.AccountRecord, error) {
	acct, err := e.store.GetAccount(ctx, didHash)
	if err == nil {
		return acct, nil
	}
	if err != store.ErrNotFound {
		return store.AccountRecord{}, err
	}
	return store.AccountRecord{
		DIDHash:          didHash,
		Role:             store.RoleOrdinary,
		Capabilities:     e.defaultPolicy.Capabilities,
		ReceiveSoftLimit: e.defaultPolicy.ReceiveSoftLimit,
		ReceiveHardLimit: e.defaultPolicy.ReceiveHardLimit,
		SendSoftLimit:    e.defaultPolicy.SendSoftLimit,
		SendHardLimit:    e.defaultPolicy.SendHardLimit,
	}, nil
}

// EvaluateIngress applies spec §4.3's four-step evaluation order for a
// single recipient of an inbound envelope. senderHash is empty for
// anonymous/unauthenticated senders.
func (e *Evaluator) EvaluateIngress(ctx context.Context, senderHash, recipientHash string) (Decision, error) {
	recipient, err := e.accountOrDefault(ctx, recipientHash)
	if err != nil {
		return Decision{}, err
	}

	// (1) sender authenticated and ALLOW_OUTBOUND, or anonymous and
	// recipient allows anonymous senders.
	if senderHash != "" {
		sender, err := e.accountOrDefault(ctx, senderHash)
		if err != nil {
			return Decision{}, err
		}
		if !sender.Capabilities.Has(store.CapAllowOutbound) {
			return deny("SENDER_NOT_ALLOWED_OUTBOUND"), nil
		}
	} else if !recipient.Capabilities.Has(store.CapAllowAnonMsg) {
		return deny("ANON_NOT_ALLOWED"), nil
	}

	// (2) recipient has ALLOW_INBOUND.
	if !recipient.Capabilities.Has(store.CapAllowInbound) {
		return deny("RECIPIENT_NOT_ALLOW_INBOUND"), nil
	}

	// (3) allow-list takes precedence over deny-list if both set.
	if senderHash != "" {
		if len(recipient.AllowList) > 0 {
			if !contains(recipient.AllowList, senderHash) {
				return deny("NOT_ON_ALLOW_LIST"), nil
			}
		} else if contains(recipient.DenyList, senderHash) {
			return deny("ON_DENY_LIST"), nil
		}
	}

	// (4) queue limits not exceeded unless admin.
	if !recipient.Capabilities.Has(store.CapAdmin) && recipient.ReceiveQueueCount >= recipient.ReceiveHardLimit {
		return deny("QUEUE_LIMIT_EXCEEDED"), nil
	}

	return allow(), nil
}

// IsAdmin reports whether didHash carries ADMIN capability or equals
// rootAdminHash, per spec §4.7.
func (e *Evaluator) IsAdmin(ctx context.Context, didHash, rootAdminHash string) (bool, error) {
	if didHash == rootAdminHash {
		return true, nil
	}
	acct, err := e.store.GetAccount(ctx, didHash)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return acct.Capabilities.Has(store.CapAdmin), nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ParseCapabilities maps the string names used in configuration
// (security.default_acl) and admin requests onto the bitmap.
func ParseCapabilities(names []string) store.Capability {
	var caps store.Capability
	for _, n := range names {
		switch n {
		case "ALLOW_INBOUND":
			caps |= store.CapAllowInbound
		case "ALLOW_OUTBOUND":
			caps |= store.CapAllowOutbound
		case "ALLOW_ANON_MSG":
			caps |= store.CapAllowAnonMsg
		case "SELF_MANAGE_LIST":
			caps |= store.CapSelfManageList
		case "SELF_MANAGE_SEND_QUEUE_LIMIT":
			caps |= store.CapSelfManageSendLimit
		case "SELF_MANAGE_RECEIVE_QUEUE_LIMIT":
			caps |= store.CapSelfManageReceiveLimit
		case "ADMIN":
			caps |= store.CapAdmin
		}
	}
	return caps
}

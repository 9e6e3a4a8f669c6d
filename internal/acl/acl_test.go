package acl

import (
	"context"
	"testing"

	"github.com/didcomm-mediator/mediator/internal/store"
)

func newTestEvaluator(t *testing.T) (*Evaluator, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewEvaluator(s), s
}

func TestEvaluateIngressDeniesWithoutAllowInbound(t *testing.T) {
	e, s := newTestEvaluator(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, "bob", store.RoleOrdinary, 0, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, "alice", store.RoleOrdinary, store.CapAllowOutbound, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	d, err := e.EvaluateIngress(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected denial: recipient lacks ALLOW_INBOUND")
	}
}

func TestEvaluateIngressAllowListPrecedesDenyList(t *testing.T) {
	e, s := newTestEvaluator(t)
	ctx := context.Background()
	caps := store.CapAllowInbound
	if err := s.CreateAccount(ctx, "bob", store.RoleOrdinary, caps, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, "alice", store.RoleOrdinary, store.CapAllowOutbound, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.AddToList(ctx, "bob", "alice", true); err != nil {
		t.Fatal(err)
	}
	if err := s.AddToList(ctx, "bob", "alice", false); err != nil {
		t.Fatal(err)
	}
	d, err := e.EvaluateIngress(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow: allow-list must take precedence over deny-list, got reason %q", d.Reason)
	}
}

func TestEvaluateIngressQueueLimitExceeded(t *testing.T) {
	e, s := newTestEvaluator(t)
	ctx := context.Background()
	caps := store.CapAllowInbound
	if err := s.CreateAccount(ctx, "bob", store.RoleOrdinary, caps, 10, 1, 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, "alice", store.RoleOrdinary, store.CapAllowOutbound, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, store.StoreMessageParams{MsgHash: "m1", Message: []byte("x"), ToHash: "bob", FromHash: "alice", ExpiryEpoch: 1}); err != nil {
		t.Fatal(err)
	}
	d, err := e.EvaluateIngress(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected denial once hard_receive reached")
	}
}

func TestEvaluateIngressAppliesDefaultPolicyWhenNoAccount(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()
	e.WithDefaultPolicy(DefaultPolicy{
		Capabilities:     store.CapAllowInbound | store.CapAllowOutbound,
		ReceiveHardLimit: 10,
		SendHardLimit:    10,
	})
	d, err := e.EvaluateIngress(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected default ACL to allow neither DID having an account, got reason %q", d.Reason)
	}
}

func TestEvaluateIngressDefaultPolicyDeniesWithoutAllowInbound(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()
	e.WithDefaultPolicy(DefaultPolicy{Capabilities: store.CapAllowOutbound})
	d, err := e.EvaluateIngress(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected denial: default policy lacks ALLOW_INBOUND")
	}
}

func TestParseCapabilitiesRoundTrips(t *testing.T) {
	caps := ParseCapabilities([]string{"ALLOW_INBOUND", "ADMIN"})
	if !caps.Has(store.CapAllowInbound) || !caps.Has(store.CapAdmin) {
		t.Fatalf("expected both capabilities set, got %b", caps)
	}
	if caps.Has(store.CapAllowOutbound) {
		t.Fatal("unexpected capability set")
	}
}

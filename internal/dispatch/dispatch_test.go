package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/didcomm-mediator/mediator/internal/store"
)

func newTestTable(t *testing.T) (*Table, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewTable(s, "roothash"), s
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAccountCreateRequiresAdmin(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()
	ordinary := Identity{DIDHash: "alicehash"}

	_, err := tbl.Dispatch(ctx, ordinary, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccountCreate},
		Body:   mustMarshal(t, accountCreateRequest{DIDHash: "bobhash"}),
	})
	if err == nil {
		t.Fatal("expected forbidden error for non-admin caller")
	}
	if errs.As(err).Code != errs.CodeAuthForbidden {
		t.Fatalf("expected CodeAuthForbidden, got %v", errs.As(err).Code)
	}
}

func TestAccountCreateByRootAdminSucceeds(t *testing.T) {
	tbl, s := newTestTable(t)
	ctx := context.Background()
	root := Identity{DIDHash: "roothash"}

	out, err := tbl.Dispatch(ctx, root, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccountCreate},
		Body:   mustMarshal(t, accountCreateRequest{DIDHash: "bobhash"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := out.(accountCreateResponse)
	if !ok || resp.DIDHash != "bobhash" {
		t.Fatalf("unexpected response %#v", out)
	}

	if _, err := s.GetAccount(ctx, "bobhash"); err != nil {
		t.Fatalf("expected account to be persisted: %v", err)
	}

	_, err = tbl.Dispatch(ctx, root, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccountCreate},
		Body:   mustMarshal(t, accountCreateRequest{DIDHash: "bobhash"}),
	})
	if errs.As(err).Code != errs.CodeAccountExists {
		t.Fatalf("expected CodeAccountExists on duplicate create, got %v", err)
	}
}

func TestAccountGetStatusSelfAllowedOthersForbidden(t *testing.T) {
	tbl, s := newTestTable(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, "alicehash", store.RoleOrdinary, store.CapAllowInbound, 5, 10, 5, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, "bobhash", store.RoleOrdinary, store.CapAllowInbound, 5, 10, 5, 10); err != nil {
		t.Fatal(err)
	}
	alice := Identity{DIDHash: "alicehash"}

	out, err := tbl.Dispatch(ctx, alice, didcomm.Plaintext{Header: didcomm.Header{Type: TypeAccountGetStatus}})
	if err != nil {
		t.Fatal(err)
	}
	if out.(accountStatusResponse).DIDHash != "alicehash" {
		t.Fatalf("expected self status, got %#v", out)
	}

	_, err = tbl.Dispatch(ctx, alice, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccountGetStatus},
		Body:   mustMarshal(t, accountStatusRequest{DIDHash: "bobhash"}),
	})
	if errs.As(err).Code != errs.CodeAuthForbidden {
		t.Fatalf("expected forbidden querying another account, got %v", err)
	}

	root := Identity{DIDHash: "roothash"}
	out, err = tbl.Dispatch(ctx, root, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccountGetStatus},
		Body:   mustMarshal(t, accountStatusRequest{DIDHash: "bobhash"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.(accountStatusResponse).DIDHash != "bobhash" {
		t.Fatalf("expected admin to read bob's status, got %#v", out)
	}
}

func TestAccessListAddRequiresSelfManageCapability(t *testing.T) {
	tbl, s := newTestTable(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, "alicehash", store.RoleOrdinary, store.CapAllowInbound, 5, 10, 5, 10); err != nil {
		t.Fatal(err)
	}
	alice := Identity{DIDHash: "alicehash"}

	_, err := tbl.Dispatch(ctx, alice, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccessListAdd},
		Body:   mustMarshal(t, accessListMutateRequest{ListedHash: "carolhash", Allow: true}),
	})
	if errs.As(err).Code != errs.CodeAuthForbidden {
		t.Fatalf("expected forbidden without CapSelfManageList, got %v", err)
	}

	if err := s.SetCapabilities(ctx, "alicehash", store.CapAllowInbound|store.CapSelfManageList); err != nil {
		t.Fatal(err)
	}
	out, err := tbl.Dispatch(ctx, alice, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccessListAdd},
		Body:   mustMarshal(t, accessListMutateRequest{ListedHash: "carolhash", Allow: true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.(accessListMutateResponse).ListedHash != "carolhash" {
		t.Fatalf("unexpected response %#v", out)
	}

	rec, err := s.GetAccount(ctx, "alicehash")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, h := range rec.AllowList {
		if h == "carolhash" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected carolhash in alice's allow list, got %v", rec.AllowList)
	}
}

func TestAccessListSetLimitsGatedBySeparateCapabilities(t *testing.T) {
	tbl, s := newTestTable(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, "alicehash", store.RoleOrdinary, store.CapAllowInbound|store.CapSelfManageSendLimit, 5, 10, 5, 10); err != nil {
		t.Fatal(err)
	}
	alice := Identity{DIDHash: "alicehash"}
	newSend := 20

	out, err := tbl.Dispatch(ctx, alice, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccessListSetLimits},
		Body:   mustMarshal(t, accessListSetLimitsRequest{SendHardLimit: &newSend}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.(accountStatusResponse).SendHardLimit != 20 {
		t.Fatalf("expected send hard limit updated, got %#v", out)
	}

	newRecv := 99
	_, err = tbl.Dispatch(ctx, alice, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeAccessListSetLimits},
		Body:   mustMarshal(t, accessListSetLimitsRequest{ReceiveHardLimit: &newRecv}),
	})
	if errs.As(err).Code != errs.CodeAuthForbidden {
		t.Fatalf("expected forbidden mutating receive limit without its own capability, got %v", err)
	}
}

func TestTrustPingRepliesWithoutAuthentication(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()
	anon := Identity{}

	if !tbl.Handles(TypeTrustPing) {
		t.Fatal("expected trust-ping to be a registered dispatch type")
	}

	out, err := tbl.Dispatch(ctx, anon, didcomm.Plaintext{
		Header: didcomm.Header{Type: TypeTrustPing},
		Body:   mustMarshal(t, trustPingRequest{ResponseRequested: true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := out.(trustPingResponse)
	if !ok || resp.Type != TypeTrustPingResponse || resp.ID == "" {
		t.Fatalf("unexpected response %#v", out)
	}
}

func TestUnknownDispatchTypeIsUnsupported(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()
	_, err := tbl.Dispatch(ctx, Identity{DIDHash: "alicehash"}, didcomm.Plaintext{
		Header: didcomm.Header{Type: "https://didcomm.org/unknown/1.0/nope"},
	})
	if err == nil {
		t.Fatal("expected error for unknown dispatch type")
	}
	if errs.As(err).Code != errs.CodeInvalidRequest {
		t.Fatalf("expected CodeInvalidRequest, got %v", errs.As(err).Code)
	}
}

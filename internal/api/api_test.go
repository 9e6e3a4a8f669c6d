package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/didcomm-mediator/mediator/internal/acl"
	"github.com/didcomm-mediator/mediator/internal/auth"
	"github.com/didcomm-mediator/mediator/internal/delivery"
	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/diddoc"
	"github.com/didcomm-mediator/mediator/internal/dispatch"
	"github.com/didcomm-mediator/mediator/internal/ingestion"
	"github.com/didcomm-mediator/mediator/internal/store"
)

type fakeUnpacker struct {
	msg            didcomm.Plaintext
	verifiedSender string
	err            error
}

func (f fakeUnpacker) Unpack(packed didcomm.Packed) (didcomm.Plaintext, string, error) {
	return f.msg, f.verifiedSender, f.err
}

func newTestDeps(t *testing.T, unpacker didcomm.Unpacker) (Deps, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	evaluator := acl.NewEvaluator(s)
	hub := delivery.NewHub(s, nil, nil)
	protocol := delivery.NewProtocol(s, hub)
	tokens := auth.NewTokenProvider([]byte("secret"), "mediator", time.Minute, time.Hour)
	deliverySrv := delivery.NewServer(hub, protocol, tokens, nil, nil)
	handshake := auth.NewHandshake(auth.NewMemoryChallengeStore(), auth.NewMemoryRefreshStore(), fakeResolver{}, fakeVerifier{ok: true}, tokens, time.Minute)
	pipeline := ingestion.NewPipeline(s, evaluator, hub, nil, nil, "did:example:mediator", nil, 1<<20)
	table := dispatch.NewTable(s, "roothash")

	return Deps{
		Handshake: handshake, Tokens: tokens, Pipeline: pipeline, DispatchTbl: table,
		ACL: evaluator, Unpacker: unpacker, Delivery: deliverySrv, RootAdminHash: "roothash",
		OOB: &OOBProvider{MediatorDID: "did:example:mediator", ServiceEndpoint: "https://mediator.example/mediator/v1/inbound", TTL: time.Hour},
	}, s
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, did string) (diddoc.Document, error) {
	return diddoc.Document{}, nil
}

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) Verify(doc diddoc.Document, keyID string, msg, sig []byte) bool { return f.ok }

func TestHealthEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t, fakeUnpacker{})
	router := NewRouter(deps)
	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestInboundRoutesToIngestionPipeline(t *testing.T) {
	unpacker := fakeUnpacker{msg: didcomm.Plaintext{
		Header: didcomm.Header{ID: "msg-1", Type: "https://didcomm.org/basicmessage/2.0/message", To: []string{"did:example:bob"}},
		Body:   json.RawMessage(`{}`),
	}}
	deps, s := newTestDeps(t, unpacker)
	if err := s.CreateAccount(context.Background(), didhash.DID("did:example:bob"), store.RoleOrdinary, store.CapAllowInbound|store.CapAllowAnonMsg, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(deps)

	req := httptest.NewRequest("POST", "/mediator/v1/inbound", bytes.NewReader([]byte("packed-bytes")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOOBEndpointReturnsInvitation(t *testing.T) {
	deps, _ := newTestDeps(t, fakeUnpacker{})
	router := NewRouter(deps)
	req := httptest.NewRequest("GET", "/mediator/v1/oob", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var inv oobInvitation
	if err := json.Unmarshal(rr.Body.Bytes(), &inv); err != nil {
		t.Fatal(err)
	}
	if inv.From != "did:example:mediator" {
		t.Fatalf("unexpected invitation %#v", inv)
	}
}

package processors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/forwardqueue"
	"github.com/didcomm-mediator/mediator/internal/store"
)

type fakeResolver struct {
	doc diddoc.Document
	err error
}

func (f fakeResolver) Resolve(ctx context.Context, did string) (diddoc.Document, error) {
	if f.err != nil {
		return diddoc.Document{}, f.err
	}
	return f.doc, nil
}

func TestExpirySweeperDeletesPastExpiryOnly(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	bobHash := didhash.DID("did:example:bob")
	if err := s.CreateAccount(ctx, bobHash, store.RoleOrdinary, store.CapAllowInbound, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Minute).Unix()
	future := time.Now().Add(time.Hour).Unix()
	if _, err := s.StoreMessage(ctx, store.StoreMessageParams{MsgHash: "expired", Message: []byte("x"), ExpiryEpoch: past, ToHash: bobHash, ArrivalMS: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, store.StoreMessageParams{MsgHash: "fresh", Message: []byte("y"), ExpiryEpoch: future, ToHash: bobHash, ArrivalMS: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}

	sweeper := NewExpirySweeper(s, time.Hour, nil, nil)
	sweeper.sweepOnce(ctx)

	reply, err := s.GetStatusReply(ctx, bobHash)
	if err != nil {
		t.Fatal(err)
	}
	if reply.MessageCount != 1 {
		t.Fatalf("expected only the fresh message to remain, got count=%d", reply.MessageCount)
	}
}

func TestForwarderDeliversAndCleansUpLocalCopy(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer remote.Close()

	s := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := s.StoreMessage(ctx, store.StoreMessageParams{MsgHash: "fwd1", Message: []byte("packed"), ExpiryEpoch: time.Now().Add(time.Hour).Unix(), ToHash: "remotehash", ArrivalMS: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}

	q := forwardqueue.NewMemoryQueue()
	if err := q.Enqueue(ctx, forwardqueue.Envelope{MsgHash: "fwd1", ToDID: "did:example:remote-bob", Packed: []byte("packed")}); err != nil {
		t.Fatal(err)
	}

	resolver := fakeResolver{doc: diddoc.Document{DID: "did:example:remote-bob", Services: []diddoc.ServiceEndpoint{{ServiceEndpoint: remote.URL}}}}
	fw := NewForwarder(q, resolver, s, nil, nil)

	res, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	fw.process(ctx, res)

	if _, err := q.Dequeue(ctx, 0); err != forwardqueue.ErrEmpty {
		t.Fatalf("expected queue drained after successful delivery, got %v", err)
	}
	reply, err := s.GetStatusReply(ctx, "remotehash")
	if err != nil {
		t.Fatal(err)
	}
	if reply.MessageCount != 0 {
		t.Fatalf("expected local copy deleted after successful delivery, got count=%d", reply.MessageCount)
	}
}

func TestForwarderPermanentFailureNotifiesSender(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	aliceHash := didhash.DID("did:example:alice")
	if err := s.CreateAccount(ctx, aliceHash, store.RoleOrdinary, store.CapAllowInbound, 10, 10, 10, 10); err != nil {
		t.Fatal(err)
	}

	q := forwardqueue.NewMemoryQueue()
	if err := q.Enqueue(ctx, forwardqueue.Envelope{MsgHash: "fwd2", ToDID: "did:example:ghost", FromHash: aliceHash, Packed: []byte("packed")}); err != nil {
		t.Fatal(err)
	}

	resolver := fakeResolver{err: diddoc.ErrNotFound}
	fw := NewForwarder(q, resolver, s, nil, nil)

	res, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	fw.process(ctx, res)

	letters, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected permanent failure to reach the dead letter stream, got %d", len(letters))
	}

	reply, err := s.GetStatusReply(ctx, aliceHash)
	if err != nil {
		t.Fatal(err)
	}
	if reply.MessageCount != 1 {
		t.Fatalf("expected a problem report queued for the sender, got count=%d", reply.MessageCount)
	}
}

func TestForwarderRetriesOnTransportError(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	q := forwardqueue.NewMemoryQueue()
	if err := q.Enqueue(ctx, forwardqueue.Envelope{MsgHash: "fwd3", ToDID: "did:example:bob", Packed: []byte("packed")}); err != nil {
		t.Fatal(err)
	}

	resolver := fakeResolver{doc: diddoc.Document{DID: "did:example:bob", Services: []diddoc.ServiceEndpoint{{ServiceEndpoint: "http://127.0.0.1:1"}}}}
	fw := NewForwarder(q, resolver, s, nil, nil)

	res, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	fw.process(ctx, res)

	if _, err := q.DeadLetters(ctx, 10); err != nil {
		t.Fatal(err)
	}
	// The entry should be back in the ready set after its backoff
	// elapses, not in the dead letter stream (attempt count is still
	// low).
	letters, _ := q.DeadLetters(ctx, 10)
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters on a retryable failure, got %d", len(letters))
	}
}

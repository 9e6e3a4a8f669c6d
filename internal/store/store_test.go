package store

import (
	"context"
	"testing"
)

func TestStoreMessageIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := StoreMessageParams{MsgHash: "h1", Message: []byte("hello"), ExpiryEpoch: 100, ToHash: "bob", FromHash: "alice", ArrivalMS: 1}

	r1, err := s.StoreMessage(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Existed {
		t.Fatal("first store_message call should not report existed")
	}

	for i := 0; i < 5; i++ {
		r, err := s.StoreMessage(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if !r.Existed {
			t.Fatal("repeat store_message call must short-circuit")
		}
	}

	acct, err := s.GetAccount(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if acct.ReceiveQueueCount != 1 {
		t.Fatalf("expected exactly one committed message, got count=%d", acct.ReceiveQueueCount)
	}

	gc, _ := s.GlobalCounters(ctx)
	if gc.ReceivedCount != 1 {
		t.Fatalf("expected RECEIVED_COUNT=1, got %d", gc.ReceivedCount)
	}
}

func TestDeleteMessageRemovesAllTraces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := StoreMessageParams{MsgHash: "h2", Message: []byte("x"), ExpiryEpoch: 50, ToHash: "bob", FromHash: "alice", ArrivalMS: 1}
	if _, err := s.StoreMessage(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMessage(ctx, "h2", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage(ctx, "h2", "bob"); err != ErrNotFound {
		t.Fatalf("expected NOT_FOUND on second delete, got %v", err)
	}

	msgs, err := s.FetchMessages(ctx, "bob", "-", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty receive queue after delete, got %d", len(msgs))
	}

	acct, _ := s.GetAccount(ctx, "bob")
	if acct.ReceiveQueueCount != 0 || acct.ReceiveQueueBytes != 0 {
		t.Fatalf("expected zeroed counters after delete, got %+v", acct)
	}
}

func TestDeleteMessageForbidsUnrelatedRequester(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := StoreMessageParams{MsgHash: "h3", Message: []byte("x"), ExpiryEpoch: 50, ToHash: "bob", FromHash: "alice", ArrivalMS: 1}
	if _, err := s.StoreMessage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage(ctx, "h3", "mallory"); err != ErrForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestFetchMessagesPaginationMatchesSingleCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		p := StoreMessageParams{MsgHash: string(rune('a' + i)), Message: []byte("m"), ExpiryEpoch: 999, ToHash: "bob", ArrivalMS: int64(i)}
		if _, err := s.StoreMessage(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	whole, err := s.FetchMessages(ctx, "bob", "-", 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(whole) != 9 {
		t.Fatalf("expected 9 messages, got %d", len(whole))
	}

	var paged []Message
	cursor := "-"
	for len(paged) < 9 {
		page, err := s.FetchMessages(ctx, "bob", cursor, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		cursor = page[len(page)-1].StreamID
	}

	if len(paged) != len(whole) {
		t.Fatalf("paginated fetch length mismatch: %d vs %d", len(paged), len(whole))
	}
	for i := range whole {
		if whole[i].StreamID != paged[i].StreamID {
			t.Fatalf("order mismatch at %d: %s vs %s", i, whole[i].StreamID, paged[i].StreamID)
		}
	}
}

func TestDeleteMessageSendIDAbsentDoesNotDecrementSender(t *testing.T) {
	// Anonymous send: FromHash empty, SendID must be empty, and
	// deleting must never touch sender counters (spec §9 open question).
	s := NewMemoryStore()
	ctx := context.Background()
	p := StoreMessageParams{MsgHash: "h4", Message: []byte("x"), ExpiryEpoch: 50, ToHash: "bob", ArrivalMS: 1}
	if _, err := s.StoreMessage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage(ctx, "h4", "bob"); err != nil {
		t.Fatal(err)
	}
	// No sender account should have been created as a side effect.
	if _, err := s.GetAccount(ctx, ""); err != ErrNotFound {
		t.Fatalf("anonymous sender must not create an account record")
	}
}

func TestExpiringBeforeAndSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := StoreMessageParams{MsgHash: "h5", Message: []byte("x"), ExpiryEpoch: 10, ToHash: "bob", ArrivalMS: 1}
	if _, err := s.StoreMessage(ctx, p); err != nil {
		t.Fatal(err)
	}

	buckets, err := s.ExpiringBefore(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 0 {
		t.Fatalf("no bucket should be due yet, got %v", buckets)
	}

	buckets, err = s.ExpiringBefore(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	hashes := buckets[10]
	if len(hashes) != 1 || hashes[0] != "h5" {
		t.Fatalf("expected [h5] in bucket 10, got %v", buckets)
	}

	for _, h := range hashes {
		if err := s.DeleteMessage(ctx, h, AdminSentinel); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteExpiryBucket(ctx, 10); err != nil {
		t.Fatal(err)
	}

	gc, _ := s.GlobalCounters(ctx)
	if gc.DeletedCount != 1 {
		t.Fatalf("expected DELETED_COUNT=1 after sweep, got %d", gc.DeletedCount)
	}
}

func TestAccountProtectedFromDeletion(t *testing.T) {
	s := NewMemoryStore()
	ctx := WithProtectedDIDs(context.Background(), "root", "mself")
	if err := s.CreateAccount(ctx, "root", RoleRootAdmin, CapAdmin, 1, 2, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccount(ctx, "root"); err != ErrForbidden {
		t.Fatalf("expected FORBIDDEN deleting root-admin, got %v", err)
	}
}

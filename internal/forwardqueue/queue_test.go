package forwardqueue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueEnqueueDequeueAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	env := Envelope{MsgHash: "h1", ToDID: "did:example:bob", Packed: []byte("packed")}
	if err := q.Enqueue(ctx, env); err != nil {
		t.Fatal(err)
	}
	res, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Envelope.MsgHash != "h1" {
		t.Fatalf("unexpected envelope: %+v", res.Envelope)
	}
	if err := q.Ack(ctx, res.Receipt); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty after ack, got %v", err)
	}
}

func TestMemoryQueueNackRequeuesWithDelay(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Envelope{MsgHash: "h1", ToDID: "did:example:bob", Packed: []byte("packed")}); err != nil {
		t.Fatal(err)
	}
	res, _ := q.Dequeue(ctx, 0)
	if err := q.Nack(ctx, res.Receipt, time.Hour, "remote unreachable"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx, 0); err != ErrEmpty {
		t.Fatal("expected the requeued entry to stay invisible until its delay elapses")
	}
}

func TestMemoryQueueNackExhaustsToDeadLetter(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Enqueue(ctx, Envelope{MsgHash: "h1", ToDID: "did:example:bob", Packed: []byte("packed"), Attempt: MaxAttempts - 1}); err != nil {
		t.Fatal(err)
	}
	res, _ := q.Dequeue(ctx, 0)
	if err := q.Nack(ctx, res.Receipt, time.Millisecond, "terminal"); err != nil {
		t.Fatal(err)
	}
	letters, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].MsgHash != "h1" {
		t.Fatalf("expected exhausted envelope in dead letters, got %+v", letters)
	}
}

func TestBackoffCapsAndJitters(t *testing.T) {
	d := Backoff(20, func() float64 { return 0.5 })
	if d > 5*time.Minute+time.Minute {
		t.Fatalf("expected backoff to respect the cap, got %s", d)
	}
	zero := Backoff(0, func() float64 { return 0.5 })
	if zero < time.Second || zero > 2*time.Second {
		t.Fatalf("unexpected first-attempt backoff: %s", zero)
	}
}

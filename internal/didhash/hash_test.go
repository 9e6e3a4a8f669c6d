package didhash

import "testing"

func TestDIDDeterministic(t *testing.T) {
	a := DID("did:example:abc")
	b := DID("  did:example:abc  ")
	if a != b {
		t.Fatalf("DID hash not whitespace-invariant: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestMessageDeterministicAcrossMapOrder(t *testing.T) {
	m1 := map[string]any{"from": "did:a", "to": "did:b", "n": 1}
	m2 := map[string]any{"to": "did:b", "n": 1, "from": "did:a"}
	if Message(m1) != Message(m2) {
		t.Fatalf("msg_hash must be independent of map key order")
	}
}

func TestMessageDiffersOnContent(t *testing.T) {
	if Message("a") == Message("b") {
		t.Fatalf("different content hashed to same digest")
	}
}

package didwire

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"testing"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

func TestJSONUnpackerAnonymousWhenUnsigned(t *testing.T) {
	u := NewJSONUnpacker(NewEmptyStaticResolver(), Ed25519Verifier{})
	packed, _ := json.Marshal(map[string]any{
		"id": "msg-1", "type": "https://didcomm.org/basicmessage/2.0/message",
		"to": []string{"did:example:bob"}, "body": map[string]any{},
	})
	msg, sender, err := u.Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if sender != "" {
		t.Fatalf("expected anonymous sender, got %q", sender)
	}
	if msg.Header.ID != "msg-1" {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
}

func TestJSONUnpackerVerifiesSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{doc: diddoc.Document{
		DID: "did:example:alice",
		Authentication: []diddoc.VerificationMethod{
			{ID: "did:example:alice#key-1", Type: "Ed25519VerificationKey2020", PublicKey: pub},
		},
	}}
	body := json.RawMessage(`{"hello":"world"}`)
	sig := ed25519.Sign(priv, body)

	u := NewJSONUnpacker(resolver, Ed25519Verifier{})
	packed, _ := json.Marshal(map[string]any{
		"id": "msg-2", "type": "https://didcomm.org/basicmessage/2.0/message",
		"to": []string{"did:example:bob"}, "from": "did:example:alice",
		"signer_key_id": "did:example:alice#key-1", "signature": sig, "body": body,
	})
	msg, sender, err := u.Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if sender != "did:example:alice" {
		t.Fatalf("expected verified sender, got %q", sender)
	}
	if string(msg.Body) != string(body) {
		t.Fatalf("unexpected body: %s", msg.Body)
	}
}

func TestJSONUnpackerDegradesOnBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := &fakeResolver{doc: diddoc.Document{
		DID: "did:example:alice",
		Authentication: []diddoc.VerificationMethod{
			{ID: "did:example:alice#key-1", PublicKey: pub},
		},
	}}
	u := NewJSONUnpacker(resolver, Ed25519Verifier{})
	packed, _ := json.Marshal(map[string]any{
		"id": "msg-3", "type": "t", "to": []string{"did:example:bob"},
		"from": "did:example:alice", "signer_key_id": "did:example:alice#key-1",
		"signature": []byte("not-a-real-signature-not-a-real-signature-0000"), "body": json.RawMessage(`{}`),
	})
	_, sender, err := u.Unpack(packed)
	if err != nil {
		t.Fatal(err)
	}
	if sender != "" {
		t.Fatalf("expected degraded-to-anonymous sender, got %q", sender)
	}
}

func TestJSONUnpackerRejectsMalformedJSON(t *testing.T) {
	u := NewJSONUnpacker(NewEmptyStaticResolver(), Ed25519Verifier{})
	if _, _, err := u.Unpack([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestStaticResolverLoadsFromFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := dir + "/dids.json"
	doc := []staticDocument{{
		DID: "did:example:alice",
		Authentication: []staticVerificationMethod{
			{ID: "did:example:alice#key-1", Type: "Ed25519VerificationKey2020", PublicKeyHex: hex.EncodeToString(pub)},
		},
	}}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	resolver, err := LoadStaticResolver(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := resolver.Resolve(context.Background(), "did:example:alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Authentication) != 1 || got.Authentication[0].ID != "did:example:alice#key-1" {
		t.Fatalf("unexpected document: %+v", got)
	}
}

type fakeResolver struct{ doc diddoc.Document }

func (f *fakeResolver) Resolve(ctx context.Context, did string) (diddoc.Document, error) {
	return f.doc, nil
}

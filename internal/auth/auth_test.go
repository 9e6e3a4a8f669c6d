package auth

import (
	"context"
	"testing"
	"time"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

type fakeResolver struct{ doc diddoc.Document }

func (f fakeResolver) Resolve(ctx context.Context, did string) (diddoc.Document, error) {
	return f.doc, nil
}

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) Verify(doc diddoc.Document, keyID string, msg, sig []byte) bool { return f.ok }

func TestTokenProviderIssueAndVerify(t *testing.T) {
	p := NewTokenProvider([]byte("secret"), "mediator", time.Minute, time.Hour)
	tok, err := p.Issue("didhash1", "sess1", false)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := p.Verify(tok.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "didhash1" || claims.SessionID != "sess1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenProviderRejectsExpired(t *testing.T) {
	p := NewTokenProvider([]byte("secret"), "mediator", -time.Second, time.Hour)
	tok, err := p.Issue("didhash1", "sess1", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Verify(tok.AccessToken); err == nil {
		t.Fatal("expected verification failure for expired token")
	}
}

func TestChallengeReplayRejected(t *testing.T) {
	cs := NewMemoryChallengeStore()
	ctx := context.Background()
	nonce, err := cs.Issue(ctx, "bob", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := cs.Consume(ctx, "bob", nonce)
	if err != nil || !ok {
		t.Fatalf("expected first consume to succeed: ok=%v err=%v", ok, err)
	}
	ok, err = cs.Consume(ctx, "bob", nonce)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected replayed challenge to be rejected")
	}
}

func TestHandshakeVerifyResponseSuccess(t *testing.T) {
	cs := NewMemoryChallengeStore()
	ctx := context.Background()
	tp := NewTokenProvider([]byte("secret"), "mediator", time.Minute, time.Hour)
	h := NewHandshake(cs, NewMemoryRefreshStore(), fakeResolver{}, fakeVerifier{ok: true}, tp, time.Minute)

	nonce, err := h.IssueChallenge(ctx, "bobhash")
	if err != nil {
		t.Fatal(err)
	}
	sess, tokens, err := h.VerifyResponse(ctx, "did:example:bob", "bobhash", nonce, "key-1", []byte(nonce), []byte("sig"), "sess1", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != SessionAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", sess.State)
	}
	if tokens.AccessToken == "" {
		t.Fatal("expected non-empty access token")
	}
}

func TestHandshakeVerifyResponseBadSignature(t *testing.T) {
	cs := NewMemoryChallengeStore()
	ctx := context.Background()
	tp := NewTokenProvider([]byte("secret"), "mediator", time.Minute, time.Hour)
	h := NewHandshake(cs, NewMemoryRefreshStore(), fakeResolver{}, fakeVerifier{ok: false}, tp, time.Minute)
	nonce, _ := h.IssueChallenge(ctx, "bobhash")
	_, _, err := h.VerifyResponse(ctx, "did:example:bob", "bobhash", nonce, "key-1", []byte(nonce), []byte("sig"), "sess1", false)
	if err != ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestHandshakeRefreshRotatesToken(t *testing.T) {
	cs := NewMemoryChallengeStore()
	ctx := context.Background()
	tp := NewTokenProvider([]byte("secret"), "mediator", time.Minute, time.Hour)
	h := NewHandshake(cs, NewMemoryRefreshStore(), fakeResolver{}, fakeVerifier{ok: true}, tp, time.Minute)

	nonce, err := h.IssueChallenge(ctx, "bobhash")
	if err != nil {
		t.Fatal(err)
	}
	_, tokens, err := h.VerifyResponse(ctx, "did:example:bob", "bobhash", nonce, "key-1", []byte(nonce), []byte("sig"), "sess1", false)
	if err != nil {
		t.Fatal(err)
	}

	next, err := h.Refresh(ctx, "bobhash", "sess1", false, tokens.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if next.AccessToken == "" || next.RefreshToken == tokens.RefreshToken {
		t.Fatal("expected a freshly issued, rotated token pair")
	}

	if _, err := h.Refresh(ctx, "bobhash", "sess1", false, tokens.RefreshToken); err != ErrRefreshInvalid {
		t.Fatalf("expected the old refresh token to be rejected after rotation, got %v", err)
	}
}

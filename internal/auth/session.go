package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
)

// SessionState mirrors spec §3's session state machine.
type SessionState string

const (
	SessionChallenged   SessionState = "CHALLENGED"
	SessionAuthenticated SessionState = "AUTHENTICATED"
	SessionExpired      SessionState = "EXPIRED"
)

// Session is the authenticated-client record the delivery engine and
// dispatch table consult.
type Session struct {
	DIDHash       string
	State         SessionState
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Admin         bool
	StreamSessionID string // uuid bound to a live-delivery subscription, if any
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Handshake orchestrates the three-step DID-challenge protocol,
// spec §4.2.
type Handshake struct {
	challenges ChallengeStore
	refreshes  RefreshStore
	resolver   diddoc.Resolver
	verifier   diddoc.Verifier
	tokens     *TokenProvider
	nonceTTL   time.Duration
}

func NewHandshake(challenges ChallengeStore, refreshes RefreshStore, resolver diddoc.Resolver, verifier diddoc.Verifier, tokens *TokenProvider, nonceTTL time.Duration) *Handshake {
	if nonceTTL <= 0 {
		nonceTTL = 60 * time.Second
	}
	return &Handshake{challenges: challenges, refreshes: refreshes, resolver: resolver, verifier: verifier, tokens: tokens, nonceTTL: nonceTTL}
}

// IssueChallenge implements POST /authentication/challenge.
func (h *Handshake) IssueChallenge(ctx context.Context, didHash string) (nonce string, err error) {
	return h.challenges.Issue(ctx, didHash, h.nonceTTL)
}

// ErrChallengeExpired and friends classify handshake failures for the
// caller to map onto errs.Code / ProblemReport codes.
var (
	ErrChallengeExpired = fmt.Errorf("auth: challenge expired or already consumed")
	ErrSignatureInvalid = fmt.Errorf("auth: signature invalid")
	ErrDIDUnresolvable  = fmt.Errorf("auth: DID could not be resolved")
)

// VerifyResponse implements POST /authentication/response: it checks
// the presented nonce was issued for did and unexpired, verifies the
// signature against the DID document's authentication keys, and on
// success mints tokens and an AUTHENTICATED session.
func (h *Handshake) VerifyResponse(ctx context.Context, did, didHash, presentedNonce, signerKeyID string, signedMessage, signature []byte, sessionID string, admin bool) (Session, IssuedTokens, error) {
	ok, err := h.challenges.Consume(ctx, didHash, presentedNonce)
	if err != nil {
		return Session{}, IssuedTokens{}, err
	}
	if !ok {
		return Session{}, IssuedTokens{}, ErrChallengeExpired
	}

	doc, err := h.resolver.Resolve(ctx, did)
	if err != nil {
		return Session{}, IssuedTokens{}, fmt.Errorf("%w: %v", ErrDIDUnresolvable, err)
	}
	if !h.verifier.Verify(doc, signerKeyID, signedMessage, signature) {
		return Session{}, IssuedTokens{}, ErrSignatureInvalid
	}

	tokens, err := h.tokens.Issue(didHash, sessionID, admin)
	if err != nil {
		return Session{}, IssuedTokens{}, err
	}
	if err := h.refreshes.Put(ctx, sessionID, tokens.RefreshTokenHash, h.tokens.refreshTTL); err != nil {
		return Session{}, IssuedTokens{}, err
	}
	sess := Session{
		DIDHash: didHash, State: SessionAuthenticated,
		IssuedAt: time.Now().UTC(), ExpiresAt: tokens.AccessExpiresAt, Admin: admin,
	}
	return sess, tokens, nil
}

// ErrRefreshInvalid classifies a rejected or already-consumed refresh
// token.
var ErrRefreshInvalid = fmt.Errorf("auth: refresh token invalid or already used")

// Refresh implements POST /authentication/refresh: the presented
// refresh token is validated and consumed (rotation — a refresh token
// is single-use), and a fresh access/refresh pair is issued for the
// same session.
func (h *Handshake) Refresh(ctx context.Context, didHash, sessionID string, admin bool, presentedRefreshToken string) (IssuedTokens, error) {
	ok, err := h.refreshes.Take(ctx, sessionID, HashOpaqueToken(presentedRefreshToken))
	if err != nil {
		return IssuedTokens{}, err
	}
	if !ok {
		return IssuedTokens{}, ErrRefreshInvalid
	}
	tokens, err := h.tokens.Issue(didHash, sessionID, admin)
	if err != nil {
		return IssuedTokens{}, err
	}
	if err := h.refreshes.Put(ctx, sessionID, tokens.RefreshTokenHash, h.tokens.refreshTTL); err != nil {
		return IssuedTokens{}, err
	}
	return tokens, nil
}

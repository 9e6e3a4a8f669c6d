// Package auth implements the DID-challenge authentication flow and
// access/refresh token issuance, spec §4.2.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the mediator's access-token payload.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Admin     bool   `json:"adm"`
}

// TokenProvider mints and verifies HS256 access tokens and opaque
// refresh tokens.
type TokenProvider struct {
	signingKey   []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

func NewTokenProvider(signingKey []byte, issuer string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{signingKey: signingKey, issuer: issuer, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// IssuedTokens is the pair returned to a freshly authenticated client.
type IssuedTokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RefreshTokenHash string // what the caller should persist
}

func (p *TokenProvider) Issue(didHash, sessionID string, admin bool) (IssuedTokens, error) {
	now := time.Now().UTC()
	accessExp := now.Add(p.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   didHash,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
		Admin:     admin,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	access, err := tok.SignedString(p.signingKey)
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("auth: sign access token: %w", err)
	}

	refresh, err := randomToken()
	if err != nil {
		return IssuedTokens{}, err
	}
	refreshExp := now.Add(p.refreshTTL)

	return IssuedTokens{
		AccessToken: access, AccessExpiresAt: accessExp,
		RefreshToken: refresh, RefreshExpiresAt: refreshExp,
		RefreshTokenHash: HashOpaqueToken(refresh),
	}, nil
}

// Verify parses and validates an access token, returning its claims.
func (p *TokenProvider) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return p.signingKey, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("auth: token invalid")
	}
	return claims, nil
}

// HashOpaqueToken hashes a refresh token (or challenge nonce) before
// it is persisted, so the store never holds a usable secret at rest.
func HashOpaqueToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

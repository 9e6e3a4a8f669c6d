package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/didcomm-mediator/mediator/internal/auth"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/dispatch"
	"github.com/didcomm-mediator/mediator/internal/errs"
	"github.com/google/uuid"
)

type handlers struct {
	d Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type challengeRequest struct {
	DID string `json:"did"`
}

type challengeResponse struct {
	Nonce string `json:"nonce"`
}

func (h *handlers) challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil || req.did() == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeInvalidRequest, "did is required"))
		return
	}
	nonce, err := h.d.Handshake.IssueChallenge(r.Context(), didhash.DID(req.DID))
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "issue challenge failed", err))
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce})
}

func (req challengeRequest) did() string { return req.DID }

type authResponseRequest struct {
	DID           string `json:"did"`
	Nonce         string `json:"nonce"`
	SignerKeyID   string `json:"signer_key_id"`
	SignedMessage []byte `json:"signed_message"`
	Signature     []byte `json:"signature"`
}

type tokenPairResponse struct {
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresAt int64  `json:"refresh_expires_at"`
}

func (h *handlers) response(w http.ResponseWriter, r *http.Request) {
	var req authResponseRequest
	if err := decodeJSON(r, &req); err != nil || req.DID == "" || req.Nonce == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeInvalidRequest, "did, nonce, and signature are required"))
		return
	}
	didHash := didhash.DID(req.DID)
	admin, err := h.d.ACL.IsAdmin(r.Context(), didHash, h.d.RootAdminHash)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "admin lookup failed", err))
		return
	}
	sessionID := uuid.NewString()

	sess, tokens, err := h.d.Handshake.VerifyResponse(r.Context(), req.DID, didHash, req.Nonce, req.SignerKeyID, req.SignedMessage, req.Signature, sessionID, admin)
	if err != nil {
		writeHandshakeError(w, err)
		return
	}
	_ = sess
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken: tokens.AccessToken, AccessExpiresAt: tokens.AccessExpiresAt.Unix(),
		RefreshToken: tokens.RefreshToken, RefreshExpiresAt: tokens.RefreshExpiresAt.Unix(),
	})
}

func writeHandshakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrChallengeExpired):
		errs.WriteHTTP(w, errs.New(errs.CodeAuthChallengeExpired, "challenge expired or already consumed"))
	case errors.Is(err, auth.ErrSignatureInvalid):
		errs.WriteHTTP(w, errs.New(errs.CodeAuthChallengeInvalid, "signature invalid"))
	case errors.Is(err, auth.ErrDIDUnresolvable):
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "DID could not be resolved", err))
	default:
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "handshake failed", err))
	}
}

type refreshRequest struct {
	DID          string `json:"did"`
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.DID == "" || req.SessionID == "" || req.RefreshToken == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeInvalidRequest, "did, session_id, and refresh_token are required"))
		return
	}
	didHash := didhash.DID(req.DID)
	admin, err := h.d.ACL.IsAdmin(r.Context(), didHash, h.d.RootAdminHash)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "admin lookup failed", err))
		return
	}
	tokens, err := h.d.Handshake.Refresh(r.Context(), didHash, req.SessionID, admin, req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshInvalid) {
			errs.WriteHTTP(w, errs.New(errs.CodeAuthTokenInvalid, "refresh token invalid or already used"))
			return
		}
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "refresh failed", err))
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken: tokens.AccessToken, AccessExpiresAt: tokens.AccessExpiresAt.Unix(),
		RefreshToken: tokens.RefreshToken, RefreshExpiresAt: tokens.RefreshExpiresAt.Unix(),
	})
}

const maxInboundBytes = 10 << 20

// inbound implements POST /inbound, spec §6: accepts a packed DIDComm
// envelope with no prior HTTP authentication (the envelope's own
// encryption/signing is the authentication, spec §4.4's anonymous vs
// authenticated sender distinction). Administrative dispatch types are
// routed to the dispatch table instead of the ingestion pipeline.
func (h *handlers) inbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBytes+1))
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "read body failed", err))
		return
	}
	if len(body) > maxInboundBytes {
		errs.WriteHTTP(w, errs.New(errs.CodeEnvelopeTooLarge, "envelope exceeds the 10 MiB inbound body limit"))
		return
	}

	msg, verifiedSender, err := h.d.Unpacker.Unpack(body)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeMalformedEnvelope, "envelope failed to unpack", err))
		return
	}
	senderHash := ""
	if verifiedSender != "" {
		senderHash = didhash.DID(verifiedSender)
	}

	if h.d.DispatchTbl != nil && h.d.DispatchTbl.Handles(msg.Header.Type) {
		admin := false
		if senderHash != "" {
			admin, err = h.d.ACL.IsAdmin(r.Context(), senderHash, h.d.RootAdminHash)
			if err != nil {
				errs.WriteHTTP(w, errs.Wrap(errs.CodeInternal, "admin lookup failed", err))
				return
			}
		}
		out, err := h.d.DispatchTbl.Dispatch(r.Context(), dispatch.Identity{DIDHash: senderHash, Admin: admin}, msg)
		if err != nil {
			errs.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	resp, err := h.d.Pipeline.Ingest(r.Context(), senderHash, msg, body)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"net/http"

	"github.com/didcomm-mediator/mediator/internal/acl"
	"github.com/didcomm-mediator/mediator/internal/auth"
	"github.com/didcomm-mediator/mediator/internal/delivery"
	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/dispatch"
	"github.com/didcomm-mediator/mediator/internal/ingestion"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/gorilla/mux"
)

// Deps collects every collaborator the HTTP surface needs. Packing and
// unpacking DIDComm envelopes are out of scope (spec §1): Unpacker is
// supplied by the embedder, the same way diddoc.Resolver is.
type Deps struct {
	Handshake    *auth.Handshake
	Tokens       *auth.TokenProvider
	Pipeline     *ingestion.Pipeline
	DispatchTbl  *dispatch.Table
	ACL          *acl.Evaluator
	Unpacker     didcomm.Unpacker
	Delivery     *delivery.Server
	RootAdminHash string
	OOB          *OOBProvider
	Logger       *telemetry.Logger
	Meter        telemetry.Meter
}

// NewRouter builds the full `/mediator/v1` surface, spec §6, wrapped
// in the teacher's middleware chain (request id -> recover -> logging
// -> CORS).
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = telemetry.Nop
	}
	if d.Meter == nil {
		d.Meter = telemetry.NopMeter{}
	}
	h := &handlers{d: d}

	r := mux.NewRouter()
	sub := r.PathPrefix("/mediator/v1").Subrouter()
	sub.HandleFunc("/authentication/challenge", h.challenge).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/authentication/response", h.response).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/authentication/refresh", h.refresh).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/inbound", h.inbound).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/outbound/{did}", d.Delivery.ServeHTTP).Methods(http.MethodGet)
	sub.HandleFunc("/oob", h.oob).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	return withRequestID(withRecover(d.Logger)(withRequestLogging(d.Logger)(withCORS(r))))
}

// Package api wires the mediator's HTTP/S surface, spec §6: the
// authentication handshake, envelope submission, the WebSocket
// upgrade, out-of-band invitations, and liveness. Routing and
// middleware chaining follow the teacher's coordinator service.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/google/uuid"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestLogging times every request and logs method/path/status.
func withRequestLogging(logger *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info(r.Context(), "http request", map[string]any{
				"method": r.Method, "path": r.URL.Path,
				"status": rec.status, "duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

// withCORS mirrors the teacher's permissive-origin CORS middleware;
// the mediator has no browser-session cookies to protect.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID stamps every request with an id (reusing the caller's
// X-Request-ID if present) so logger output can be correlated across
// the ingestion/delivery/forwarder pipeline.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := telemetry.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecover converts a panicking handler into a 500 instead of
// taking the process down, matching the teacher's recoverer idiom
// from its gateway router.
func withRecover(logger *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error(r.Context(), "panic recovered", map[string]any{"panic": fmt.Sprint(rec)})
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

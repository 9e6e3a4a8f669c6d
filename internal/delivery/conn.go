package delivery

import (
	"context"
	"net/http"
	"time"

	"github.com/didcomm-mediator/mediator/internal/auth"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Server upgrades inbound HTTP connections to WebSocket sessions and
// runs the Message-Pickup protocol over them. One Server is shared by
// every connection; Hub tracks which did_hash currently owns a live
// subscription.
type Server struct {
	hub      *Hub
	protocol *Protocol
	tokens   *auth.TokenProvider
	logger   *telemetry.Logger
	meter    telemetry.Meter
}

func NewServer(hub *Hub, protocol *Protocol, tokens *auth.TokenProvider, logger *telemetry.Logger, meter telemetry.Meter) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	if meter == nil {
		meter = telemetry.NopMeter{}
	}
	return &Server{hub: hub, protocol: protocol, tokens: tokens, logger: logger, meter: meter}
}

// ServeHTTP implements the WebSocket upgrade endpoint. The access token
// is required as a query parameter or bearer header before the upgrade
// completes: the session starts life already AUTHENTICATED, spec §4.5
// has no separate post-upgrade handshake frame.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	claims, err := srv.tokens.Verify(tok)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Info(r.Context(), "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	sess := newSession("", claims.Subject, claims.Admin, claims.ExpiresAt.Time)
	srv.meter.IncCounter("mediator_ws_sessions_total", nil, 1)
	srv.run(conn, sess)
}

func bearerToken(r *http.Request) string {
	if v := r.URL.Query().Get("access_token"); v != "" {
		return v
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// run owns conn for its whole lifetime: a read pump and a write pump,
// coordinated by the session's two channels, spec §4.5/§5. The write
// pump is the sole writer since gorilla's Conn forbids concurrent
// writers.
func (srv *Server) run(conn *websocket.Conn, sess *Session) {
	defer srv.hub.drop(sess)
	defer conn.Close()

	done := make(chan struct{})
	go srv.writePump(conn, sess, done)
	srv.readPump(conn, sess, done)
}

func (srv *Server) readPump(conn *websocket.Conn, sess *Session, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if sess.expired(time.Now()) {
			return
		}
		// Binary and text frames are both accepted and treated as
		// equivalent payloads, spec §4.5.
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in frame
		if err := decodeFrame(raw, &in); err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		out, mustClose := srv.protocol.handle(ctx, sess, in)
		cancel()

		encoded, err := encodeFrame(out)
		if err == nil {
			// delivery-request replies carry envelopes already marked
			// delivered (sess.trackDelivered), so they go on the message
			// queue, which never evicts frames the way the status queue
			// does, spec §4.5/§9. A reply refused by a full queue is
			// logged; its envelopes stay in the store until acknowledged.
			if out.Type == TypeDelivery {
				if !sess.enqueueMessage(encoded) {
					srv.logger.Info(context.Background(), "delivery reply dropped: message queue full", map[string]any{"did_hash": sess.DIDHash})
				}
			} else {
				sess.enqueueStatus(encoded)
			}
		}
		if mustClose {
			return
		}
	}
}

func (srv *Server) writePump(conn *websocket.Conn, sess *Session, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-sess.msgCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case msg := <-sess.statusCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

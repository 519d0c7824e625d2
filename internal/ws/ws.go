// Package ws speaks the binary WebSocket sync protocol: one tag byte
// per frame, SyncPush and SyncPull inbound, SyncResponse frames
// outbound, broadcasts fanned out to the other sockets of the gateway.
//
// Each connection carries a per-socket attachment (the verified claims
// and client id) captured at upgrade, so frame handling never consults
// shared session state for identity.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/metrics"
	"github.com/hyperengineering/lakesync/internal/wire"
)

const (
	writeTimeout   = 10 * time.Second
	messageTimeout = 30 * time.Second

	// maxFrameBytes is the tag byte plus the body cap.
	maxFrameBytes = wire.MaxBodyBytes + 1

	// maxDeltasPerFrame mirrors the push limit; larger frames are a
	// policy violation, not a validation error.
	maxDeltasPerFrame = 10000
)

// Attachment is the durable per-socket state: everything a fresh
// worker needs to resume handling frames for this connection.
type Attachment struct {
	Claims   map[string]any `json:"claims"`
	ClientID string         `json:"clientId"`
}

// Server upgrades authenticated requests to sync sockets.
type Server struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
}

// NewServer builds the upgrade handler. An empty origin list admits
// every origin; otherwise the Origin header must match one entry.
func NewServer(allowedOrigins []string, m *metrics.Metrics) *Server {
	return &Server{
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// Serve upgrades the request and runs the session until the socket
// closes. The caller has already authenticated the request.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, session *gateway.Session, claims *auth.Claims) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	c := &Conn{
		id:      ulid.Make().String(),
		ws:      sock,
		session: session,
		metrics: s.metrics,
		attach: Attachment{
			Claims:   claims.Custom,
			ClientID: claims.ClientID,
		},
		log: slog.With(
			"component", "ws",
			"gateway_id", session.ID(),
			"client_id", claims.ClientID,
		),
	}

	session.AttachSocket(c)
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}
	c.log.Info("socket opened", "action", "ws_open", "socket_id", c.id)

	c.readLoop()
}

// Conn is one attached socket. It implements gateway.Socket so the
// session can fan broadcasts out to it.
type Conn struct {
	id      string
	ws      *websocket.Conn
	session *gateway.Session
	metrics *metrics.Metrics
	attach  Attachment
	log     *slog.Logger

	writeMu sync.Mutex
}

// ID returns the socket's unique id.
func (c *Conn) ID() string { return c.id }

// ClientID returns the authenticated client id from the attachment.
func (c *Conn) ClientID() string { return c.attach.ClientID }

// Claims returns the attachment's resolved claims.
func (c *Conn) Claims() map[string]any { return c.attach.Claims }

// Send writes one binary frame. Safe for concurrent use; replies and
// broadcasts share the socket.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Conn) readLoop() {
	defer func() {
		c.session.DetachSocket(c.id)
		if c.metrics != nil {
			c.metrics.WSConnections.Dec()
		}
		c.ws.Close()
		c.log.Info("socket closed", "action", "ws_close", "socket_id", c.id)
	}()

	c.ws.SetReadLimit(maxFrameBytes)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("socket read error", "action", "ws_error", "error", err)
			}
			return
		}

		if msgType == websocket.TextMessage {
			c.close(websocket.CloseUnsupportedData, "Binary frames only")
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) < 2 {
			c.close(websocket.CloseProtocolError, "Message too short")
			return
		}

		tag, body := data[0], data[1:]
		switch tag {
		case wire.TagSyncPush:
			if !c.handlePush(body) {
				return
			}
		case wire.TagSyncPull:
			if !c.handlePull(body) {
				return
			}
		default:
			c.close(websocket.CloseProtocolError, wire.UnknownTagMessage(tag))
			return
		}
	}
}

// handlePush processes one SyncPush frame. It reports false when the
// socket was closed and the loop must stop.
func (c *Conn) handlePush(body []byte) bool {
	if len(body) > wire.MaxBodyBytes {
		c.close(websocket.CloseMessageTooBig, "Message too large")
		return false
	}
	m, err := wire.DecodeSyncPush(body)
	if err != nil {
		c.close(websocket.CloseProtocolError, err.Error())
		return false
	}
	if m.ClientID != c.attach.ClientID {
		c.close(websocket.ClosePolicyViolation, "Client ID mismatch")
		return false
	}
	if len(m.Deltas) > maxDeltasPerFrame {
		c.close(websocket.ClosePolicyViolation, "Too many deltas")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	resp, err := c.session.HandlePush(ctx, gateway.PushRequest{
		ClientID:    m.ClientID,
		Deltas:      m.Deltas,
		LastSeenHLC: m.LastSeenHLC,
	})
	if err != nil {
		c.close(websocket.ClosePolicyViolation, err.Error())
		return false
	}

	ack := wire.EncodeBroadcastFrame(wire.SyncResponse{ServerHLC: resp.ServerHLC})
	if err := c.Send(ack); err != nil {
		return false
	}

	// Fan the stored deltas out to the gateway's other sockets off the
	// reply path; per-socket failures are swallowed there. The request
	// context ends with this frame, so the fan-out gets its own.
	go func() {
		bctx, bcancel := context.WithTimeout(context.Background(), writeTimeout)
		defer bcancel()
		c.session.Broadcast(bctx, c.id, resp.Deltas, resp.ServerHLC)
	}()
	return true
}

func (c *Conn) handlePull(body []byte) bool {
	m, err := wire.DecodeSyncPull(body)
	if err != nil {
		c.close(websocket.CloseProtocolError, err.Error())
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	resp, err := c.session.HandlePull(ctx, gateway.PullRequest{
		ClientID: m.ClientID,
		Since:    m.SinceHLC,
		Limit:    m.MaxDeltas,
	}, c.attach.Claims)
	if err != nil {
		c.close(websocket.CloseInternalServerErr, "pull failed")
		return false
	}

	frame := wire.EncodeBroadcastFrame(wire.SyncResponse{
		Deltas:    resp.Deltas,
		ServerHLC: resp.ServerHLC,
		HasMore:   resp.HasMore,
	})
	return c.Send(frame) == nil
}

// close sends a close frame with the given code and reason, then tears
// the socket down.
func (c *Conn) close(code int, reason string) {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	c.ws.Close()
}

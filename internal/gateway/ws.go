package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/termspan/termspan/internal/protocol"
	"github.com/termspan/termspan/internal/relay"
)

const readLimit = 256 * 1024

// wsConn serializes writes to one client socket. It is the relay.Conn handed
// to the hub.
type wsConn struct {
	conn     *websocket.Conn
	identity string
	mu       sync.Mutex
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// handleWS upgrades the socket and runs the message loop until disconnect.
// The one-time ticket is redeemed before the upgrade; an unauthenticated
// request never becomes a WebSocket.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.RedeemTicket(r.URL.Query().Get("ticket"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.origins,
	})
	if err != nil {
		g.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	wc := &wsConn{conn: conn, identity: identity}
	g.mu.Lock()
	g.conns[wc] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.hub.DetachAll(wc)
		g.mu.Lock()
		delete(g.conns, wc)
		g.mu.Unlock()
	}()

	g.log.Info("client connected", "identity", identity)

	// Sliding-window limiter per connection. Excess messages are dropped, not
	// disconnected: killing the socket would amplify a burst into a reconnect
	// storm.
	limiter := rate.NewLimiter(g.msgRate, g.msgBurst)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.log.Info("client disconnected", "identity", identity, "err", err)
			return
		}
		if !limiter.Allow() {
			continue
		}
		g.dispatch(ctx, wc, data)
	}
}

// CloseConns closes every live WebSocket with a going-away status, which
// clients treat as a clean close and retry near-instantly. Called at server
// shutdown; http.Server.Shutdown does not cover hijacked connections.
func (g *Gateway) CloseConns() {
	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for wc := range g.conns {
		conns = append(conns, wc)
	}
	g.mu.Unlock()
	for _, wc := range conns {
		wc.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// dispatch validates and routes one inbound message. Protocol errors drop the
// message and keep the connection; only session errors produce a reply.
func (g *Gateway) dispatch(ctx context.Context, wc *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.log.Debug("bad message", "err", err)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		wc.Send(ctx, protocol.Pong{Type: protocol.TypePong})

	case protocol.TypeAttach:
		var msg protocol.Attach
		if err := json.Unmarshal(data, &msg); err != nil || !protocol.ValidSessionID(msg.SessionID) {
			return
		}
		if err := g.hub.Attach(ctx, msg.SessionID, wc); err != nil {
			g.sendSessionError(ctx, wc, msg.SessionID, err)
		}

	case protocol.TypeDetach:
		var msg protocol.Detach
		if err := json.Unmarshal(data, &msg); err != nil || !protocol.ValidSessionID(msg.SessionID) {
			return
		}
		g.hub.Detach(msg.SessionID, wc)

	case protocol.TypeInput:
		var msg protocol.Input
		if err := json.Unmarshal(data, &msg); err != nil || !protocol.ValidSessionID(msg.SessionID) {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil || !protocol.ValidInput(payload) {
			return
		}
		if err := g.hub.Input(msg.SessionID, wc, payload); err != nil {
			g.sendSessionError(ctx, wc, msg.SessionID, err)
		}

	case protocol.TypeResize:
		var msg protocol.Resize
		if err := json.Unmarshal(data, &msg); err != nil || !protocol.ValidSessionID(msg.SessionID) {
			return
		}
		if !protocol.ValidResize(msg.Cols, msg.Rows) {
			return
		}
		if err := g.hub.Resize(msg.SessionID, wc, msg.Cols, msg.Rows); err != nil {
			g.sendSessionError(ctx, wc, msg.SessionID, err)
		}

	default:
		g.log.Debug("unknown message type", "type", env.Type)
	}
}

// sendSessionError reports a session error to the requesting client only.
func (g *Gateway) sendSessionError(ctx context.Context, wc *wsConn, sessionID string, err error) {
	msg := "internal error"
	if errors.Is(err, relay.ErrSessionNotFound) {
		msg = "session not found"
	} else {
		g.log.Warn("session op failed", "session", sessionID, "err", err)
	}
	wc.Send(ctx, protocol.ErrorMsg{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Message:   msg,
	})
}

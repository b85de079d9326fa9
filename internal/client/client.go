// Package client implements the console's reconnecting WebSocket client: an
// exponential-backoff reconnect loop, heartbeat/staleness detection, and
// per-session input/resize buffering while the link is down.
//
// Attachment is connection-scoped, not session-scoped: every new socket
// re-attaches every session the caller cares about, and buffered input for a
// session is flushed only once the server acknowledges that attach. Flushing
// on attach-send would race the server processing it and silently drop
// keystrokes.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termspan/termspan/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateStale
	StateClosed // terminal: reconnect attempts exhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrGaveUp is returned by Run when the maximum reconnect attempt count is
// exhausted.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

const (
	defaultHeartbeat   = 15 * time.Second
	defaultStaleAfter  = 45 * time.Second
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffMax  = 15 * time.Second
	defaultMaxAttempts = 10
	quickRetryDelay    = 50 * time.Millisecond

	maxPendingInput = 256 // events per session; oldest preserved
	writeTimeout    = 10 * time.Second
)

// TicketFunc obtains a fresh one-time upgrade ticket.
type TicketFunc func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	URL    string // e.g. "ws://127.0.0.1:7070/ws"
	Ticket TicketFunc

	OnOutput       func(sessionID string, data []byte, replay bool)
	OnAttached     func(sessionID string, cols, rows int)
	OnExit         func(sessionID string, exitCode int)
	OnSessionError func(sessionID, message string)
	OnStateChange  func(state State, err error)

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int

	Log *slog.Logger
}

type geom struct {
	cols, rows int
}

// Client is one logical console client across many physical connections.
type Client struct {
	opts    Options
	backoff *Backoff
	log     *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	want          map[string]bool     // sessions to attach on every connection
	sentAttach    map[string]bool     // attach sent on current connection
	acked         map[string]bool     // attach acknowledged on current connection
	pendingInput  map[string][][]byte // buffered until attach ack
	pendingResize map[string]geom     // last-write-wins per session
	lastRecv      time.Time
	closing       bool
}

func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:          opts,
		backoff:       NewBackoff(opts.BackoffBase, opts.BackoffMax),
		log:           log,
		want:          make(map[string]bool),
		sentAttach:    make(map[string]bool),
		acked:         make(map[string]bool),
		pendingInput:  make(map[string][][]byte),
		pendingResize: make(map[string]geom),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and serves until ctx is cancelled, Close is called, or the
// reconnect budget is exhausted. Transient blips reconnect near-instantly;
// repeated failures back off exponentially with jitter.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(StateConnecting, nil)
		connected, clean, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.setState(StateDisconnected, nil)
			return nil
		}

		if connected {
			failures = 0
		} else {
			failures++
			if failures >= c.opts.MaxAttempts {
				c.setState(StateClosed, err)
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
			}
		}

		var delay time.Duration
		if connected && clean {
			// A clean close right after a healthy connection is usually a
			// server restart; retry immediately so the blip is invisible.
			c.backoff.Reset()
			delay = quickRetryDelay
		} else {
			delay = jitter(c.backoff.Next())
		}
		c.setState(StateDisconnected, err)
		c.log.Debug("reconnecting", "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close performs a clean shutdown: the current socket is closed normally and
// Run returns without reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// Attach declares interest in a session. The attach is sent now if connected
// and re-sent automatically on every new connection. Duplicate calls on one
// connection are deduped.
func (c *Client) Attach(sessionID string) {
	c.mu.Lock()
	c.want[sessionID] = true
	send := c.state == StateOpen && !c.sentAttach[sessionID]
	if send {
		c.sentAttach[sessionID] = true
	}
	conn := c.conn
	c.mu.Unlock()

	if send {
		c.write(conn, protocol.Attach{Type: protocol.TypeAttach, SessionID: sessionID})
	}
}

// Detach drops interest in a session and clears its buffers.
func (c *Client) Detach(sessionID string) {
	c.mu.Lock()
	delete(c.want, sessionID)
	delete(c.sentAttach, sessionID)
	delete(c.acked, sessionID)
	delete(c.pendingInput, sessionID)
	delete(c.pendingResize, sessionID)
	send := c.state == StateOpen
	conn := c.conn
	c.mu.Unlock()

	if send {
		c.write(conn, protocol.Detach{Type: protocol.TypeDetach, SessionID: sessionID})
	}
}

// SendInput delivers keystrokes, or buffers them (bounded FIFO, oldest
// preserved) until the session's attach is acknowledged on the current
// connection.
func (c *Client) SendInput(sessionID string, data []byte) {
	c.mu.Lock()
	if c.state != StateOpen || !c.acked[sessionID] {
		q := c.pendingInput[sessionID]
		if len(q) < maxPendingInput {
			buf := make([]byte, len(data))
			copy(buf, data)
			c.pendingInput[sessionID] = append(q, buf)
		}
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	c.write(conn, protocol.Input{
		Type:      protocol.TypeInput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

// Resize records the requested dimensions (last write wins) and sends them if
// connected. Resize is idempotent state, not an event log: while disconnected
// only the most recent size per session is retained.
func (c *Client) Resize(sessionID string, cols, rows int) {
	c.mu.Lock()
	c.pendingResize[sessionID] = geom{cols: cols, rows: rows}
	send := c.state == StateOpen
	conn := c.conn
	c.mu.Unlock()

	if send {
		c.write(conn, protocol.Resize{
			Type:      protocol.TypeResize,
			SessionID: sessionID,
			Cols:      cols,
			Rows:      rows,
		})
	}
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s, err)
	}
}

// connectAndServe dials once and serves until the connection drops.
// Returns whether the dial succeeded and whether the close was clean.
func (c *Client) connectAndServe(ctx context.Context) (connected, clean bool, err error) {
	ticket, err := c.opts.Ticket(ctx)
	if err != nil {
		return false, false, fmt.Errorf("ticket: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL+"?ticket="+ticket, nil)
	if err != nil {
		return false, false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	// Attachment is connection-scoped: a new socket starts with nothing
	// attached, whatever the previous connection had.
	c.sentAttach = make(map[string]bool)
	c.acked = make(map[string]bool)
	c.lastRecv = time.Now()
	c.backoff.Reset()
	wanted := make([]string, 0, len(c.want))
	for sid := range c.want {
		wanted = append(wanted, sid)
		c.sentAttach[sid] = true
	}
	resizes := make(map[string]geom, len(c.pendingResize))
	for sid, g := range c.pendingResize {
		resizes[sid] = g
	}
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateOpen, nil)
	}

	// Buffered resizes flush immediately; the server remembers a size sent
	// before the attach lands. Input waits for the ack.
	for sid, g := range resizes {
		c.write(conn, protocol.Resize{
			Type: protocol.TypeResize, SessionID: sid, Cols: g.cols, Rows: g.rows,
		})
	}
	for _, sid := range wanted {
		c.write(conn, protocol.Attach{Type: protocol.TypeAttach, SessionID: sid})
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			clean := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return true, clean, fmt.Errorf("read: %w", err)
		}

		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()

		c.handleMessage(conn, data)
	}
}

func (c *Client) handleMessage(conn *websocket.Conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("bad message", "err", err)
		return
	}

	switch env.Type {
	case protocol.TypePong:
		// lastRecv already updated

	case protocol.TypeAttached:
		var msg protocol.Attached
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.opts.OnAttached != nil {
			c.opts.OnAttached(msg.SessionID, msg.Cols, msg.Rows)
		}
		// Flush buffered keystrokes in original order, exactly once. The
		// session is marked acked only after the queue is seen empty:
		// keystrokes arriving mid-flush keep queueing, so a direct send can
		// never jump ahead of the backlog.
		for {
			c.mu.Lock()
			queued := c.pendingInput[msg.SessionID]
			if len(queued) == 0 {
				c.acked[msg.SessionID] = true
				c.mu.Unlock()
				break
			}
			delete(c.pendingInput, msg.SessionID)
			c.mu.Unlock()
			for _, in := range queued {
				c.write(conn, protocol.Input{
					Type:      protocol.TypeInput,
					SessionID: msg.SessionID,
					Data:      base64.StdEncoding.EncodeToString(in),
				})
			}
		}

	case protocol.TypeOutput:
		var msg protocol.Output
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.log.Debug("bad output payload", "session", msg.SessionID, "err", err)
			return
		}
		if c.opts.OnOutput != nil {
			c.opts.OnOutput(msg.SessionID, payload, msg.Replay)
		}

	case protocol.TypeExit:
		var msg protocol.Exit
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.forgetSession(msg.SessionID)
		if c.opts.OnExit != nil {
			c.opts.OnExit(msg.SessionID, msg.ExitCode)
		}

	case protocol.TypeError:
		var msg protocol.ErrorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		// Session errors are terminal for the local view of that session.
		if msg.SessionID != "" {
			c.forgetSession(msg.SessionID)
		}
		if c.opts.OnSessionError != nil {
			c.opts.OnSessionError(msg.SessionID, msg.Message)
		}

	default:
		c.log.Debug("unknown message type", "type", env.Type)
	}
}

func (c *Client) forgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.want, sessionID)
	delete(c.sentAttach, sessionID)
	delete(c.acked, sessionID)
	delete(c.pendingInput, sessionID)
	delete(c.pendingResize, sessionID)
	c.mu.Unlock()
}

// heartbeatLoop pings periodically and force-closes the socket when nothing
// at all has been received for StaleAfter. Waiting for a TCP-level failure
// can take minutes; reconnecting proactively keeps the terminal live.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastRecv) > c.opts.StaleAfter
			c.mu.Unlock()
			if stale {
				c.setState(StateStale, nil)
				c.log.Warn("connection stale, forcing reconnect")
				conn.Close(websocket.StatusPolicyViolation, "stale")
				return
			}
			if err := c.write(conn, protocol.Ping{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

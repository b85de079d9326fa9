// Package relay fans PTY output out to attached clients and funnels their
// input, resizes, and replay requests back in. One pump goroutine per session
// owns the PTY read side for the session's whole life; everything that mutates
// a session's attachment set, replay ring, or applied size happens under that
// session's lock, so a chunk of output is either in the backlog a client
// replays or in the live stream it receives, never both and never neither.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/termspan/termspan/internal/protocol"
	"github.com/termspan/termspan/internal/session"
)

// ErrSessionNotFound is returned for operations on sessions the hub does not
// know: never created, already destroyed, or already exited.
var ErrSessionNotFound = errors.New("session not found")

// sendTimeout bounds how long one slow client can stall a session's pump.
// While a send is in flight the pump is not reading the PTY, so the kernel's
// PTY buffer applies backpressure to the process instead of the relay growing
// an unbounded queue.
const sendTimeout = 5 * time.Second

// Conn is one attached client connection. Send must be safe for concurrent
// use; the hub calls it from the pump goroutine and from attach handlers.
type Conn interface {
	Send(ctx context.Context, v any) error
}

type geom struct {
	cols, rows int
}

// state is the hub's per-session bookkeeping. mu orders attach/detach,
// input, resize, ring recording, and fan-out against each other.
type state struct {
	sess *session.Session

	mu       sync.Mutex
	attached map[Conn]bool
	sizes    map[Conn]geom // includes conns not yet attached; last write wins
	applied  geom          // size currently applied to the PTY
	closed   bool
}

// Hub routes between live sessions and client connections.
type Hub struct {
	reg *session.Registry
	log *slog.Logger

	// OnExit, if set, is called after a session's exit has been broadcast and
	// the session removed. Used to persist the exit code.
	OnExit func(sessionID string, exitCode int)

	mu     sync.Mutex
	states map[string]*state
}

func NewHub(reg *session.Registry, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		reg:    reg,
		log:    log,
		states: make(map[string]*state),
	}
}

// Register starts relaying for a session. The pump goroutine it spawns is the
// session's only PTY reader and runs until the process exits.
func (h *Hub) Register(sess *session.Session) {
	st := &state{
		sess:     sess,
		attached: make(map[Conn]bool),
		sizes:    make(map[Conn]geom),
	}
	h.mu.Lock()
	h.states[sess.ID] = st
	h.mu.Unlock()
	go h.pump(st)
}

func (h *Hub) state(sessionID string) *state {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[sessionID]
}

// Attach adds a connection to a session's fan-out set. The backlog is sent
// first, then the attach acknowledgment, all under the session lock: output
// produced after this call is delivered live, output from before is in the
// replay, and the ack marks the boundary. Attaching twice is a no-op.
func (h *Hub) Attach(ctx context.Context, sessionID string, conn Conn) error {
	st := h.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrSessionNotFound
	}
	if st.attached[conn] {
		return nil
	}
	st.attached[conn] = true
	h.negotiateLocked(st)

	// The replay and ack sends happen under the session lock; a stalled
	// socket here would otherwise freeze live delivery for everyone already
	// attached, so they get the same bound as the pump's sends.
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if backlog := st.sess.Replay(); len(backlog) > 0 {
		err := conn.Send(ctx, protocol.Output{
			Type:      protocol.TypeOutput,
			SessionID: sessionID,
			Data:      base64.StdEncoding.EncodeToString(backlog),
			Replay:    true,
		})
		if err != nil {
			delete(st.attached, conn)
			h.negotiateLocked(st)
			return err
		}
	}
	err := conn.Send(ctx, protocol.Attached{
		Type:      protocol.TypeAttached,
		SessionID: sessionID,
		Cols:      st.applied.cols,
		Rows:      st.applied.rows,
	})
	if err != nil {
		delete(st.attached, conn)
		h.negotiateLocked(st)
		return err
	}
	return nil
}

// Detach removes a connection from a session. The session keeps running and
// the ring keeps recording; only delivery to this connection stops.
func (h *Hub) Detach(sessionID string, conn Conn) {
	st := h.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.attached, conn)
	delete(st.sizes, conn)
	h.negotiateLocked(st)
	st.mu.Unlock()
}

// DetachAll removes a connection from every session. Called on disconnect.
func (h *Hub) DetachAll(conn Conn) {
	h.mu.Lock()
	states := make([]*state, 0, len(h.states))
	for _, st := range h.states {
		states = append(states, st)
	}
	h.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.attached[conn] || st.sizes[conn] != (geom{}) {
			delete(st.attached, conn)
			delete(st.sizes, conn)
			h.negotiateLocked(st)
		}
		st.mu.Unlock()
	}
}

// Input writes client bytes to the session's PTY. Only attached connections
// may send input.
func (h *Hub) Input(sessionID string, conn Conn, data []byte) error {
	st := h.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrSessionNotFound
	}
	if !st.attached[conn] {
		// Input from a connection that never attached (or raced a detach) is
		// dropped, not an error worth a reply.
		return nil
	}
	_, err := st.sess.Write(data)
	return err
}

// Resize records a connection's desired dimensions. Sizes arriving before the
// attach are remembered and take effect once the connection attaches. The PTY
// gets the max of all attached connections' sizes.
func (h *Hub) Resize(sessionID string, conn Conn, cols, rows int) error {
	st := h.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrSessionNotFound
	}
	st.sizes[conn] = geom{cols: cols, rows: rows}
	if st.attached[conn] {
		h.negotiateLocked(st)
	}
	return nil
}

// Destroy terminates a session's process. The exit is observed by the pump
// and broadcast like any natural exit.
func (h *Hub) Destroy(sessionID string) error {
	st := h.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	go st.sess.Terminate(3 * time.Second)
	return nil
}

// AppliedSize returns the dimensions currently applied to the session's PTY.
func (h *Hub) AppliedSize(sessionID string) (cols, rows int) {
	st := h.state(sessionID)
	if st == nil {
		return 0, 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applied.cols, st.applied.rows
}

// AttachedCount returns how many connections are attached to a session.
func (h *Hub) AttachedCount(sessionID string) int {
	st := h.state(sessionID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.attached)
}

// negotiateLocked recomputes the PTY size as the max cols and max rows over
// all attached connections, and applies it only when it changed. With no
// attached connections the last applied size sticks. Caller holds st.mu.
func (h *Hub) negotiateLocked(st *state) {
	var want geom
	for conn := range st.attached {
		g, ok := st.sizes[conn]
		if !ok {
			continue
		}
		if g.cols > want.cols {
			want.cols = g.cols
		}
		if g.rows > want.rows {
			want.rows = g.rows
		}
	}
	if want.cols == 0 || want.rows == 0 || want == st.applied {
		return
	}
	if err := st.sess.Resize(want.cols, want.rows); err != nil {
		h.log.Warn("pty resize failed", "session", st.sess.ID, "err", err)
		return
	}
	st.applied = want
	h.log.Debug("pty resized", "session", st.sess.ID, "cols", want.cols, "rows", want.rows)
}

// pump is the session's single PTY reader. It runs from Register until the
// process exits, whether or not anyone is attached: output produced with no
// clients still lands in the replay ring.
func (h *Hub) pump(st *state) {
	buf := make([]byte, 32*1024)
	for {
		n, err := st.sess.Read(buf)
		if n > 0 {
			h.broadcast(st, buf[:n])
		}
		if err != nil {
			break
		}
	}
	// The PTY read side fails at process exit (EIO) or on Close. Wait for the
	// exit code before reporting.
	<-st.sess.Done()
	h.finish(st)
}

// broadcast records one chunk and fans it out. Holding st.mu across the sends
// means the pump does not read more PTY output while any client send is in
// flight: a slow client backpressures the process, bounded by sendTimeout.
// Reading resumes when every send has completed or failed.
func (h *Hub) broadcast(st *state, data []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.sess.Record(data)
	if len(st.attached) == 0 {
		return
	}

	msg := protocol.Output{
		Type:      protocol.TypeOutput,
		SessionID: st.sess.ID,
		Data:      base64.StdEncoding.EncodeToString(data),
	}
	var dropped bool
	for conn := range st.attached {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := conn.Send(ctx, msg)
		cancel()
		if err != nil {
			h.log.Warn("client send failed, detaching", "session", st.sess.ID, "err", err)
			delete(st.attached, conn)
			delete(st.sizes, conn)
			dropped = true
		}
	}
	if dropped {
		h.negotiateLocked(st)
	}
}

// finish tears down a session after its process exited: broadcast the exit,
// drop all attachments, and forget the session.
func (h *Hub) finish(st *state) {
	exitCode := st.sess.ExitCode()

	h.mu.Lock()
	delete(h.states, st.sess.ID)
	h.mu.Unlock()

	st.mu.Lock()
	st.closed = true
	conns := make([]Conn, 0, len(st.attached))
	for conn := range st.attached {
		conns = append(conns, conn)
	}
	st.attached = make(map[Conn]bool)
	st.sizes = make(map[Conn]geom)
	st.mu.Unlock()

	msg := protocol.Exit{
		Type:      protocol.TypeExit,
		SessionID: st.sess.ID,
		ExitCode:  exitCode,
	}
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		conn.Send(ctx, msg)
		cancel()
	}

	h.reg.Remove(st.sess.ID)
	st.sess.Close()
	h.log.Info("session exited", "session", st.sess.ID, "code", exitCode)

	if h.OnExit != nil {
		h.OnExit(st.sess.ID, exitCode)
	}
}

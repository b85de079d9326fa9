package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/termspan/termspan/internal/protocol"
	"github.com/termspan/termspan/internal/session"
)

// chanPTY is a scriptable pseudo-terminal: the test feeds output chunks into
// out, input collects what clients typed, resizes are recorded.
type chanPTY struct {
	out chan []byte

	mu      sync.Mutex
	input   bytes.Buffer
	cols    int
	rows    int
	resizes int
	closed  bool
}

func newChanPTY() *chanPTY {
	return &chanPTY{out: make(chan []byte, 16)}
}

func (p *chanPTY) Read(b []byte) (int, error) {
	chunk, ok := <-p.out
	if !ok {
		return 0, io.EOF
	}
	return copy(b, chunk), nil
}

func (p *chanPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *chanPTY) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	p.resizes++
	return nil
}

func (p *chanPTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
	}
	return nil
}

func (p *chanPTY) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *chanPTY) size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// recordConn captures everything the hub sends. Send can be made to block
// (gate) or fail (err).
type recordConn struct {
	mu   sync.Mutex
	msgs []any

	gate chan struct{} // if non-nil, Send blocks until it is closed
	err  error         // if non-nil, Send fails

	notify chan struct{}
}

func newRecordConn() *recordConn {
	return &recordConn{notify: make(chan struct{}, 64)}
}

func (c *recordConn) Send(ctx context.Context, v any) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, v)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// waitMsgs blocks until the conn has received at least n messages.
func (c *recordConn) waitMsgs(t *testing.T, n int) []any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.messages()))
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestHub(t *testing.T) (*Hub, *session.Registry, *session.Session, *chanPTY) {
	t.Helper()
	reg := session.NewRegistry()
	hub := NewHub(reg, nil)
	pt := newChanPTY()
	sess := session.NewWithPTY(uuid.New().String(), pt)
	reg.Add(sess)
	hub.Register(sess)
	t.Cleanup(func() {
		sess.SignalExit(0)
		close(pt.out)
	})
	return hub, reg, sess, pt
}

func decodeOutput(t *testing.T, v any) ([]byte, bool) {
	t.Helper()
	msg, ok := v.(protocol.Output)
	if !ok {
		t.Fatalf("message %T, want protocol.Output", v)
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("bad base64 in output: %v", err)
	}
	return data, msg.Replay
}

func TestAttachReplaysBacklogThenAcks(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)

	pt.out <- []byte("missed output")
	waitFor(t, func() bool { return len(sess.Replay()) > 0 })

	conn := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	msgs := conn.waitMsgs(t, 2)
	data, replay := decodeOutput(t, msgs[0])
	if !replay {
		t.Error("first message not marked replay")
	}
	if !bytes.Equal(data, []byte("missed output")) {
		t.Errorf("replay = %q, want %q", data, "missed output")
	}
	if _, ok := msgs[1].(protocol.Attached); !ok {
		t.Errorf("second message %T, want protocol.Attached", msgs[1])
	}

	// Output after the ack arrives live, not as replay.
	pt.out <- []byte("live")
	msgs = conn.waitMsgs(t, 3)
	data, replay = decodeOutput(t, msgs[2])
	if replay {
		t.Error("live output marked replay")
	}
	if !bytes.Equal(data, []byte("live")) {
		t.Errorf("live output = %q, want %q", data, "live")
	}
}

func TestAttachWithEmptyBacklogSkipsReplay(t *testing.T) {
	hub, _, sess, _ := newTestHub(t)

	conn := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	msgs := conn.waitMsgs(t, 1)
	if _, ok := msgs[0].(protocol.Attached); !ok {
		t.Errorf("first message %T, want protocol.Attached", msgs[0])
	}
}

func TestDuplicateAttachIsNoop(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)
	pt.out <- []byte("backlog")
	waitFor(t, func() bool { return len(sess.Replay()) > 0 })

	conn := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	before := len(conn.waitMsgs(t, 2))

	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if got := len(conn.messages()); got != before {
		t.Errorf("duplicate attach sent %d extra messages", got-before)
	}
	if got := hub.AttachedCount(sess.ID); got != 1 {
		t.Errorf("AttachedCount = %d, want 1", got)
	}
}

func TestLateAttacherGetsBytesTheFirstClientSawLive(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)

	c1 := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, c1); err != nil {
		t.Fatalf("Attach c1: %v", err)
	}
	c1.waitMsgs(t, 1)

	pt.out <- []byte("shared history")
	c1.waitMsgs(t, 2)

	// c2 was never attached while those bytes flowed; the replay covers them.
	c2 := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, c2); err != nil {
		t.Fatalf("Attach c2: %v", err)
	}
	msgs := c2.waitMsgs(t, 2)
	data, replay := decodeOutput(t, msgs[0])
	if !replay || !bytes.Equal(data, []byte("shared history")) {
		t.Errorf("c2 replay = %q (replay=%v), want %q", data, replay, "shared history")
	}
}

func TestInputRequiresAttachment(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)
	conn := newRecordConn()

	if err := hub.Input(sess.ID, conn, []byte("sneak")); err != nil {
		t.Fatalf("Input before attach: %v", err)
	}
	if got := pt.inputString(); got != "" {
		t.Errorf("unattached input reached pty: %q", got)
	}

	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := hub.Input(sess.ID, conn, []byte("echo hi\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got := pt.inputString(); got != "echo hi\n" {
		t.Errorf("pty input = %q, want %q", got, "echo hi\n")
	}
}

func TestResizeAppliesMaxAcrossClients(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)
	c1 := newRecordConn()
	c2 := newRecordConn()

	if err := hub.Attach(context.Background(), sess.ID, c1); err != nil {
		t.Fatal(err)
	}
	if err := hub.Attach(context.Background(), sess.ID, c2); err != nil {
		t.Fatal(err)
	}

	hub.Resize(sess.ID, c1, 100, 40)
	hub.Resize(sess.ID, c2, 120, 30)

	if cols, rows := pt.size(); cols != 120 || rows != 40 {
		t.Errorf("pty size = %dx%d, want 120x40", cols, rows)
	}
	if cols, rows := hub.AppliedSize(sess.ID); cols != 120 || rows != 40 {
		t.Errorf("AppliedSize = %dx%d, want 120x40", cols, rows)
	}

	// Detaching the widest client shrinks the max.
	hub.Detach(sess.ID, c2)
	if cols, rows := pt.size(); cols != 100 || rows != 40 {
		t.Errorf("pty size after detach = %dx%d, want 100x40", cols, rows)
	}
}

func TestResizeBeforeAttachTakesEffectOnAttach(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)
	conn := newRecordConn()

	if err := hub.Resize(sess.ID, conn, 132, 50); err != nil {
		t.Fatalf("Resize before attach: %v", err)
	}
	if cols, _ := pt.size(); cols != 0 {
		t.Errorf("size applied before attach: cols=%d", cols)
	}

	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if cols, rows := pt.size(); cols != 132 || rows != 50 {
		t.Errorf("pty size = %dx%d, want 132x50", cols, rows)
	}

	// The ack reports the size that ended up applied.
	msgs := conn.waitMsgs(t, 1)
	ack := msgs[len(msgs)-1].(protocol.Attached)
	if ack.Cols != 132 || ack.Rows != 50 {
		t.Errorf("ack size = %dx%d, want 132x50", ack.Cols, ack.Rows)
	}
}

func TestUnchangedSizeDoesNotPerturbPTY(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)
	conn := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatal(err)
	}

	hub.Resize(sess.ID, conn, 80, 24)
	hub.Resize(sess.ID, conn, 80, 24)

	pt.mu.Lock()
	resizes := pt.resizes
	pt.mu.Unlock()
	if resizes != 1 {
		t.Errorf("pty resized %d times, want 1", resizes)
	}
}

func TestUnknownSession(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	conn := newRecordConn()
	id := uuid.New().String()

	if err := hub.Attach(context.Background(), id, conn); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Attach unknown = %v, want ErrSessionNotFound", err)
	}
	if err := hub.Input(id, conn, []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Input unknown = %v, want ErrSessionNotFound", err)
	}
	if err := hub.Resize(id, conn, 80, 24); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resize unknown = %v, want ErrSessionNotFound", err)
	}
	if err := hub.Destroy(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Destroy unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestExitBroadcastAndCleanup(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, nil)
	pt := newChanPTY()
	sess := session.NewWithPTY(uuid.New().String(), pt)
	reg.Add(sess)

	exits := make(chan int, 1)
	hub.OnExit = func(id string, code int) { exits <- code }
	hub.Register(sess)

	conn := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
		t.Fatal(err)
	}

	sess.SignalExit(3)
	close(pt.out)

	select {
	case code := <-exits:
		if code != 3 {
			t.Errorf("OnExit code = %d, want 3", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit never called")
	}

	msgs := conn.messages()
	last, ok := msgs[len(msgs)-1].(protocol.Exit)
	if !ok {
		t.Fatalf("last message %T, want protocol.Exit", msgs[len(msgs)-1])
	}
	if last.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", last.ExitCode)
	}

	if reg.Get(sess.ID) != nil {
		t.Error("session still in registry after exit")
	}
	if err := hub.Attach(context.Background(), sess.ID, conn); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Attach after exit = %v, want ErrSessionNotFound", err)
	}
}

func TestFailingConnIsDetachedOthersSurvive(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)

	healthy := newRecordConn()
	broken := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, healthy); err != nil {
		t.Fatal(err)
	}
	if err := hub.Attach(context.Background(), sess.ID, broken); err != nil {
		t.Fatal(err)
	}
	broken.err = errors.New("connection reset")

	pt.out <- []byte("data")
	healthy.waitMsgs(t, 2)

	waitFor(t, func() bool { return hub.AttachedCount(sess.ID) == 1 })

	// The stream keeps flowing to the surviving client.
	pt.out <- []byte("more")
	msgs := healthy.waitMsgs(t, 3)
	data, _ := decodeOutput(t, msgs[2])
	if !bytes.Equal(data, []byte("more")) {
		t.Errorf("post-failure output = %q, want %q", data, "more")
	}
}

func TestSlowClientStallsPTYReads(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)

	// Attach first (the ack send must complete), then arm the gate. The
	// channel send below orders the gate write before the pump's next Send.
	slow := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, slow); err != nil {
		t.Fatal(err)
	}
	slow.waitMsgs(t, 1)
	gate := make(chan struct{})
	slow.gate = gate

	pt.out <- []byte("first")
	pt.out <- []byte("second")

	// While the send of "first" is blocked the pump must not consume
	// "second": the ring only ever holds what was actually read.
	time.Sleep(50 * time.Millisecond)
	if got := sess.Replay(); bytes.Contains(got, []byte("second")) {
		t.Errorf("pump read ahead while send blocked: replay=%q", got)
	}

	close(gate)
	waitFor(t, func() bool { return bytes.Contains(sess.Replay(), []byte("second")) })
}

func TestStalledAttachSendCannotFreezeSession(t *testing.T) {
	hub, _, sess, pt := newTestHub(t)

	healthy := newRecordConn()
	if err := hub.Attach(context.Background(), sess.ID, healthy); err != nil {
		t.Fatal(err)
	}
	healthy.waitMsgs(t, 1)

	pt.out <- []byte("backlog")
	healthy.waitMsgs(t, 2)

	// A second client whose socket never drains stalls its own replay send.
	// The session lock is held for at most the send bound, the attach fails,
	// and the stalled client does not end up attached.
	staller := newRecordConn()
	staller.gate = make(chan struct{}) // never opened
	attachCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := hub.Attach(attachCtx, sess.ID, staller); err == nil {
		t.Fatal("stalled attach reported success")
	}
	if got := hub.AttachedCount(sess.ID); got != 1 {
		t.Errorf("AttachedCount = %d, want 1", got)
	}

	// Live delivery to the healthy client resumes.
	pt.out <- []byte("after")
	msgs := healthy.waitMsgs(t, 3)
	data, _ := decodeOutput(t, msgs[2])
	if !bytes.Equal(data, []byte("after")) {
		t.Errorf("post-stall output = %q, want %q", data, "after")
	}
}

func TestDetachAllCoversEverySession(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, nil)
	conn := newRecordConn()

	var sessions []*session.Session
	for range 3 {
		pt := newChanPTY()
		sess := session.NewWithPTY(uuid.New().String(), pt)
		reg.Add(sess)
		hub.Register(sess)
		if err := hub.Attach(context.Background(), sess.ID, conn); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, sess)
		t.Cleanup(func() {
			sess.SignalExit(0)
			close(pt.out)
		})
	}

	hub.DetachAll(conn)
	for _, sess := range sessions {
		if got := hub.AttachedCount(sess.ID); got != 0 {
			t.Errorf("session %s AttachedCount = %d, want 0", sess.ID, got)
		}
	}
}

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termspan/termspan/internal/protocol"
)

const testSession = "11111111-2222-3333-4444-555555555555"

func staticTicket(ctx context.Context) (string, error) { return "test-ticket", nil }

// wsTestServer runs handler for every accepted WebSocket and counts accepts.
type wsTestServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	accepts int
}

func newWSTestServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.accepts++
		ts.mu.Unlock()
		handler(r.Context(), conn)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) acceptCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepts
}

func readMessage(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, []byte, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, nil, err
	}
	return env, data, nil
}

func send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestClientAttachAndOutput(t *testing.T) {
	outputs := make(chan []byte, 4)
	attached := make(chan struct{}, 1)

	ts := newWSTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.CloseNow()
		for {
			env, _, err := readMessage(ctx, conn)
			if err != nil {
				return
			}
			if env.Type != protocol.TypeAttach {
				continue
			}
			send(ctx, conn, protocol.Attached{Type: protocol.TypeAttached, SessionID: env.SessionID, Cols: 80, Rows: 24})
			send(ctx, conn, protocol.Output{
				Type:      protocol.TypeOutput,
				SessionID: env.SessionID,
				Data:      base64.StdEncoding.EncodeToString([]byte("hello")),
			})
		}
	})

	c := New(Options{
		URL:    ts.url(),
		Ticket: staticTicket,
		OnOutput: func(sid string, data []byte, replay bool) {
			outputs <- data
		},
		OnAttached: func(sid string, cols, rows int) {
			if cols != 80 || rows != 24 {
				t.Errorf("OnAttached size = %dx%d, want 80x24", cols, rows)
			}
			attached <- struct{}{}
		},
	})
	c.Attach(testSession)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case <-attached:
	case <-ctx.Done():
		t.Fatal("never attached")
	}
	select {
	case data := <-outputs:
		if string(data) != "hello" {
			t.Errorf("output = %q, want %q", data, "hello")
		}
	case <-ctx.Done():
		t.Fatal("no output received")
	}
}

func TestInputHeldUntilAttachAck(t *testing.T) {
	type received struct {
		typ  string
		data string
	}
	got := make(chan received, 8)

	ts := newWSTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.CloseNow()
		for {
			env, raw, err := readMessage(ctx, conn)
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeAttach:
				// Delay the ack so queued input would leak out early if the
				// client flushed on send instead of on ack.
				time.Sleep(100 * time.Millisecond)
				send(ctx, conn, protocol.Attached{Type: protocol.TypeAttached, SessionID: env.SessionID})
				got <- received{typ: "attached-sent"}
			case protocol.TypeInput:
				var msg protocol.Input
				json.Unmarshal(raw, &msg)
				data, _ := base64.StdEncoding.DecodeString(msg.Data)
				got <- received{typ: "input", data: string(data)}
			}
		}
	})

	c := New(Options{URL: ts.url(), Ticket: staticTicket})
	c.Attach(testSession)
	c.SendInput(testSession, []byte("first"))
	c.SendInput(testSession, []byte("second"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	var events []received
	for len(events) < 3 {
		select {
		case ev := <-got:
			events = append(events, ev)
		case <-ctx.Done():
			t.Fatalf("timed out, events so far: %v", events)
		}
	}

	if events[0].typ != "attached-sent" {
		t.Fatalf("input arrived before the ack was sent: %v", events)
	}
	if events[1].data != "first" || events[2].data != "second" {
		t.Errorf("input order = %q, %q; want first, second", events[1].data, events[2].data)
	}
}

func TestInputOrderPreservedAcrossAckFlush(t *testing.T) {
	inputs := make(chan int, 256)

	ts := newWSTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.CloseNow()
		for {
			env, raw, err := readMessage(ctx, conn)
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeAttach:
				// Delay the ack so keystrokes pile up, then keep arriving
				// while the backlog flush is in progress.
				time.Sleep(50 * time.Millisecond)
				send(ctx, conn, protocol.Attached{Type: protocol.TypeAttached, SessionID: env.SessionID})
			case protocol.TypeInput:
				var msg protocol.Input
				json.Unmarshal(raw, &msg)
				data, _ := base64.StdEncoding.DecodeString(msg.Data)
				var n int
				fmt.Sscanf(string(data), "k-%d", &n)
				inputs <- n
			}
		}
	})

	c := New(Options{URL: ts.url(), Ticket: staticTicket})
	c.Attach(testSession)

	const total = 60
	seq := 0
	for ; seq < 20; seq++ {
		c.SendInput(testSession, []byte(fmt.Sprintf("k-%d", seq)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	// Keep typing while the connection opens, the ack lands, and the queued
	// backlog flushes underneath.
	for ; seq < total; seq++ {
		c.SendInput(testSession, []byte(fmt.Sprintf("k-%d", seq)))
		time.Sleep(2 * time.Millisecond)
	}

	last := -1
	for i := range total {
		select {
		case n := <-inputs:
			if n <= last {
				t.Fatalf("keystroke %d arrived after %d", n, last)
			}
			last = n
		case <-ctx.Done():
			t.Fatalf("timed out after %d of %d keystrokes", i, total)
		}
	}
}

func TestPendingInputBoundedOldestPreserved(t *testing.T) {
	c := New(Options{URL: "ws://unused", Ticket: staticTicket})
	c.Attach(testSession)

	for i := range maxPendingInput + 50 {
		c.SendInput(testSession, []byte(fmt.Sprintf("key-%d", i)))
	}

	c.mu.Lock()
	q := c.pendingInput[testSession]
	c.mu.Unlock()

	if len(q) != maxPendingInput {
		t.Fatalf("queue length = %d, want %d", len(q), maxPendingInput)
	}
	if string(q[0]) != "key-0" {
		t.Errorf("oldest entry = %q, want key-0", q[0])
	}
	if string(q[len(q)-1]) != fmt.Sprintf("key-%d", maxPendingInput-1) {
		t.Errorf("newest entry = %q, want key-%d", q[len(q)-1], maxPendingInput-1)
	}
}

func TestResizeLastWriteWinsWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://unused", Ticket: staticTicket})
	c.Resize(testSession, 80, 24)
	c.Resize(testSession, 100, 30)
	c.Resize(testSession, 120, 40)

	c.mu.Lock()
	g := c.pendingResize[testSession]
	c.mu.Unlock()
	if g.cols != 120 || g.rows != 40 {
		t.Errorf("pending resize = %dx%d, want 120x40", g.cols, g.rows)
	}
}

func TestResizeFlushedBeforeAttachOnConnect(t *testing.T) {
	order := make(chan string, 8)

	ts := newWSTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.CloseNow()
		for {
			env, _, err := readMessage(ctx, conn)
			if err != nil {
				return
			}
			order <- env.Type
		}
	})

	c := New(Options{URL: ts.url(), Ticket: staticTicket})
	c.Resize(testSession, 90, 25)
	c.Attach(testSession)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	var types []string
	for len(types) < 2 {
		select {
		case typ := <-order:
			types = append(types, typ)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", types)
		}
	}
	if types[0] != protocol.TypeResize || types[1] != protocol.TypeAttach {
		t.Errorf("message order = %v, want [resize attach]", types)
	}
}

func TestReattachAfterServerRestart(t *testing.T) {
	attachCount := make(chan struct{}, 4)

	ts := newWSTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		first := true
		for {
			env, _, err := readMessage(ctx, conn)
			if err != nil {
				return
			}
			if env.Type == protocol.TypeAttach {
				attachCount <- struct{}{}
				if first {
					// Simulate a restart: clean close right after attach.
					conn.Close(websocket.StatusGoingAway, "restarting")
					return
				}
				send(ctx, conn, protocol.Attached{Type: protocol.TypeAttached, SessionID: env.SessionID})
			}
			first = false
		}
	})

	c := New(Options{URL: ts.url(), Ticket: staticTicket})
	c.Attach(testSession)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	// The attach must be re-sent on the second connection without any call
	// from the application.
	for i := range 2 {
		select {
		case <-attachCount:
		case <-ctx.Done():
			t.Fatalf("attach %d never arrived", i+1)
		}
	}
	if got := ts.acceptCount(); got < 2 {
		t.Errorf("accepts = %d, want >= 2", got)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	c := New(Options{
		URL:         "ws://127.0.0.1:1", // nothing listens here
		Ticket:      staticTicket,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxAttempts: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run = %v, want ErrGaveUp", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestDisconnectedStateCarriesTheError(t *testing.T) {
	errs := make(chan error, 16)
	c := New(Options{
		URL:         "ws://127.0.0.1:1", // nothing listens here
		Ticket:      staticTicket,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxAttempts: 3,
		OnStateChange: func(s State, err error) {
			if s == StateDisconnected {
				errs <- err
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Run(ctx)

	// A failed dial must surface as Disconnected with a non-nil error; a UI
	// keys its reconnecting indicator on exactly this.
	select {
	case err := <-errs:
		if err == nil {
			t.Error("Disconnected notification carried a nil error after a dial failure")
		}
	default:
		t.Error("no Disconnected notification observed")
	}
}

func TestDetachClearsSessionState(t *testing.T) {
	c := New(Options{URL: "ws://unused", Ticket: staticTicket})
	c.Attach(testSession)
	c.SendInput(testSession, []byte("buffered"))
	c.Resize(testSession, 80, 24)

	c.Detach(testSession)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.want[testSession] {
		t.Error("session still wanted after Detach")
	}
	if len(c.pendingInput[testSession]) != 0 {
		t.Error("pending input survived Detach")
	}
	if _, ok := c.pendingResize[testSession]; ok {
		t.Error("pending resize survived Detach")
	}
}

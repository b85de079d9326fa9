package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const ringSize = 256 * 1024 // replay buffer per session

// Kind classifies what runs inside a session's PTY.
type Kind string

const (
	KindShell Kind = "shell"
	KindAgent Kind = "agent"
)

// PTY abstracts the pseudo-terminal so the relay can be driven by pipes in
// tests. The real implementation wraps creack/pty.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

type ptyFile struct {
	*os.File
}

func (p ptyFile) Resize(cols, rows int) error {
	return pty.Setsize(p.File, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Session is one long-running PTY process. Exactly one PTY per session; the
// PTY outlives individual client attachments and dies only on process exit or
// explicit destroy.
type Session struct {
	ID        string
	Name      string
	Kind      Kind
	CWD       string
	CreatedAt time.Time

	pt   PTY
	cmd  *exec.Cmd
	ring *ringBuffer

	mu       sync.Mutex
	exitCode int
	done     chan struct{} // closed when the process exits
}

// Options configures a new session.
type Options struct {
	Name    string
	Kind    Kind
	CWD     string
	Command string   // defaults to $SHELL or /bin/sh
	Args    []string
	Env     []string // defaults to os.Environ()
	Cols    int
	Rows    int
}

// Start spawns a process in a fresh PTY.
func Start(opts Options) (*Session, error) {
	command := opts.Command
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(command, opts.Args...)
	cmd.Dir = opts.CWD
	if opts.Env != nil {
		cmd.Env = opts.Env
	} else {
		cmd.Env = os.Environ()
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		Kind:      opts.Kind,
		CWD:       opts.CWD,
		CreatedAt: time.Now(),
		pt:        ptyFile{ptmx},
		cmd:       cmd,
		ring:      newRingBuffer(ringSize),
		done:      make(chan struct{}),
	}

	go func() {
		exitCode := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		s.mu.Lock()
		s.exitCode = exitCode
		s.mu.Unlock()
		close(s.done)
	}()

	return s, nil
}

// NewWithPTY builds a session around an existing PTY. Used by tests to drive
// the relay with pipes instead of a real process.
func NewWithPTY(id string, p PTY) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		ID:        id,
		Kind:      KindShell,
		CreatedAt: time.Now(),
		pt:        p,
		ring:      newRingBuffer(ringSize),
		done:      make(chan struct{}),
	}
}

// Read reads the next chunk of PTY output. Blocks until output is available
// or the PTY is closed.
func (s *Session) Read(p []byte) (int, error) {
	return s.pt.Read(p)
}

// Write delivers input bytes to the PTY.
func (s *Session) Write(p []byte) (int, error) {
	return s.pt.Write(p)
}

// Resize applies new dimensions to the PTY (SIGWINCH to the process group).
func (s *Session) Resize(cols, rows int) error {
	return s.pt.Resize(cols, rows)
}

// Record appends output bytes to the replay ring.
func (s *Session) Record(p []byte) {
	s.ring.Write(p)
}

// Replay returns a snapshot of the buffered output, oldest-first. The ring is
// not cleared: clients attaching independently at different times each get the
// backlog they personally missed.
func (s *Session) Replay() []byte {
	return s.ring.Bytes()
}

// Done is closed when the PTY process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode is valid once Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// SignalExit records an exit for sessions without a real process (tests) and
// closes Done. No-op if the session already exited.
func (s *Session) SignalExit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.exitCode = code
	close(s.done)
}

// Terminate asks the process to exit: SIGTERM, then SIGKILL if it is still
// alive after the grace period.
func (s *Session) Terminate(grace time.Duration) {
	if s.cmd == nil || s.cmd.Process == nil {
		s.SignalExit(0)
		return
	}
	s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(grace):
		s.cmd.Process.Kill()
	}
}

// Close releases the PTY handle. The process, if any, receives EOF/HUP.
func (s *Session) Close() error {
	return s.pt.Close()
}

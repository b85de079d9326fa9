// Package view reconciles a terminal widget with the relay's output stream:
// scroll-lock tracking that must not fight backlog replay, repaint after a
// hidden terminal is fitted to its real size, and resize deduplication so the
// PTY is only perturbed when the computed size actually changed.
package view

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const maxScrollbackLines = 10000

// View wraps a vt emulator with scrollback capture and viewport state.
// All methods are safe for concurrent use. Emulator callbacks fire inside
// Write, so mu is already held there.
type View struct {
	emu        *vt.Emulator
	scrollback []string // ring of rendered lines scrolled off the top
	sbHead     int      // next write position in ring
	sbLen      int      // current count (≤ len(scrollback))

	mu           sync.Mutex
	cols, rows   int
	altScreen    bool
	cursorHidden bool

	replaying    bool // backlog replay in progress; scroll detection suspended
	follow       bool // viewport pinned to the bottom
	scrollOffset int  // lines scrolled up from the bottom when not following

	lastSentCols int // last size reported to the server
	lastSentRows int
}

func New(cols, rows int) *View {
	v := &View{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
		follow:     true,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			// mu already held by caller (Write)
			if v.altScreen {
				return
			}
			for _, line := range lines {
				v.scrollback[v.sbHead] = line.Render()
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen = 0
			v.sbHead = 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

// BeginReplay marks the start of a backlog replay. Replay can transiently
// desynchronize the viewport's scroll metrics from the true "am I at the
// bottom" state; a false "user scrolled up" here would pin the view to the
// top permanently, so detection is suspended until EndReplay.
func (v *View) BeginReplay() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replaying = true
}

// EndReplay re-enables scroll detection and snaps the viewport to the bottom.
// Driven by the server's attach acknowledgment, which is sent after the
// backlog.
func (v *View) EndReplay() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replaying = false
	v.follow = true
	v.scrollOffset = 0
}

// Write feeds terminal bytes to the emulator and reconciles the viewport.
func (v *View) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	before := v.sbLen
	n, err := v.emu.Write(p)
	added := v.sbLen - before
	v.scrollOffset, v.follow = reconcileScroll(v.scrollOffset, v.follow, added, v.replaying)
	return n, err
}

// UserScrolled reports a scroll gesture: delta lines up (positive) or down
// (negative). Ignored during replay.
func (v *View) UserScrolled(delta int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.replaying {
		return
	}
	v.scrollOffset += delta
	if v.scrollOffset > v.sbLen {
		v.scrollOffset = v.sbLen
	}
	if v.scrollOffset <= 0 {
		v.scrollOffset = 0
	}
	v.follow = v.scrollOffset == 0
}

// Following reports whether the viewport is pinned to the bottom.
func (v *View) Following() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.follow
}

// ScrollOffset returns how many lines the viewport is above the bottom.
func (v *View) ScrollOffset() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrollOffset
}

// Fit resizes the emulator to the container's real dimensions and reports
// whether the size changed since it was last reported to the server. A
// terminal that was hidden (background tab) fits to a stale size; forcing
// scroll-to-bottom here shows the cursor again without a full scrollback
// reflow. The caller sends a resize message only when changed is true.
func (v *View) Fit(cols, rows int) (changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cols != v.cols || rows != v.rows {
		v.emu.Resize(cols, rows)
		v.cols = cols
		v.rows = rows
	}
	v.follow = true
	v.scrollOffset = 0
	if cols == v.lastSentCols && rows == v.lastSentRows {
		return false
	}
	v.lastSentCols = cols
	v.lastSentRows = rows
	return true
}

// Size returns the current emulator dimensions.
func (v *View) Size() (cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cols, v.rows
}

// Snapshot renders the full terminal state as ANSI: scrollback, grid repaint,
// cursor restore. Any terminal emulator can consume it directly.
func (v *View) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder

	lines := v.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (v *View) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

// Close releases the emulator resources.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// scrollbackLines returns all scrollback lines oldest-first. Caller holds mu.
func (v *View) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := range v.sbLen {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}

// reconcileScroll is the scroll-lock rule as a pure function of the viewport
// position, the number of lines that just scrolled out, and the replay flag.
// Following the bottom stays following; a reader parked above the bottom
// keeps their place as content pushes past (offset grows); during replay the
// viewport always ends up following, whatever the intermediate metrics said.
func reconcileScroll(offset int, follow bool, added int, replaying bool) (int, bool) {
	if replaying {
		return 0, true
	}
	if follow {
		return 0, true
	}
	return offset + added, false
}

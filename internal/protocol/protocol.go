package protocol

// Message types for the console WebSocket protocol.
const (
	// Client → Server
	TypeAttach = "attach" // declare interest in a session's output
	TypeDetach = "detach" // explicit detach before disconnect
	TypeInput  = "input"  // keystrokes for the PTY
	TypeResize = "resize" // requested terminal dimensions
	TypePing   = "ping"   // liveness probe

	// Server → Client
	TypeAttached = "attached" // attach accepted; backlog replay is complete
	TypeOutput   = "output"   // raw terminal bytes
	TypeExit     = "exit"     // PTY process exited
	TypeError    = "error"    // session-level error (e.g. unknown session)
	TypePong     = "pong"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// Attach requests (re)attachment to a session. Attachment is scoped to the
// current connection: every new socket must re-attach every session it wants.
type Attach struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Detach explicitly detaches the connection from a session.
type Detach struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Input carries keystrokes from client to PTY.
type Input struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64-encoded
}

// Resize tells the server this connection's requested terminal dimensions.
// The PTY is sized to the max over all attached connections.
type Resize struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Ping is the client's periodic liveness probe. The server answers with Pong
// so a healthy-but-quiet connection still carries traffic for staleness
// detection.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// Attached acknowledges an accepted attach. It is sent after the replayed
// backlog and before any live output, so the client can treat it as both
// "safe to flush buffered input" and "end of replay".
type Attached struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols,omitempty"` // PTY size currently applied
	Rows      int    `json:"rows,omitempty"`
}

// Output carries raw terminal bytes from PTY to client.
type Output struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`             // base64-encoded
	Replay    bool   `json:"replay,omitempty"` // part of the attach backlog
}

// Exit tells the client the PTY process exited. The session is gone after
// this message; the client should drop its local view of it.
type Exit struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// ErrorMsg reports a session-level error to the requesting client only.
type ErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

package protocol

import (
	"github.com/google/uuid"
)

// Hard limits enforced at the trust boundary. Out-of-range messages are
// dropped, never clamped: clamping a resize would silently apply a size the
// client never asked for, and truncating input would corrupt keystroke
// semantics.
const (
	MaxInputBytes = 32 * 1024

	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)

// ValidSessionID reports whether s has the session-ID shape (UUID).
func ValidSessionID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidResize reports whether a requested size is within bounds.
func ValidResize(cols, rows int) bool {
	return cols >= MinCols && cols <= MaxCols && rows >= MinRows && rows <= MaxRows
}

// ValidInput reports whether a decoded input payload is acceptable.
// Oversized payloads are rejected whole rather than truncated.
func ValidInput(data []byte) bool {
	return len(data) > 0 && len(data) <= MaxInputBytes
}

package stack

import (
	"encoding/json"
	"strings"
)

// Status is the derived state of a stack.
type Status int

// Values match what the web client expects on the wire.
const (
	StatusUnknown      Status = 0
	StatusCreatedFile  Status = 1
	StatusCreatedStack Status = 2
	StatusRunning      Status = 3
	StatusExited       Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusCreatedFile:
		return "created_file"
	case StatusCreatedStack:
		return "created_stack"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its integer value.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// StatusFromDaemonString converts a compact compose status such as
// "running(2)" or "exited(1), running(1)". One exited service marks the
// whole stack exited.
func StatusFromDaemonString(s string) Status {
	switch {
	case strings.HasPrefix(s, "created"):
		return StatusCreatedStack
	case strings.Contains(s, "exited"):
		return StatusExited
	case strings.HasPrefix(s, "running"):
		return StatusRunning
	default:
		return StatusUnknown
	}
}

// Package agent connects this manager to remote managers and routes
// proxied events between them.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/web-casa/casastack/internal/socket"
)

// AllEndpoints is the target that addresses every known endpoint,
// including this one.
const AllEndpoints = "##ALL_DOCKGE_ENDPOINTS##"

// MinPeerVersion is the oldest remote manager version accepted.
const MinPeerVersion = "1.4.0"

// DefaultLoginBudget bounds how long emits wait for a pending login,
// measured from the manager's first connect.
const DefaultLoginBudget = 10 * time.Second

// loginTimeout bounds one login round trip.
const loginTimeout = 10 * time.Second

// State is the state of one agent connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged-in"
	default:
		return "unknown"
	}
}

// Status values reported to the UI in agentStatus events.
const (
	StatusConnecting = "connecting"
	StatusOnline     = "online"
	StatusOffline    = "offline"
)

// UI is the local browser connection that owns a Manager. *socket.Conn
// implements it.
type UI interface {
	Emit(event string, args ...any) error
	EmitRaw(event string, args socket.Args) error
}

// DialFunc opens the event socket of a remote manager.
type DialFunc func(ctx context.Context, baseURL, endpoint string, logger *slog.Logger) (*socket.Conn, error)

// StatusEvent is the payload of an agentStatus event.
type StatusEvent struct {
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
	Msg      string `json:"msg,omitempty"`
}

type loginResult struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg"`
	Token string `json:"token"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

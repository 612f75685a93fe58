package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/socket"
)

// Relay forwards events to remote managers. *Manager implements it.
type Relay interface {
	RelayToEndpoint(ctx context.Context, endpoint, event string, args socket.Args, done func(json.RawMessage, error))
	EmitToAllEndpoints(ctx context.Context, event string, args socket.Args)
}

// Router dispatches events received in the agent envelope to a local
// handler, one remote endpoint, or all of them.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]socket.HandlerFunc
}

// NewRouter creates a Router without handlers.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("module", "agent"),
		handlers: make(map[string]socket.HandlerFunc),
	}
}

// Handle registers the local handler for event.
func (r *Router) Handle(event string, h socket.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

// Has reports whether a local handler exists for event.
func (r *Router) Has(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[event]
	return ok
}

// Dispatch routes event for target. An empty target or the endpoint name
// the connection was opened with is handled locally. AllEndpoints is
// handled locally and relayed to every remote. Anything else is relayed
// to that endpoint in arrival order; relay failures are logged and
// acknowledged as a failure.
func (r *Router) Dispatch(c *socket.Conn, relay Relay, target, event string, args socket.Args, ack socket.AckFunc) {
	switch {
	case target == AllEndpoints:
		r.logger.Debug("dispatching to all endpoints", "event", event)
		r.local(c, event, args, ack)
		if relay != nil {
			relay.EmitToAllEndpoints(c.Context(), event, args)
		}
	case target == "" || target == c.Endpoint():
		r.local(c, event, args, ack)
	default:
		if relay == nil {
			ack(failure(apperr.NotConnected(target)))
			return
		}
		r.logger.Debug("relaying to endpoint", "endpoint", target, "event", event)
		relay.RelayToEndpoint(c.Context(), target, event, args, func(data json.RawMessage, err error) {
			if err != nil {
				r.logger.Warn("relay failed", "endpoint", target, "event", event, "err", err)
				ack(failure(err))
				return
			}
			ack(data)
		})
	}
}

func (r *Router) local(c *socket.Conn, event string, args socket.Args, ack socket.AckFunc) {
	r.mu.RLock()
	h, ok := r.handlers[event]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no local handler", "event", event)
		ack(failure(apperr.NotFound("Unknown event %s", event)))
		return
	}
	h(c, args, ack)
}

func failure(err error) map[string]any {
	return map[string]any{"ok": false, "msg": apperr.Message(err, err.Error())}
}

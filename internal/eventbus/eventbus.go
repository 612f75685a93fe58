// Package eventbus is an in-process publish/subscribe bus that decouples
// stack mutations from the connections that push stack lists.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the core.
const (
	StackChanged   = "stack.changed"
	AgentsChanged  = "agent.changed"
	SettingChanged = "setting.changed"
)

// Event represents something that happened in the system.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Source  string         `json:"source"` // endpoint or "local"
	Time    time.Time      `json:"time"`
}

// Handler processes an event.
type Handler func(event Event)

// Bus dispatches events to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.With("module", "eventbus"),
	}
}

// Subscribe registers a handler for the given event type.
// Use "*" to subscribe to all events.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish dispatches an event synchronously, in registration order.
// A panicking handler is recovered and logged without affecting others.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, event)
	}
}

func (b *Bus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event.Type, "source", event.Source, "panic", r)
		}
	}()
	h(event)
}

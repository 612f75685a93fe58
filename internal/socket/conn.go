package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
	eventBuffer    = 64
)

// ErrClosed is returned when emitting on a closed connection.
var ErrClosed = errors.New("socket closed")

// AckFunc answers an event. It is a no-op when the sender asked for no
// acknowledgement, and only the first call is sent.
type AckFunc func(data any)

// HandlerFunc handles one event.
type HandlerFunc func(c *Conn, args Args, ack AckFunc)

// AnyHandlerFunc handles events with no registered handler.
type AnyHandlerFunc func(c *Conn, event string, args Args, ack AckFunc)

type inbound struct {
	id    uint64
	event string
	args  Args
}

// Conn is one websocket carrying event frames. Events are handled one at a
// time in arrival order; handlers that block for long should hand work to
// a goroutine and ack from there.
type Conn struct {
	id       string
	endpoint string
	ws       *websocket.Conn
	logger   *slog.Logger

	send   chan []byte
	events chan inbound
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	fallback AnyHandlerFunc
	pending  map[uint64]chan json.RawMessage
	onClose  []func()
	values   map[string]any
}

// NewConn wraps an established websocket. endpoint is the peer-visible
// endpoint name of this connection: the "endpoint" header on the server
// side, or the dialed endpoint on the client side.
func NewConn(ws *websocket.Conn, endpoint string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		endpoint: endpoint,
		ws:       ws,
		logger:   logger.With("conn", id),
		send:     make(chan []byte, sendBuffer),
		events:   make(chan inbound, eventBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[uint64]chan json.RawMessage),
		values:   make(map[string]any),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Endpoint returns the endpoint name of the connection.
func (c *Conn) Endpoint() string { return c.endpoint }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Context returns a context cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// On registers the handler for event, replacing any previous one.
func (c *Conn) On(event string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnAny registers the handler for events without a specific handler.
func (c *Conn) OnAny(h AnyHandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = h
}

// OnClose registers fn to run once when the connection closes.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Set stores a per-connection value.
func (c *Conn) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// Get reads a per-connection value.
func (c *Conn) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Emit sends an event without waiting for an acknowledgement.
func (c *Conn) Emit(event string, args ...any) error {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	return c.EmitRaw(event, raw)
}

// EmitRaw sends an event with already encoded arguments.
func (c *Conn) EmitRaw(event string, args Args) error {
	return c.writeFrame(Frame{Type: TypeEvent, Event: event, Args: args})
}

// EmitAgent sends event inside the "agent" envelope. An object first
// argument is tagged with this connection's endpoint.
func (c *Conn) EmitAgent(event string, args ...any) error {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		raw[0] = tagEndpoint(raw[0], c.endpoint)
	}
	name, _ := json.Marshal(event)
	return c.EmitRaw("agent", append(Args{name}, raw...))
}

// Call sends an event and waits for its acknowledgement.
func (c *Conn) Call(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return c.CallRaw(ctx, event, raw)
}

// CallRaw is Call with already encoded arguments.
func (c *Conn) CallRaw(ctx context.Context, event string, args Args) (json.RawMessage, error) {
	p, err := c.Send(event, args)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Pending is an event already queued for writing whose acknowledgement
// has not been read yet.
type Pending struct {
	c  *Conn
	id uint64
	ch chan json.RawMessage
}

// Send queues event for writing and returns without waiting for the
// acknowledgement. Unlike Emit it waits for room in the send buffer.
// Frames queued by one goroutine are written in order.
func (c *Conn) Send(event string, args Args) (*Pending, error) {
	p := &Pending{c: c, id: c.nextID.Add(1), ch: make(chan json.RawMessage, 1)}

	c.mu.Lock()
	c.pending[p.id] = p.ch
	c.mu.Unlock()

	if err := c.queueFrame(Frame{Type: TypeEvent, ID: p.id, Event: event, Args: args}); err != nil {
		p.forget()
		return nil, err
	}
	return p, nil
}

// Wait blocks until the acknowledgement arrives, ctx ends or the
// connection closes.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	defer p.forget()
	select {
	case data := <-p.ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.c.done:
		return nil, ErrClosed
	}
}

func (p *Pending) forget() {
	p.c.mu.Lock()
	delete(p.c.pending, p.id)
	p.c.mu.Unlock()
}

func (c *Conn) writeFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.Close()
		return ErrClosed
	}
}

// queueFrame is writeFrame waiting for room instead of dropping the
// connection.
func (c *Conn) queueFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run pumps frames until the connection closes or ctx ends.
func (c *Conn) Run(ctx context.Context) error {
	go c.writePump()
	go c.dispatch()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	err := c.readPump()
	c.Close()
	return err
}

// Shutdown closes the connection once every frame queued before it has
// been written.
func (c *Conn) Shutdown() {
	select {
	case c.send <- nil:
	case <-c.done:
	default:
		c.Close()
	}
}

// Close closes the connection and runs the close callbacks.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.cancel()
		callbacks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.ws.Close()
		}

		for _, fn := range callbacks {
			fn()
		}
	})
}

func (c *Conn) readPump() error {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Debug("dropping malformed frame", "err", err)
			continue
		}

		switch f.Type {
		case TypeAck:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f.Data:
				default:
				}
			}
		case TypeEvent:
			select {
			case c.events <- inbound{id: f.ID, event: f.Event, args: f.Args}:
			case <-c.done:
				return nil
			}
		default:
			c.logger.Debug("dropping frame of unknown type", "type", f.Type)
		}
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case in := <-c.events:
			c.handle(in)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handle(in inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", in.event, "panic", r)
		}
	}()

	ack := c.ackFunc(in.id)

	c.mu.Lock()
	h, ok := c.handlers[in.event]
	fallback := c.fallback
	c.mu.Unlock()

	switch {
	case ok:
		h(c, in.args, ack)
	case fallback != nil:
		fallback(c, in.event, in.args, ack)
	default:
		c.logger.Debug("no handler for event", "event", in.event)
	}
}

func (c *Conn) ackFunc(id uint64) AckFunc {
	if id == 0 {
		return func(any) {}
	}
	var once sync.Once
	return func(data any) {
		once.Do(func() {
			var raw json.RawMessage
			if r, ok := data.(json.RawMessage); ok {
				raw = r
			} else {
				b, err := json.Marshal(data)
				if err != nil {
					c.logger.Error("failed to encode ack", "err", err)
					return
				}
				raw = b
			}
			if err := c.writeFrame(Frame{Type: TypeAck, ID: id, Data: raw}); err != nil {
				c.logger.Debug("ack not delivered", "err", err)
			}
		})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if msg == nil {
				c.Close()
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

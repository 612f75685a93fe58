package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/model"
	"github.com/web-casa/casastack/internal/socket"
)

// Manager owns the agent connections opened on behalf of one UI
// connection. At most one Connection exists per endpoint.
type Manager struct {
	ui     UI
	dial   DialFunc
	budget time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conns        map[string]*Connection
	firstConnect time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces socket.Dial.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithLoginBudget replaces DefaultLoginBudget.
func WithLoginBudget(d time.Duration) Option {
	return func(m *Manager) { m.budget = d }
}

// NewManager creates a Manager reporting to ui.
func NewManager(ui UI, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ui:     ui,
		dial:   socket.Dial,
		budget: DefaultLoginBudget,
		logger: logger.With("module", "agent"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a connection to the manager at url unless one to the same
// endpoint already exists. It returns without waiting for the login.
func (m *Manager) Connect(url, username, password string) error {
	endpoint, err := socket.EndpointOf(url)
	if err != nil {
		return apperr.Validation("Invalid agent URL: %s", url)
	}
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return apperr.NotConnected(endpoint)
	}
	if _, ok := m.conns[endpoint]; ok {
		m.mu.Unlock()
		m.logger.Debug("agent already connected", "endpoint", endpoint)
		return nil
	}
	if m.firstConnect.IsZero() {
		m.firstConnect = time.Now()
	}
	c := newConnection(m, endpoint, url, username, password)
	m.conns[endpoint] = c
	m.mu.Unlock()

	m.notify(endpoint, StatusConnecting, "")
	m.logger.Info("connecting to agent", "endpoint", endpoint)
	go c.run(m.ctx)
	go c.drain()
	return nil
}

// ConnectAll connects to every active agent.
func (m *Manager) ConnectAll(agents []model.Agent) {
	for _, a := range agents {
		if !a.Active {
			continue
		}
		if err := m.Connect(a.URL, a.Username, a.Password); err != nil {
			m.logger.Warn("failed to connect to agent", "url", a.URL, "err", err)
		}
	}
}

// Disconnect stops and forgets the connection to endpoint.
func (m *Manager) Disconnect(endpoint string) {
	m.mu.Lock()
	c, ok := m.conns[endpoint]
	delete(m.conns, endpoint)
	m.mu.Unlock()

	if ok {
		c.stop("")
	}
}

// DisconnectAll stops every connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.stop("")
	}
}

// Close stops every connection and fails pending emits. A closed Manager
// accepts no new connections.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.DisconnectAll()
}

// Endpoints returns the connected endpoints, sorted.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for ep := range m.conns {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

// Connection returns the connection to endpoint.
func (m *Manager) Connection(endpoint string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[endpoint]
	return c, ok
}

// loginDeadline is when emits stop waiting for a pending login.
func (m *Manager) loginDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstConnect.Add(m.budget)
}

// RelayToEndpoint queues event for the remote manager at endpoint and
// returns at once; done receives the acknowledgement or the error. Events
// relayed to one endpoint are written in the order they were queued. A
// connection still logging in is waited for until the login budget,
// counted from the first Connect of this manager, runs out.
func (m *Manager) RelayToEndpoint(ctx context.Context, endpoint, event string, args socket.Args, done func(json.RawMessage, error)) {
	m.mu.Lock()
	c, ok := m.conns[endpoint]
	m.mu.Unlock()
	if !ok {
		done(nil, apperr.NotFound("Socket client not found for endpoint %s", endpoint))
		return
	}

	ctx, cancel := mergeDone(ctx, m.ctx)
	c.enqueue(relayJob{
		ctx:   ctx,
		event: event,
		args:  args,
		done: func(data json.RawMessage, err error) {
			cancel()
			done(data, err)
		},
	})
}

// EmitToEndpoint is RelayToEndpoint waiting for the result.
func (m *Manager) EmitToEndpoint(ctx context.Context, endpoint, event string, args socket.Args) (json.RawMessage, error) {
	type reply struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan reply, 1)
	m.RelayToEndpoint(ctx, endpoint, event, args, func(data json.RawMessage, err error) {
		ch <- reply{data, err}
	})
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmitToAllEndpoints relays event to every endpoint. Each endpoint has its
// own outbox, so a slow or failing one does not hold up the others;
// failures are logged per endpoint.
func (m *Manager) EmitToAllEndpoints(ctx context.Context, event string, args socket.Args) {
	for _, ep := range m.Endpoints() {
		m.RelayToEndpoint(ctx, ep, event, args, func(_ json.RawMessage, err error) {
			if err != nil {
				m.logger.Warn("failed to emit to agent", "endpoint", ep, "event", event, "err", err)
			}
		})
	}
}

func (m *Manager) notify(endpoint, status, msg string) {
	if m.ui == nil {
		return
	}
	if err := m.ui.Emit("agentStatus", StatusEvent{Endpoint: endpoint, Status: status, Msg: msg}); err != nil {
		m.logger.Debug("agent status not delivered", "endpoint", endpoint, "err", err)
	}
}

func errNotConnected(endpoint string) error {
	return apperr.NotConnected(endpoint)
}

// mergeDone returns a context that ends when either parent ends.
func mergeDone(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

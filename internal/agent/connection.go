package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/web-casa/casastack/internal/socket"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	outboxSize = 256
)

// relayJob is one event waiting in a connection's outbox.
type relayJob struct {
	ctx   context.Context
	event string
	args  socket.Args
	done  func(json.RawMessage, error)
}

// Connection is the outbound channel to one remote manager. The same
// Connection is reused across reconnects until it is stopped.
type Connection struct {
	endpoint string
	url      string
	creds    credentials
	m        *Manager
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{}
	conn    *socket.Conn
	stopped bool
	reason  string
	cancel  context.CancelFunc
	done    chan struct{}

	// queueMu is held shared by enqueue and exclusively by drain while
	// it fails the leftovers of a stopped connection.
	queueMu sync.RWMutex
	outbox  chan relayJob
	quit    chan struct{}
}

func newConnection(m *Manager, endpoint, url, username, password string) *Connection {
	return &Connection{
		endpoint: endpoint,
		url:      url,
		creds:    credentials{Username: username, Password: password},
		m:        m,
		logger:   m.logger.With("endpoint", endpoint),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
		outbox:   make(chan relayJob, outboxSize),
		quit:     make(chan struct{}),
	}
}

// Endpoint returns the endpoint name of the remote manager.
func (c *Connection) Endpoint() string { return c.endpoint }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// stop tears the connection down for good. reason, if set, is reported to
// the UI with the offline status.
func (c *Connection) stop(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reason = reason
	conn, cancel := c.conn, c.cancel
	close(c.quit)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Connection) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// run dials, logs in and keeps reconnecting until stopped.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	backoff := minBackoff
	for {
		loggedIn := c.session(ctx)
		c.setState(StateDisconnected)

		if c.isStopped() || ctx.Err() != nil {
			c.mu.Lock()
			reason := c.reason
			c.mu.Unlock()
			c.m.notify(c.endpoint, StatusOffline, reason)
			return
		}
		c.m.notify(c.endpoint, StatusOffline, "")

		if loggedIn {
			backoff = minBackoff
		}
		c.logger.Debug("reconnecting to agent", "in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one dial-login-serve cycle and reports whether login
// succeeded.
func (c *Connection) session(ctx context.Context) bool {
	c.setState(StateConnecting)
	conn, err := c.m.dial(ctx, c.url, c.endpoint, c.m.logger)
	if err != nil {
		c.logger.Warn("failed to connect to agent", "err", err)
		return false
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	conn.On("info", c.handleInfo)
	conn.On("agent", func(_ *socket.Conn, args socket.Args, ack socket.AckFunc) {
		if err := c.m.ui.EmitRaw("agent", args); err != nil {
			c.logger.Debug("agent event not forwarded", "err", err)
		}
		ack(map[string]any{"ok": true})
	})

	go conn.Run(ctx)
	c.setState(StateConnected)

	if !c.login(ctx, conn) {
		conn.Close()
		return false
	}

	c.logger.Info("logged in to agent")
	c.setState(StateLoggedIn)
	c.m.notify(c.endpoint, StatusOnline, "")

	<-conn.Done()
	c.logger.Info("agent disconnected")
	return true
}

func (c *Connection) login(ctx context.Context, conn *socket.Conn) bool {
	lctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	data, err := conn.Call(lctx, "login", c.creds)
	if err != nil {
		if !errors.Is(err, socket.ErrClosed) || !c.isStopped() {
			c.logger.Warn("agent login failed", "err", err)
		}
		return false
	}

	var res loginResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn("malformed login response from agent", "err", err)
		return false
	}
	if !res.OK {
		c.logger.Warn("agent rejected login", "msg", res.Msg)
		c.stop(res.Msg)
		return false
	}
	return true
}

func (c *Connection) handleInfo(_ *socket.Conn, args socket.Args, _ socket.AckFunc) {
	var info struct {
		Version string `json:"version"`
	}
	if err := args.Decode(0, &info); err != nil {
		c.logger.Debug("malformed info from agent", "err", err)
		return
	}
	if info.Version == "" {
		return
	}
	if ok, known := versionSupported(info.Version); !known {
		c.logger.Warn("agent reported an unparsable version", "version", info.Version)
	} else if !ok {
		c.logger.Warn("agent version too old", "version", info.Version, "min", MinPeerVersion)
		c.stop("The remote manager version " + info.Version + " is not supported, please upgrade it to " + MinPeerVersion + " or later.")
	}
}

// versionSupported compares v against MinPeerVersion. known is false when v
// is not a semantic version.
func versionSupported(v string) (ok, known bool) {
	sv := "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
	if !semver.IsValid(sv) {
		return true, false
	}
	return semver.Compare(sv, "v"+MinPeerVersion) >= 0, true
}

// waitLoggedIn blocks until the connection is logged in, the deadline
// passes, or ctx ends.
func (c *Connection) waitLoggedIn(ctx context.Context, deadline time.Time) (*socket.Conn, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		c.mu.Lock()
		state, conn, stopped, changed := c.state, c.conn, c.stopped, c.changed
		c.mu.Unlock()

		if state == StateLoggedIn && conn != nil {
			return conn, nil
		}
		if stopped || !time.Now().Before(deadline) {
			return nil, errNotConnected(c.endpoint)
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, errNotConnected(c.endpoint)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// enqueue appends j to the outbox, waiting for room. A stopped
// connection fails j.
func (c *Connection) enqueue(j relayJob) {
	if err := c.push(j); err != nil {
		j.done(nil, err)
	}
}

func (c *Connection) push(j relayJob) error {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()

	select {
	case <-c.quit:
		return errNotConnected(c.endpoint)
	default:
	}
	select {
	case c.outbox <- j:
		return nil
	case <-c.quit:
		return errNotConnected(c.endpoint)
	case <-j.ctx.Done():
		return j.ctx.Err()
	}
}

// drain forwards queued events one at a time, so the remote receives them
// in queue order. Events still queued when the connection stops fail.
func (c *Connection) drain() {
	for {
		select {
		case j := <-c.outbox:
			c.forward(j)
		case <-c.quit:
			c.queueMu.Lock()
			defer c.queueMu.Unlock()
			for {
				select {
				case j := <-c.outbox:
					j.done(nil, errNotConnected(c.endpoint))
				default:
					return
				}
			}
		}
	}
}

// forward waits for the login, writes the frame and collects the
// acknowledgement in the background.
func (c *Connection) forward(j relayJob) {
	if err := j.ctx.Err(); err != nil {
		j.done(nil, err)
		return
	}
	conn, err := c.waitLoggedIn(j.ctx, c.m.loginDeadline())
	if err != nil {
		j.done(nil, err)
		return
	}

	head, err := socket.EncodeArgs(c.endpoint, j.event)
	if err != nil {
		j.done(nil, err)
		return
	}
	p, err := conn.Send("agent", append(head, j.args...))
	if err != nil {
		j.done(nil, c.relayError(err))
		return
	}
	go func() {
		data, err := p.Wait(j.ctx)
		if err != nil {
			j.done(nil, c.relayError(err))
			return
		}
		j.done(data, nil)
	}()
}

func (c *Connection) relayError(err error) error {
	if errors.Is(err, socket.ErrClosed) {
		return errNotConnected(c.endpoint)
	}
	return err
}

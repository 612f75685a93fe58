package agent

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/web-casa/casastack/internal/socket"
)

type uiEvent struct {
	name string
	args socket.Args
}

type fakeUI struct {
	mu     sync.Mutex
	events []uiEvent
}

func (u *fakeUI) Emit(event string, args ...any) error {
	raw, err := socket.EncodeArgs(args...)
	if err != nil {
		return err
	}
	return u.EmitRaw(event, raw)
}

func (u *fakeUI) EmitRaw(event string, args socket.Args) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, uiEvent{name: event, args: args})
	return nil
}

func (u *fakeUI) named(name string) []uiEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []uiEvent
	for _, e := range u.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (u *fakeUI) statuses(endpoint string) []StatusEvent {
	var out []StatusEvent
	for _, e := range u.named("agentStatus") {
		var s StatusEvent
		if e.args.Decode(0, &s) == nil && s.Endpoint == endpoint {
			out = append(out, s)
		}
	}
	return out
}

func (u *fakeUI) lastStatus(endpoint string) StatusEvent {
	s := u.statuses(endpoint)
	if len(s) == 0 {
		return StatusEvent{}
	}
	return s[len(s)-1]
}

// peer is a remote manager answering login and the agent envelope.
type peer struct {
	srv      *httptest.Server
	hub      *socket.Hub
	version  string
	password string
	release  chan struct{}

	mu        sync.Mutex
	received  []string
	inputs    []string
	endpoints []string
	logins    int
}

type peerOption func(*peer)

func withVersion(v string) peerOption { return func(p *peer) { p.version = v } }

func withHeldLogin(ch chan struct{}) peerOption { return func(p *peer) { p.release = ch } }

func newPeer(t *testing.T, opts ...peerOption) *peer {
	t.Helper()
	p := &peer{version: "1.5.0", password: "secret1", hub: socket.NewHub(nil)}
	for _, opt := range opts {
		opt(p)
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(func() {
		p.hub.CloseAll()
		p.srv.Close()
	})
	return p
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	c, err := p.hub.Upgrade(w, r)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.endpoints = append(p.endpoints, c.Endpoint())
	p.mu.Unlock()

	c.On("login", func(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
		var cr credentials
		args.Decode(0, &cr)
		go func() {
			if p.release != nil {
				select {
				case <-p.release:
				case <-c.Done():
					return
				}
			}
			p.mu.Lock()
			p.logins++
			p.mu.Unlock()
			if cr.Password != p.password {
				ack(map[string]any{"ok": false, "msg": "Incorrect username or password."})
				return
			}
			ack(map[string]any{"ok": true, "token": "t"})
		}()
	})
	c.On("agent", func(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
		event := args.String(1)
		p.mu.Lock()
		p.received = append(p.received, event)
		if event == "terminalInput" {
			p.inputs = append(p.inputs, args.String(3))
		}
		p.mu.Unlock()
		if event != "terminalInput" {
			c.EmitAgent("stackList", map[string]any{"ok": true})
		}
		ack(map[string]any{"ok": true, "event": event, "target": args.String(0)})
	})
	if p.version != "" {
		c.Emit("info", map[string]any{"version": p.version})
	}
	c.Run(r.Context())
}

func (p *peer) url() string { return p.srv.URL }

func (p *peer) endpoint() string {
	ep, _ := socket.EndpointOf(p.srv.URL)
	return ep
}

func (p *peer) receivedEvents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func (p *peer) receivedInputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs...)
}

func (p *peer) headerEndpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.endpoints...)
}

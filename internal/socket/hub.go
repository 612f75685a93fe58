package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EndpointHeader carries the endpoint name a manager uses for the peer it
// connects to.
const EndpointHeader = "endpoint"

// Path is where the event socket is served.
const Path = "/socket.io/"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients, including agents
		}
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

// Hub tracks every server-side connection.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger.With("module", "socket"), conns: make(map[string]*Conn)}
}

// Upgrade accepts a websocket request and registers the connection. The
// connection is removed from the hub when it closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	c := NewConn(ws, r.Header.Get(EndpointHeader), h.logger)

	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	c.OnClose(func() {
		h.mu.Lock()
		delete(h.conns, c.ID())
		h.mu.Unlock()
	})
	return c, nil
}

// Conns returns a snapshot of the live connections.
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	for _, c := range h.Conns() {
		c.Close()
	}
}

// Dial connects to the event socket of the manager at baseURL, announcing
// endpoint as the name this side uses for it.
func Dial(ctx context.Context, baseURL, endpoint string, logger *slog.Logger) (*Conn, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(EndpointHeader, endpoint)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return NewConn(ws, endpoint, logger.With("module", "socket", "endpoint", endpoint)), nil
}

// WebSocketURL turns a manager URL such as https://host:5001 into the
// websocket URL of its event socket.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", baseURL)
	}
	u.Path = Path
	u.RawQuery = ""
	return u.String(), nil
}

// EndpointOf returns the endpoint name (host:port) of a manager URL.
func EndpointOf(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", baseURL)
	}
	return u.Host, nil
}

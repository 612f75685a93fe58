package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web-casa/casastack/internal/agent"
	"github.com/web-casa/casastack/internal/auth"
	"github.com/web-casa/casastack/internal/config"
	"github.com/web-casa/casastack/internal/database"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/process"
	"github.com/web-casa/casastack/internal/settings"
	"github.com/web-casa/casastack/internal/socket"
	"github.com/web-casa/casastack/internal/stack"
	"github.com/web-casa/casastack/internal/terminal"
)

const (
	testUser     = "admin"
	testPassword = "secret1"
	callTimeout  = 5 * time.Second
)

const fakeDockerScript = `#!/bin/sh
cmd=""
for a in "$@"; do
  case "$a" in
    ls|up|down|stop|restart|pull|ps|logs|exec)
      if [ -z "$cmd" ]; then cmd="$a"; fi ;;
  esac
done
case "$cmd" in
  ls)
    if [ -f "$FAKE_DOCKER_STATE" ]; then cat "$FAKE_DOCKER_STATE"; else echo "[]"; fi ;;
  up)
    printf '[{"Name":"%s","Status":"running(1)","ConfigFiles":"%s/compose.yaml"}]\n' "$(basename "$PWD")" "$PWD" > "$FAKE_DOCKER_STATE"
    echo "Container started" ;;
  down)
    rm -f "$FAKE_DOCKER_STATE"
    echo "Container removed" ;;
  ps)
    echo '{"Service":"web","State":"running","Health":"","Ports":"0.0.0.0:80->80/tcp"}' ;;
  *)
    echo "$cmd done" ;;
esac
`

type testEnv struct {
	server *Server
	http   *httptest.Server
	db     *gorm.DB
	cfg    *config.Config
	auth   *auth.Service
	root   string
}

func (e *testEnv) url() string { return e.http.URL }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newFakeDocker(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(bin, []byte(fakeDockerScript), 0o755))
	t.Setenv("FAKE_DOCKER_STATE", filepath.Join(dir, "state.json"))
	return bin
}

// newTestEnv starts a manager on an httptest server. The admin user is
// created unless setup is false.
func newTestEnv(t *testing.T, setup bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupTestDB(t)
	st := settings.NewStore(db)
	authSvc := auth.NewService(db, st, nil)
	t.Cleanup(authSvc.Close)
	if setup {
		_, err := authSvc.Setup(testUser, testPassword)
		require.NoError(t, err)
	}

	root := t.TempDir()
	terms := terminal.NewRegistry(nil)
	cfg := &config.Config{StacksDir: root}
	srv := New(Deps{
		Config:    cfg,
		Auth:      authSvc,
		Settings:  st,
		Stacks:    stack.NewRegistry(root, newFakeDocker(t), process.NewExecRunner(nil), terms, st, nil),
		Terminals: terms,
		Agents:    agent.NewStore(db, nil, nil),
		Bus:       eventbus.New(nil),
	})
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{server: srv, http: ts, db: db, cfg: cfg, auth: authSvc, root: root}
}

type received struct {
	name string
	args socket.Args
}

// client is a browser-side socket connection recording what it is sent.
type client struct {
	t    *testing.T
	conn *socket.Conn

	mu     sync.Mutex
	events []received
}

func dialClient(t *testing.T, baseURL string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	conn, err := socket.Dial(ctx, baseURL, "", nil)
	require.NoError(t, err)

	cl := &client{t: t, conn: conn}
	conn.OnAny(func(c *socket.Conn, event string, args socket.Args, ack socket.AckFunc) {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		cl.events = append(cl.events, received{name: event, args: args})
	})
	go conn.Run(context.Background())
	t.Cleanup(conn.Close)
	return cl
}

// call sends event and decodes the acknowledgement.
func (cl *client) call(event string, args ...any) map[string]any {
	cl.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	raw, err := cl.conn.Call(ctx, event, args...)
	require.NoError(cl.t, err)
	var out map[string]any
	require.NoError(cl.t, json.Unmarshal(raw, &out), string(raw))
	return out
}

// agentCall sends event through the proxy envelope to endpoint.
func (cl *client) agentCall(endpoint, event string, args ...any) map[string]any {
	cl.t.Helper()
	return cl.call("agent", append([]any{endpoint, event}, args...)...)
}

func (cl *client) login() {
	cl.t.Helper()
	res := cl.call("login", map[string]string{"username": testUser, "password": testPassword})
	require.Equal(cl.t, true, res["ok"], res)
}

func (cl *client) named(name string) []received {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var out []received
	for _, e := range cl.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// agentEvents returns the first argument of every proxied event called
// name.
func (cl *client) agentEvents(name string) []map[string]any {
	var out []map[string]any
	for _, e := range cl.named("agent") {
		var event string
		if e.args.Decode(0, &event) != nil || event != name {
			continue
		}
		var payload map[string]any
		if e.args.Decode(1, &payload) == nil {
			out = append(out, payload)
		}
	}
	return out
}

func (cl *client) waitFor(cond func() bool) {
	cl.t.Helper()
	require.Eventually(cl.t, cond, callTimeout, 20*time.Millisecond)
}

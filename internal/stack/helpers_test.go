package stack

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/web-casa/casastack/internal/process"
	"github.com/web-casa/casastack/internal/terminal"
)

type fakeRunner struct {
	out   string
	code  int
	err   error
	calls atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (process.Result, error) {
	f.calls.Add(1)
	return process.Result{Stdout: []byte(f.out), Code: f.code}, f.err
}

type mapSettings struct {
	mu     sync.Mutex
	values map[string]bool
}

func (m *mapSettings) GetBool(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

type recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *recorder) ID() string       { return "test-sub" }
func (r *recorder) Endpoint() string { return "" }

func (r *recorder) EmitAgent(event string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == "terminalWrite" {
		r.writes = append(r.writes, args[1].(string))
	}
	return nil
}

const fakeDockerScript = `#!/bin/sh
if [ -n "$FAKE_DOCKER_LOG" ]; then
  echo "$@" >> "$FAKE_DOCKER_LOG"
fi
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
    echo "Container removed"
    exit "${FAKE_DOCKER_DOWN_EXIT:-0}" ;;
  ps)
    echo '{"Service":"web","State":"running","Health":"","Ports":"0.0.0.0:80->80/tcp, :::80->80/tcp"}'
    echo '{"Service":"db","State":"running","Health":"healthy","Ports":""}' ;;
  *)
    echo "$cmd done" ;;
esac
`

// newFakeDocker installs the fake docker binary and points its state at a
// temp dir. It returns the binary path.
func newFakeDocker(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(fakeDockerScript), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	t.Setenv("FAKE_DOCKER_STATE", filepath.Join(dir, "state.json"))
	return bin
}

func newTestRegistry(t *testing.T, root string, settings Settings) *Registry {
	t.Helper()
	bin := newFakeDocker(t)
	return NewRegistry(root, bin, process.NewExecRunner(nil), terminal.NewRegistry(nil), settings, nil)
}

func writeStack(t *testing.T, root, name, file string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte("services:\n  web:\n    image: nginx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

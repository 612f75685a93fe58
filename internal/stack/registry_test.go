package stack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/terminal"
)

func newRunnerRegistry(root string, runner *fakeRunner) *Registry {
	return NewRegistry(root, "docker", runner, terminal.NewRegistry(nil), nil, nil)
}

func TestReconcileMergesDaemonAndFilesystem(t *testing.T) {
	root := t.TempDir()
	external := t.TempDir()
	writeStack(t, root, "web", "compose.yaml")
	writeStack(t, root, "api", "docker-compose.yml")
	writeStack(t, filepath.Join(root, "group"), "nested", "compose.yml")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{out: `[
		{"Name":"api","Status":"exited(1), running(1)","ConfigFiles":"` + filepath.Join(root, "api", "docker-compose.yml") + `"},
		{"Name":"legacy","Status":"running(2)","ConfigFiles":"` + filepath.Join(external, "compose.yaml") + `,` + filepath.Join(external, "override.yaml") + `"}
	]`}
	reg := newRunnerRegistry(root, runner)

	stacks, err := reg.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(stacks) != 4 {
		t.Fatalf("expected 4 stacks, got %v", SortedNames(stacks))
	}

	if s := stacks["api"]; s.Status != StatusExited || s.ComposeFileName != "docker-compose.yml" || !s.Managed {
		t.Errorf("api = %+v", s)
	}
	if s := stacks["legacy"]; s.Status != StatusRunning || s.Path != external || s.Managed {
		t.Errorf("legacy = %+v", s)
	}
	if s := stacks["web"]; s.Status != StatusUnknown || s.ComposeFileName != "compose.yaml" {
		t.Errorf("web = %+v", s)
	}
	if s := stacks["nested"]; s.Status != StatusUnknown || s.ComposeFileName != "compose.yml" {
		t.Errorf("nested = %+v", s)
	}
	if _, ok := stacks["empty"]; ok {
		t.Error("directory without compose file must not be a stack")
	}
}

func TestReconcileSkipsNameCollision(t *testing.T) {
	root := t.TempDir()
	writeStack(t, filepath.Join(root, "a"), "web", "compose.yaml")
	writeStack(t, filepath.Join(root, "b"), "web", "compose.yaml")

	reg := newRunnerRegistry(root, &fakeRunner{out: "[]"})
	stacks, err := reg.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(stacks) != 1 {
		t.Fatalf("expected the duplicate to be skipped, got %d stacks", len(stacks))
	}
	if got := stacks["web"].Path; got != filepath.Join(root, "a", "web") {
		t.Errorf("first seen stack must win, got %s", got)
	}
}

func TestReconcileSurvivesDaemonFailure(t *testing.T) {
	root := t.TempDir()
	writeStack(t, root, "web", "compose.yaml")

	for name, runner := range map[string]*fakeRunner{
		"bad json":  {out: "{not json"},
		"exit code": {out: "", code: 1},
		"no binary": {err: errors.New("exec: docker: not found"), code: 1},
	} {
		t.Run(name, func(t *testing.T) {
			reg := newRunnerRegistry(root, runner)
			stacks, err := reg.Reconcile(context.Background(), false)
			if err != nil {
				t.Fatalf("reconcile must not fail: %v", err)
			}
			if _, ok := stacks["web"]; !ok || len(stacks) != 1 {
				t.Fatalf("filesystem stacks must survive, got %v", SortedNames(stacks))
			}
		})
	}
}

func TestReconcileSurvivesMissingRoot(t *testing.T) {
	runner := &fakeRunner{out: `{"Name":"db","Status":"running(1)","ConfigFiles":"/srv/db/compose.yaml"}`}
	reg := newRunnerRegistry(filepath.Join(t.TempDir(), "missing"), runner)

	stacks, err := reg.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if s, ok := stacks["db"]; !ok || s.Status != StatusRunning {
		t.Fatalf("line-delimited daemon output must be parsed, got %v", stacks)
	}
}

func TestReconcileUsesCache(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{out: "[]"}
	reg := newRunnerRegistry(root, runner)

	if _, err := reg.Reconcile(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	writeStack(t, root, "late", "compose.yaml")
	stacks, _ := reg.Reconcile(context.Background(), true)
	if runner.calls.Load() != 1 {
		t.Errorf("cached reconcile must not query the daemon, calls = %d", runner.calls.Load())
	}
	if _, ok := stacks["late"]; ok {
		t.Error("cached result must be returned unchanged")
	}

	stacks, _ = reg.Reconcile(context.Background(), false)
	if _, ok := stacks["late"]; !ok {
		t.Error("fresh reconcile must see the new stack")
	}
}

func TestGetStack(t *testing.T) {
	root := t.TempDir()
	dir := writeStack(t, root, "web", "compose.yaml")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("A=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := newRunnerRegistry(root, &fakeRunner{out: "[]"})
	ctx := context.Background()

	s, err := reg.GetStack(ctx, "web", false)
	if err != nil {
		t.Fatalf("GetStack: %v", err)
	}
	if s.ComposeENV != "A=1\n" || s.ComposeYAML == "" {
		t.Errorf("documents not loaded: %+v", s)
	}

	if _, err := reg.GetStack(ctx, "nope", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetStack(ctx, "web", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("removed directory must be not found, got %v", err)
	}

	stub, err := reg.GetStack(ctx, "ghost", true)
	if err != nil {
		t.Fatalf("skip check must not fail: %v", err)
	}
	if stub.Path != filepath.Join(reg.Root(), "ghost") || stub.Status != StatusUnknown {
		t.Errorf("unexpected stub %+v", stub)
	}

	// The fast path never looks at the directory, even when it holds a
	// compose file under another accepted name.
	writeStack(t, root, "legacy", "docker-compose.yml")
	stub, err = reg.GetStack(ctx, "legacy", true)
	if err != nil {
		t.Fatalf("skip check must not fail: %v", err)
	}
	if stub.ComposeFileName != "compose.yaml" {
		t.Errorf("stub compose file = %q, want the default name", stub.ComposeFileName)
	}
	if got := reg.New("legacy", "", "").ComposeFileName; got != "docker-compose.yml" {
		t.Errorf("New compose file = %q, want the existing file", got)
	}
}

func TestStackListRefreshesStatus(t *testing.T) {
	root := t.TempDir()
	writeStack(t, root, "web", "compose.yaml")
	runner := &fakeRunner{out: "[]"}
	reg := newRunnerRegistry(root, runner)

	if _, err := reg.Reconcile(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	runner.out = `[{"Name":"web","Status":"running(1)","ConfigFiles":"` + filepath.Join(root, "web", "compose.yaml") + `"}]`

	stacks, err := reg.StackList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stacks["web"].Status != StatusRunning {
		t.Errorf("status = %v, want running", stacks["web"].Status)
	}
}

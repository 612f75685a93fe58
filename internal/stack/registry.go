// Package stack discovers compose stacks on disk and in the container
// daemon, and drives their lifecycle through terminal sessions.
package stack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/process"
	"github.com/web-casa/casastack/internal/terminal"
)

// maxScanDepth bounds the recursive stacks root scan.
const maxScanDepth = 8

// Settings is the read side of the manager-wide settings store.
type Settings interface {
	GetBool(key string) bool
}

// Registry reconciles the daemon's compose projects with the stacks root
// and caches the result.
type Registry struct {
	root      string
	dockerBin string
	runner    process.Runner
	terminals *terminal.Registry
	settings  Settings
	logger    *slog.Logger

	mu     sync.Mutex
	cache  map[string]*Stack
	cached bool
	busy   map[string]struct{}
}

// NewRegistry creates a registry rooted at root. dockerBin defaults to
// "docker" and settings may be nil.
func NewRegistry(root, dockerBin string, runner process.Runner, terminals *terminal.Registry, settings Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Registry{
		root:      root,
		dockerBin: dockerBin,
		runner:    runner,
		terminals: terminals,
		settings:  settings,
		logger:    logger.With("module", "stack"),
		busy:      make(map[string]struct{}),
	}
}

// Root returns the absolute stacks root.
func (r *Registry) Root() string { return r.root }

func (r *Registry) globalEnvDisabled() bool {
	return r.settings != nil && r.settings.GetBool(SettingDisableGlobalEnv)
}

// composeProject is one entry of `docker compose ls --format json`.
type composeProject struct {
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ConfigFiles string `json:"ConfigFiles"`
}

// Reconcile returns every known stack. With useCache and a previous
// result, nothing is queried. A failing source is logged and contributes
// no stacks.
func (r *Registry) Reconcile(ctx context.Context, useCache bool) (map[string]*Stack, error) {
	if useCache {
		r.mu.Lock()
		if r.cached {
			out := copyStacks(r.cache)
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stacks := make(map[string]*Stack)
	known := newPathTree()

	projects, err := r.listProjects(ctx)
	if err != nil {
		r.logger.Warn("failed to list compose projects", "err", err)
	}
	for _, p := range projects {
		s := r.stackFromProject(p)
		stacks[s.Name] = s
		known.Insert(s.Path)
	}

	r.scan(r.root, 0, known, stacks)

	r.mu.Lock()
	r.cache = stacks
	r.cached = true
	r.mu.Unlock()

	return copyStacks(stacks), nil
}

// StackList returns the cached stacks with statuses refreshed from the
// daemon. Projects the cache does not know yet are added.
func (r *Registry) StackList(ctx context.Context) (map[string]*Stack, error) {
	stacks, err := r.Reconcile(ctx, true)
	if err != nil {
		return nil, err
	}
	projects, err := r.listProjects(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh stack statuses", "err", err)
		return stacks, nil
	}
	for _, p := range projects {
		if s, ok := stacks[p.Name]; ok {
			s.Status = StatusFromDaemonString(p.Status)
			continue
		}
		s := r.stackFromProject(p)
		stacks[s.Name] = s
	}
	return stacks, nil
}

// Invalidate drops the cached reconciliation result.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
	r.cached = false
}

// GetStack returns the named stack. With skipFSCheck, a cached entry is
// returned as is, or a stub under the stacks root is built without
// touching the filesystem. Otherwise the stack must be known and its
// directory must exist.
func (r *Registry) GetStack(ctx context.Context, name string, skipFSCheck bool) (*Stack, error) {
	if skipFSCheck {
		r.mu.Lock()
		s, ok := r.cache[name]
		r.mu.Unlock()
		if ok {
			c := *s
			return &c, nil
		}
		return r.stub(name), nil
	}

	stacks, err := r.Reconcile(ctx, true)
	if err != nil {
		return nil, err
	}
	s, ok := stacks[name]
	if !ok {
		if stacks, err = r.Reconcile(ctx, false); err != nil {
			return nil, err
		}
		s, ok = stacks[name]
	}
	if !ok {
		return nil, apperr.NotFound("Stack not found")
	}

	fi, err := os.Stat(s.Path)
	if err != nil || !fi.IsDir() {
		return nil, apperr.NotFound("Stack not found")
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds an unsaved managed stack for save. An existing compose file
// under the stack directory keeps its name.
func (r *Registry) New(name, composeYAML, composeENV string) *Stack {
	s := r.stub(name)
	if file := findComposeFile(s.Path); file != "" {
		s.ComposeFileName = file
	}
	s.ComposeYAML = composeYAML
	s.ComposeENV = composeENV
	return s
}

// stub points at the conventional path with the default compose file
// name. It does not touch the filesystem.
func (r *Registry) stub(name string) *Stack {
	return r.newStack(name, filepath.Join(r.root, name), AcceptedComposeFileNames[0], StatusUnknown)
}

func (r *Registry) newStack(name, dir, file string, status Status) *Stack {
	return &Stack{
		Name:            name,
		Status:          status,
		Path:            dir,
		ComposeFileName: file,
		Managed:         r.isManaged(dir),
		reg:             r,
	}
}

func (r *Registry) stackFromProject(p composeProject) *Stack {
	configFile := strings.TrimSpace(strings.Split(p.ConfigFiles, ",")[0])
	dir := filepath.Join(r.root, p.Name)
	file := AcceptedComposeFileNames[0]
	if configFile != "" {
		dir = filepath.Dir(configFile)
		file = filepath.Base(configFile)
	}
	return r.newStack(p.Name, dir, file, StatusFromDaemonString(p.Status))
}

func (r *Registry) isManaged(dir string) bool {
	rel, err := filepath.Rel(r.root, dir)
	if err != nil || rel == "." {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

func (r *Registry) listProjects(ctx context.Context) ([]composeProject, error) {
	res, err := r.runner.Run(ctx, r.root, r.dockerBin, "compose", "ls", "--all", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("compose ls: %w", err)
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("compose ls exited with code %d: %s", res.Code, strings.TrimSpace(string(res.Stderr)))
	}
	return parseProjects(res.Stdout)
}

// parseProjects accepts a JSON array or one JSON object per line.
func parseProjects(out []byte) ([]composeProject, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var projects []composeProject
		if err := json.Unmarshal(trimmed, &projects); err != nil {
			return nil, fmt.Errorf("parse compose ls output: %w", err)
		}
		return projects, nil
	}

	var projects []composeProject
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var p composeProject
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("parse compose ls output: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// scan registers every directory below dir that holds an accepted compose
// file and is not already known. It does not descend into stack
// directories.
func (r *Registry) scan(dir string, depth int, known *pathTree, stacks map[string]*Stack) {
	if depth >= maxScanDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("failed to scan stacks directory", "dir", dir, "err", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if known.Contains(sub) {
			continue
		}
		file := findComposeFile(sub)
		if file == "" {
			r.scan(sub, depth+1, known, stacks)
			continue
		}
		name := e.Name()
		if existing, taken := stacks[name]; taken {
			r.logger.Warn("skipping stack with duplicate name", "name", name, "dir", sub, "existing", existing.Path)
			continue
		}
		stacks[name] = r.newStack(name, sub, file, StatusUnknown)
		known.Insert(sub)
	}
}

// acquire marks name busy until release is called.
func (r *Registry) acquire(name string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busy[name]; ok {
		return nil, apperr.Busy("Another operation on stack %s is in progress, please try again later.", name)
	}
	r.busy[name] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.busy, name)
		r.mu.Unlock()
	}, nil
}

// refreshStatus asks the daemon for the current status of one stack.
func (r *Registry) refreshStatus(ctx context.Context, name string) Status {
	projects, err := r.listProjects(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh stack status", "stack", name, "err", err)
		return StatusUnknown
	}
	for _, p := range projects {
		if p.Name == name {
			return StatusFromDaemonString(p.Status)
		}
	}
	return StatusUnknown
}

func copyStacks(in map[string]*Stack) map[string]*Stack {
	out := make(map[string]*Stack, len(in))
	for name, s := range in {
		c := *s
		out[name] = &c
	}
	return out
}

// SortedNames returns the keys of stacks in order.
func SortedNames(stacks map[string]*Stack) []string {
	names := make([]string, 0, len(stacks))
	for name := range stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/terminal"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Stack is one compose project.
type Stack struct {
	Name            string
	Status          Status
	ComposeYAML     string
	ComposeENV      string
	Path            string
	ComposeFileName string
	// Managed is true when Path lies under the stacks root.
	Managed bool

	reg *Registry
}

// Simple is the list entry pushed to clients.
type Simple struct {
	Name            string   `json:"name"`
	Status          Status   `json:"status"`
	Tags            []string `json:"tags"`
	IsManagedByMe   bool     `json:"isManagedByDockge"`
	ComposeFileName string   `json:"composeFileName"`
	Endpoint        string   `json:"endpoint"`
}

// Full is the detail view returned by getStack.
type Full struct {
	Simple
	ComposeYAML string `json:"composeYAML"`
	ComposeENV  string `json:"composeENV"`
	PrimaryHost string `json:"primaryHostname"`
}

// ToSimple renders the list entry as seen from endpoint.
func (s *Stack) ToSimple(endpoint string) Simple {
	return Simple{
		Name:            s.Name,
		Status:          s.Status,
		Tags:            []string{},
		IsManagedByMe:   s.Managed,
		ComposeFileName: s.ComposeFileName,
		Endpoint:        endpoint,
	}
}

// ToFull renders the detail view.
func (s *Stack) ToFull(endpoint, primaryHostname string) Full {
	return Full{
		Simple:      s.ToSimple(endpoint),
		ComposeYAML: s.ComposeYAML,
		ComposeENV:  s.ComposeENV,
		PrimaryHost: primaryHostname,
	}
}

func (s *Stack) composePath() string {
	return filepath.Join(s.Path, s.ComposeFileName)
}

func (s *Stack) envPath() string {
	return filepath.Join(s.Path, localEnvFileName)
}

// load reads the compose and env documents from disk. A missing env file
// leaves ComposeENV empty.
func (s *Stack) load() error {
	data, err := os.ReadFile(s.composePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read compose file: %w", err)
	}
	s.ComposeYAML = string(data)

	env, err := os.ReadFile(s.envPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read env file: %w", err)
	}
	s.ComposeENV = string(env)
	return nil
}

// Validate checks the name and both documents.
func (s *Stack) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return apperr.Validation("Stack name can only contain [a-z][0-9] _ - only")
	}

	var doc any
	if err := yaml.Unmarshal([]byte(s.ComposeYAML), &doc); err != nil {
		return apperr.Validation("Invalid compose file: %v", err)
	}

	var lines []string
	for _, line := range strings.Split(s.ComposeENV, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 1 && !strings.Contains(lines[0], "=") {
		return apperr.Validation("Invalid .env format")
	}
	return nil
}

// Save validates the stack and writes its documents. When isAdd is set
// the directory must not exist yet; otherwise it must.
func (s *Stack) Save(isAdd bool) error {
	if err := s.Validate(); err != nil {
		return err
	}

	_, statErr := os.Stat(s.Path)
	exists := statErr == nil
	if isAdd {
		if exists {
			return apperr.Validation("Stack name already exists")
		}
		if err := os.MkdirAll(s.Path, 0o755); err != nil {
			return fmt.Errorf("create stack directory: %w", err)
		}
	} else if !exists {
		return apperr.NotFound("Stack not found")
	}

	if err := os.WriteFile(s.composePath(), []byte(s.ComposeYAML), 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	if fileExists(s.envPath()) || strings.TrimSpace(s.ComposeENV) != "" {
		if err := os.WriteFile(s.envPath(), []byte(s.ComposeENV), 0o644); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
	}

	if s.reg != nil {
		s.reg.Invalidate()
	}
	return nil
}

func endpointOf(sub terminal.Subscriber) string {
	if sub == nil {
		return ""
	}
	return sub.Endpoint()
}

// compose runs one compose subcommand in the stack's compose terminal and
// maps a non-zero exit to a process failure for action.
func (s *Stack) compose(ctx context.Context, sub terminal.Subscriber, action string, command string, extra ...string) error {
	name := terminal.ComposeName(endpointOf(sub), s.Name)
	spec := terminal.Spec{
		File: s.reg.dockerBin,
		Args: s.composeArgs(command, extra...),
		Dir:  s.Path,
		Cols: terminal.Cols,
	}

	code, err := s.reg.terminals.Exec(ctx, name, spec, sub)
	if err != nil {
		if errors.Is(err, apperr.ErrBusy) || ctx.Err() != nil {
			return err
		}
		s.reg.logger.Error("compose command failed to start", "stack", s.Name, "action", action, "err", err)
		return apperr.ProcessFailure(action)
	}
	if code != 0 {
		s.reg.logger.Info("compose command failed", "stack", s.Name, "action", action, "code", code)
		return apperr.ProcessFailure(action)
	}
	return nil
}

// locked runs fn while holding the stack's operation lock.
func (s *Stack) locked(fn func() error) error {
	release, err := s.reg.acquire(s.Name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Deploy brings the stack up.
func (s *Stack) Deploy(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		return s.compose(ctx, sub, "deploy", "up", "-d", "--remove-orphans")
	})
}

// Start brings the stack up.
func (s *Stack) Start(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		return s.compose(ctx, sub, "start", "up", "-d", "--remove-orphans")
	})
}

// Stop stops every service without removing containers.
func (s *Stack) Stop(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		return s.compose(ctx, sub, "stop", "stop")
	})
}

// Restart restarts every service.
func (s *Stack) Restart(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		return s.compose(ctx, sub, "restart", "restart")
	})
}

// Down removes the stack's containers and networks.
func (s *Stack) Down(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		return s.compose(ctx, sub, "down", "down")
	})
}

// Update pulls images, then brings the stack up again only if it is
// running.
func (s *Stack) Update(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		if err := s.compose(ctx, sub, "update", "pull"); err != nil {
			return err
		}
		s.Status = s.reg.refreshStatus(ctx, s.Name)
		if s.Status != StatusRunning {
			return nil
		}
		return s.compose(ctx, sub, "update", "up", "-d", "--remove-orphans")
	})
}

// Delete takes the stack down and removes its directory. The directory
// is kept when the down step fails, and is never removed for stacks
// outside the stacks root.
func (s *Stack) Delete(ctx context.Context, sub terminal.Subscriber) error {
	return s.locked(func() error {
		if err := s.compose(ctx, sub, "delete", "down", "--remove-orphans"); err != nil {
			return err
		}
		if !s.Managed {
			s.reg.logger.Info("leaving unmanaged stack directory in place", "stack", s.Name, "dir", s.Path)
			s.reg.Invalidate()
			return nil
		}
		if err := os.RemoveAll(s.Path); err != nil {
			return fmt.Errorf("remove stack directory: %w", err)
		}
		s.reg.Invalidate()
		return nil
	})
}

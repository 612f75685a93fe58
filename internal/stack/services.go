package stack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/terminal"
)

// ServiceStatus is the state of one compose service.
type ServiceStatus struct {
	State string   `json:"state"`
	Ports []string `json:"ports"`
}

type composeService struct {
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
	Ports   string `json:"Ports"`
}

// ServiceStatusList returns the state of every service of the stack,
// keyed by service name. Health wins over State when reported.
func (s *Stack) ServiceStatusList(ctx context.Context) (map[string]ServiceStatus, error) {
	res, err := s.reg.runner.Run(ctx, s.Path, s.reg.dockerBin, s.composeArgs("ps", "--format", "json")...)
	if err != nil {
		return nil, fmt.Errorf("compose ps: %w", err)
	}
	if res.Code != 0 {
		return nil, apperr.ProcessFailure("get the service status list")
	}
	services, err := parseServices(res.Stdout, s.reg.logger)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ServiceStatus, len(services))
	for _, svc := range services {
		state := svc.State
		if svc.Health != "" {
			state = svc.Health
		}
		ports := []string{}
		for _, p := range strings.Split(svc.Ports, ",") {
			if p = strings.TrimSpace(p); p != "" {
				ports = append(ports, p)
			}
		}
		out[svc.Service] = ServiceStatus{State: state, Ports: ports}
	}
	return out, nil
}

// parseServices accepts a JSON array or one object per line. Lines that do
// not parse are logged and skipped.
func parseServices(out []byte, logger *slog.Logger) ([]composeService, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var services []composeService
		if err := json.Unmarshal(trimmed, &services); err != nil {
			return nil, fmt.Errorf("parse compose ps output: %w", err)
		}
		return services, nil
	}
	var services []composeService
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) == 0 {
			continue
		}
		var svc composeService
		if err := json.Unmarshal(line, &svc); err != nil {
			logger.Warn("skipping unparsable compose ps line", "line", string(line), "err", err)
			continue
		}
		services = append(services, svc)
	}
	return services, nil
}

// JoinCombinedTerminal subscribes sub to the stack's log-follow session,
// starting it if needed. A finished log session is replaced.
func (s *Stack) JoinCombinedTerminal(sub terminal.Subscriber) error {
	name := terminal.CombinedName(endpointOf(sub), s.Name)
	terminals := s.reg.terminals

	if existing, ok := terminals.Get(name); ok && existing.State() == terminal.StateTerminated {
		terminals.Discard(name)
	}

	sess, _, err := terminals.GetOrCreate(name, terminal.Spec{
		File: s.reg.dockerBin,
		Args: s.composeArgs("logs", "-f", "--tail", "100"),
		Dir:  s.Path,
		Rows: terminal.CombinedRows,
		Cols: terminal.CombinedCols,
		Variant: terminal.Variant{
			Kind:      terminal.KindComposeAction,
			KeepAlive: true,
		},
	})
	if err != nil {
		return fmt.Errorf("start combined terminal: %w", err)
	}
	sess.Join(sub)
	return nil
}

// LeaveCombinedTerminal unsubscribes sub from the log-follow session.
func (s *Stack) LeaveCombinedTerminal(sub terminal.Subscriber) error {
	name := terminal.CombinedName(endpointOf(sub), s.Name)
	if _, ok := s.reg.terminals.Get(name); !ok {
		return nil
	}
	return s.reg.terminals.Leave(name, sub.ID())
}

// JoinContainerTerminal subscribes sub to an interactive shell in one
// replica of service. Replica indexes above zero select --index.
func (s *Stack) JoinContainerTerminal(sub terminal.Subscriber, service, shell string, index int) (string, error) {
	if service == "" {
		return "", apperr.Validation("Service name is required")
	}
	if shell == "" {
		shell = "sh"
	}
	name := terminal.ContainerExecName(endpointOf(sub), s.Name, service, index)

	extra := []string{}
	if index > 0 {
		extra = append(extra, "--index", strconv.Itoa(index))
	}
	extra = append(extra, service, shell)

	sess, _, err := s.reg.terminals.GetOrCreate(name, terminal.Spec{
		File:    s.reg.dockerBin,
		Args:    s.composeArgs("exec", extra...),
		Dir:     s.Path,
		Rows:    terminal.Rows,
		Cols:    terminal.Cols,
		Variant: terminal.Variant{Kind: terminal.KindContainerExec},
	})
	if err != nil {
		return "", fmt.Errorf("start container terminal: %w", err)
	}
	sess.Join(sub)
	return name, nil
}

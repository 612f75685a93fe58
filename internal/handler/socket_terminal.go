package handler

import (
	"os/exec"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/socket"
	"github.com/web-casa/casastack/internal/terminal"
)

func (s *Server) registerTerminalEvents() {
	s.router.Handle("terminalInput", s.onTerminalInput)
	s.router.Handle("mainTerminal", s.onMainTerminal)
	s.router.Handle("checkMainTerminal", s.onCheckMainTerminal)
	s.router.Handle("interactiveTerminal", s.async(s.onInteractiveTerminal))
	s.router.Handle("terminalJoin", s.onTerminalJoin)
	s.router.Handle("leaveCombinedTerminal", s.async(s.onLeaveCombinedTerminal))
	s.router.Handle("terminalResize", s.onTerminalResize)
}

func (s *Server) onTerminalInput(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	name, err := stringArg(args, 0, "Terminal name")
	if err != nil {
		replyError(s.logger, ack, "terminalInput", err)
		return
	}
	input, err := stringArg(args, 1, "Command")
	if err != nil {
		replyError(s.logger, ack, "terminalInput", err)
		return
	}
	if err := s.terminals.Write(name, input); err != nil {
		replyError(s.logger, ack, "terminalInput", err)
		return
	}
	ack(result{"ok": true})
}

func consoleShell() string {
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	return "sh"
}

// onMainTerminal opens, or rejoins, the host console rooted at the stacks
// directory.
func (s *Server) onMainTerminal(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if !s.cfg.EnableConsole {
		replyError(s.logger, ack, "mainTerminal", apperr.Validation("Console is not enabled."))
		return
	}

	if existing, ok := s.terminals.Get(terminal.MainConsoleName); ok && existing.State() == terminal.StateTerminated {
		s.terminals.Discard(terminal.MainConsoleName)
	}
	sess, created, err := s.terminals.GetOrCreate(terminal.MainConsoleName, terminal.Spec{
		File: consoleShell(),
		Dir:  s.stacks.Root(),
		Rows: terminal.ConsoleRows,
		Variant: terminal.Variant{
			Kind:            terminal.KindMainConsole,
			KeepAlive:       true,
			AllowedCommands: terminal.DefaultAllowedCommands,
		},
	})
	if err != nil {
		s.terminals.Discard(terminal.MainConsoleName)
		replyError(s.logger, ack, "mainTerminal", err)
		return
	}
	if created {
		s.logger.Info("main console started", "conn", c.ID())
	}
	sess.Join(c)
	ack(result{"ok": true})
}

func (s *Server) onCheckMainTerminal(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	ack(result{"ok": s.cfg.EnableConsole})
}

func (s *Server) onInteractiveTerminal(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	stackName, err := stringArg(args, 0, "Stack name")
	if err != nil {
		replyError(s.logger, ack, "interactiveTerminal", err)
		return
	}
	service, err := stringArg(args, 1, "Service name")
	if err != nil {
		replyError(s.logger, ack, "interactiveTerminal", err)
		return
	}
	shell, err := stringArg(args, 2, "Shell")
	if err != nil {
		replyError(s.logger, ack, "interactiveTerminal", err)
		return
	}
	var index int
	if args.Len() > 3 {
		if err := args.Decode(3, &index); err != nil || index < 0 {
			replyError(s.logger, ack, "interactiveTerminal", apperr.Validation("Index must be a non-negative number"))
			return
		}
	}

	st, err := s.stacks.GetStack(s.ctx, stackName, false)
	if err != nil {
		replyError(s.logger, ack, "interactiveTerminal", err)
		return
	}
	name, err := st.JoinContainerTerminal(c, service, shell, index)
	if err != nil {
		replyError(s.logger, ack, "interactiveTerminal", err)
		return
	}
	ack(result{"ok": true, "terminalName": name})
}

// onTerminalJoin returns the retained output. Unknown terminals yield an
// empty buffer.
func (s *Server) onTerminalJoin(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	name, err := stringArg(args, 0, "Terminal name")
	if err != nil {
		replyError(s.logger, ack, "terminalJoin", err)
		return
	}
	ack(result{"ok": true, "buffer": s.terminals.Buffer(name)})
}

func (s *Server) onLeaveCombinedTerminal(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	stackName, err := stringArg(args, 0, "Stack name")
	if err != nil {
		replyError(s.logger, ack, "leaveCombinedTerminal", err)
		return
	}
	st, err := s.stacks.GetStack(s.ctx, stackName, true)
	if err != nil {
		replyError(s.logger, ack, "leaveCombinedTerminal", err)
		return
	}
	if err := st.LeaveCombinedTerminal(c); err != nil {
		replyError(s.logger, ack, "leaveCombinedTerminal", err)
		return
	}
	ack(result{"ok": true})
}

func (s *Server) onTerminalResize(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	name, err := stringArg(args, 0, "Terminal name")
	if err != nil {
		replyError(s.logger, ack, "terminalResize", err)
		return
	}
	var rows, cols int
	if args.Decode(1, &rows) != nil || args.Decode(2, &cols) != nil || rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		replyError(s.logger, ack, "terminalResize", apperr.Validation("Rows and cols must be positive numbers"))
		return
	}
	if err := s.terminals.Resize(name, uint16(rows), uint16(cols)); err != nil {
		replyError(s.logger, ack, "terminalResize", err)
		return
	}
	ack(result{"ok": true})
}

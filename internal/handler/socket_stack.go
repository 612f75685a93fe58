package handler

import (
	"context"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/settings"
	"github.com/web-casa/casastack/internal/socket"
	"github.com/web-casa/casastack/internal/stack"
)

func stringArg(args socket.Args, i int, what string) (string, error) {
	var v string
	if err := args.Decode(i, &v); err != nil {
		return "", apperr.Validation("%s must be a string", what)
	}
	return v, nil
}

func boolArg(args socket.Args, i int, what string) (bool, error) {
	var v bool
	if err := args.Decode(i, &v); err != nil {
		return false, apperr.Validation("%s must be a boolean", what)
	}
	return v, nil
}

// lifecycle is one stack operation triggered by a socket event.
type lifecycle struct {
	run              func(ctx context.Context, st *stack.Stack, c *socket.Conn) error
	msg              string
	joinAfter        bool
	refreshOnFailure bool
}

var lifecycles = map[string]lifecycle{
	"startStack": {
		run:       func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Start(ctx, c) },
		msg:       "Started",
		joinAfter: true,
	},
	"stopStack": {
		run: func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Stop(ctx, c) },
		msg: "Stopped",
	},
	"restartStack": {
		run: func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Restart(ctx, c) },
		msg: "Restarted",
	},
	"updateStack": {
		run: func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Update(ctx, c) },
		msg: "Updated",
	},
	"downStack": {
		run: func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Down(ctx, c) },
		msg: "Downed",
	},
	"deleteStack": {
		run:              func(ctx context.Context, st *stack.Stack, c *socket.Conn) error { return st.Delete(ctx, c) },
		msg:              "Deleted",
		refreshOnFailure: true,
	},
}

func (s *Server) registerStackEvents() {
	for event, op := range lifecycles {
		s.router.Handle(event, s.async(s.lifecycleHandler(event, op)))
	}
	s.router.Handle("deployStack", s.async(s.onDeployStack))
	s.router.Handle("saveStack", s.async(s.onSaveStack))
	s.router.Handle("getStack", s.async(s.onGetStack))
	s.router.Handle("requestStackList", s.onRequestStackList)
	s.router.Handle("serviceStatusList", s.async(s.onServiceStatusList))
	s.router.Handle("getDockerNetworkList", s.async(s.onDockerNetworkList))
}

func (s *Server) lifecycleHandler(event string, op lifecycle) socket.HandlerFunc {
	return func(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
		name, err := stringArg(args, 0, "Stack name")
		if err != nil {
			replyError(s.logger, ack, event, err)
			return
		}
		st, err := s.stacks.GetStack(s.ctx, name, false)
		if err != nil {
			replyError(s.logger, ack, event, err)
			return
		}

		if err := op.run(s.ctx, st, c); err != nil {
			if op.refreshOnFailure {
				s.publish(eventbus.StackChanged, map[string]any{"stack": name, "event": event})
			}
			replyError(s.logger, ack, event, err)
			return
		}

		ack(okResult(op.msg))
		s.publish(eventbus.StackChanged, map[string]any{"stack": name, "event": event})
		if op.joinAfter {
			s.joinCombined(st, c)
		}
	}
}

func (s *Server) joinCombined(st *stack.Stack, c *socket.Conn) {
	if err := st.JoinCombinedTerminal(c); err != nil {
		s.logger.Warn("failed to join combined terminal", "stack", st.Name, "err", err)
	}
}

// saveStack decodes (name, composeYAML, composeENV, isAdd) and writes the
// stack.
func (s *Server) saveStack(args socket.Args) (*stack.Stack, error) {
	name, err := stringArg(args, 0, "Name")
	if err != nil {
		return nil, err
	}
	composeYAML, err := stringArg(args, 1, "Compose YAML")
	if err != nil {
		return nil, err
	}
	composeENV, err := stringArg(args, 2, "Compose ENV")
	if err != nil {
		return nil, err
	}
	isAdd, err := boolArg(args, 3, "isAdd")
	if err != nil {
		return nil, err
	}

	st := s.stacks.New(name, composeYAML, composeENV)
	if err := st.Save(isAdd); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) onDeployStack(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	st, err := s.saveStack(args)
	if err != nil {
		replyError(s.logger, ack, "deployStack", err)
		return
	}
	if err := st.Deploy(s.ctx, c); err != nil {
		s.publish(eventbus.StackChanged, map[string]any{"stack": st.Name, "event": "deployStack"})
		replyError(s.logger, ack, "deployStack", err)
		return
	}
	ack(okResult("Deployed"))
	s.publish(eventbus.StackChanged, map[string]any{"stack": st.Name, "event": "deployStack"})
	s.joinCombined(st, c)
}

func (s *Server) onSaveStack(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	st, err := s.saveStack(args)
	if err != nil {
		replyError(s.logger, ack, "saveStack", err)
		return
	}
	ack(okResult("Saved"))
	s.publish(eventbus.StackChanged, map[string]any{"stack": st.Name, "event": "saveStack"})
}

func (s *Server) onGetStack(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	name, err := stringArg(args, 0, "Stack name")
	if err != nil {
		replyError(s.logger, ack, "getStack", err)
		return
	}
	st, err := s.stacks.GetStack(s.ctx, name, false)
	if err != nil {
		replyError(s.logger, ack, "getStack", err)
		return
	}
	if st.Managed {
		s.joinCombined(st, c)
	}
	ack(result{"ok": true, "stack": st.ToFull(c.Endpoint(), s.settings.Get(settings.KeyPrimaryHostname))})
}

func (s *Server) onRequestStackList(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	s.publish(eventbus.StackChanged, map[string]any{"event": "requestStackList"})
	ack(okResult("Updated"))
}

func (s *Server) onServiceStatusList(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	name, err := stringArg(args, 0, "Stack name")
	if err != nil {
		replyError(s.logger, ack, "serviceStatusList", err)
		return
	}
	st, err := s.stacks.GetStack(s.ctx, name, true)
	if err != nil {
		replyError(s.logger, ack, "serviceStatusList", err)
		return
	}
	list, err := st.ServiceStatusList(s.ctx)
	if err != nil {
		replyError(s.logger, ack, "serviceStatusList", err)
		return
	}
	ack(result{"ok": true, "serviceStatusList": list})
}

func (s *Server) onDockerNetworkList(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if s.docker == nil {
		replyError(s.logger, ack, "getDockerNetworkList", apperr.NotConnected("docker"))
		return
	}
	names, err := s.docker.NetworkNames(s.ctx)
	if err != nil {
		replyError(s.logger, ack, "getDockerNetworkList", err)
		return
	}
	ack(result{"ok": true, "dockerNetworkList": names})
}

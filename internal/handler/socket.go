package handler

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/agent"
	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/model"
	"github.com/web-casa/casastack/internal/settings"
	"github.com/web-casa/casastack/internal/socket"
)

const (
	sessionKey = "session"
	addrKey    = "addr"
)

// session is the per-connection state: the logged-in user and the agent
// connections opened on its behalf.
type session struct {
	agents *agent.Manager

	mu   sync.Mutex
	user *model.User
}

func (s *session) User() *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *session) setUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

func sessionOf(c *socket.Conn) *session {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*session)
	return sess
}

func (s *Server) serveSocket(c *gin.Context) {
	conn, err := s.hub.Upgrade(c.Writer, c.Request)
	if err != nil {
		s.logger.Debug("socket upgrade failed", "err", err)
		return
	}
	conn.Set(addrKey, c.ClientIP())
	s.accept(conn)
	if err := conn.Run(s.ctx); err != nil {
		s.logger.Debug("socket closed with error", "conn", conn.ID(), "err", err)
	}
}

// accept prepares a new connection: session state, main handlers and the
// agent envelope.
func (s *Server) accept(conn *socket.Conn) {
	sess := &session{agents: agent.NewManager(conn, s.logger, agent.WithDialer(s.dial))}
	conn.Set(sessionKey, sess)
	conn.OnClose(func() {
		s.terminals.LeaveAll(conn.ID())
		sess.agents.Close()
	})

	if conn.Endpoint() != "" {
		s.logger.Info("agent connection", "conn", conn.ID(), "endpoint", conn.Endpoint())
	}

	s.sendInfo(conn, true)
	if need, err := s.auth.NeedSetup(); err == nil && need {
		conn.Emit("setup")
	}

	conn.On("setup", s.onSetup)
	conn.On("login", s.async(s.onLogin))
	conn.On("loginByToken", s.onLoginByToken)
	conn.On("needSetup", s.onNeedSetup)
	conn.On("getSettings", s.onGetSettings)
	conn.On("setSettings", s.onSetSettings)
	conn.On("disconnectOtherSocketClients", s.onDisconnectOthers)
	conn.On("addAgent", s.async(s.onAddAgent))
	conn.On("removeAgent", s.onRemoveAgent)
	conn.On("updateAgent", s.onUpdateAgent)
	conn.On("agent", s.onAgent)
}

// async runs h on its own goroutine so slow handlers do not hold up the
// connection's later events.
func (s *Server) async(h socket.HandlerFunc) socket.HandlerFunc {
	return func(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event handler panicked", "panic", r)
					ack(result{"ok": false, "msg": internalErrorMsg})
				}
			}()
			h(c, args, ack)
		}()
	}
}

func (s *Server) sendInfo(c *socket.Conn, hideVersion bool) {
	info := result{"primaryHostname": s.settings.Get(settings.KeyPrimaryHostname)}
	if !hideVersion {
		info["version"] = Version
		info["isContainer"] = s.cfg.IsContainer
	}
	if err := c.Emit("info", info); err != nil {
		s.logger.Debug("info not delivered", "conn", c.ID(), "err", err)
	}
}

func (s *Server) broadcastInfo() {
	for _, c := range s.loggedIn() {
		s.sendInfo(c, false)
	}
}

func (s *Server) sendAgentList(c *socket.Conn) {
	list, err := s.agents.AgentList()
	if err != nil {
		s.logger.Warn("failed to load agent list", "err", err)
		return
	}
	c.Emit("agentList", result{"ok": true, "agentList": list})
}

func (s *Server) broadcastAgentList() {
	for _, c := range s.loggedIn() {
		if c.Endpoint() == "" {
			s.sendAgentList(c)
		}
	}
}

// requireLogin returns the connection's user.
func requireLogin(c *socket.Conn) (*model.User, error) {
	if sess := sessionOf(c); sess != nil {
		if u := sess.User(); u != nil {
			return u, nil
		}
	}
	return nil, apperr.Unauthorized()
}

func requireAdmin(c *socket.Conn) (*model.User, error) {
	u, err := requireLogin(c)
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin {
		return nil, apperr.Forbidden()
	}
	return u, nil
}

// afterLogin marks the session logged in and pushes the initial state.
// Agent connections to other managers are opened only for browser
// sessions.
func (s *Server) afterLogin(c *socket.Conn, u *model.User) {
	sess := sessionOf(c)
	sess.setUser(u)
	s.sendInfo(c, false)

	go func() {
		s.SendStackList(false)
		if c.Endpoint() != "" {
			s.logger.Debug("connected as an agent, skipping agent connections", "conn", c.ID())
			return
		}
		s.sendAgentList(c)
		agents, err := s.agents.List()
		if err != nil {
			s.logger.Warn("failed to load agents", "err", err)
			return
		}
		sess.agents.ConnectAll(agents)
	}()
}

func (s *Server) onSetup(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := s.auth.Setup(args.String(0), args.String(1)); err != nil {
		replyError(s.logger, ack, "setup", err)
		return
	}
	ack(result{"ok": true, "msg": "successAdded", "msgi18n": true})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) onLogin(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	var req loginRequest
	if err := args.Decode(0, &req); err != nil {
		replyError(s.logger, ack, "login", apperr.Validation("Invalid login request"))
		return
	}
	addr, _ := c.Get(addrKey)
	token, user, err := s.auth.Login(fmt.Sprint(addr), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", "username", req.Username, "addr", addr, "err", err)
		replyError(s.logger, ack, "login", err)
		return
	}
	s.logger.Info("user logged in", "username", user.Username, "addr", addr, "endpoint", c.Endpoint())
	s.afterLogin(c, user)
	ack(result{"ok": true, "token": token})
}

func (s *Server) onLoginByToken(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	user, err := s.auth.UserByToken(args.String(0))
	if err != nil {
		ack(result{"ok": false, "msg": "authInvalidToken", "msgi18n": true})
		return
	}
	s.afterLogin(c, user)
	ack(result{"ok": true})
}

func (s *Server) onNeedSetup(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	need, err := s.auth.NeedSetup()
	if err != nil {
		s.logger.Error("failed to check setup state", "err", err)
	}
	ack(need)
}

func (s *Server) onGetSettings(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireAdmin(c); err != nil {
		replyError(s.logger, ack, "getSettings", err)
		return
	}
	ack(result{"ok": true, "data": s.settings.All()})
}

func (s *Server) onSetSettings(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireAdmin(c); err != nil {
		replyError(s.logger, ack, "setSettings", err)
		return
	}
	var data map[string]any
	if err := args.Decode(0, &data); err != nil {
		replyError(s.logger, ack, "setSettings", apperr.Validation("Settings must be an object"))
		return
	}
	values := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			values[k] = ""
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	if err := s.settings.SetAll(values); err != nil {
		replyError(s.logger, ack, "setSettings", err)
		return
	}
	ack(okResult("Saved"))
	s.publish(eventbus.SettingChanged, map[string]any{"keys": len(values)})
}

func (s *Server) onDisconnectOthers(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	u, err := requireLogin(c)
	if err != nil {
		replyError(s.logger, ack, "disconnectOtherSocketClients", err)
		return
	}
	s.disconnectOthers(u.ID, c.ID())
	ack(result{"ok": true})
}

type agentRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) onAddAgent(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireAdmin(c); err != nil {
		replyError(s.logger, ack, "addAgent", err)
		return
	}
	var req agentRequest
	if err := args.Decode(0, &req); err != nil {
		replyError(s.logger, ack, "addAgent", apperr.Validation("Data must be an object"))
		return
	}
	a, err := s.agents.Add(s.ctx, req.URL, req.Username, req.Password, req.Name)
	if err != nil {
		replyError(s.logger, ack, "addAgent", err)
		return
	}
	if err := sessionOf(c).agents.Connect(a.URL, a.Username, a.Password); err != nil {
		s.logger.Warn("failed to connect to new agent", "url", a.URL, "err", err)
	}
	s.agentsChanged(c, "add", a.URL)
	ack(result{"ok": true, "msg": "agentAddedSuccessfully", "msgi18n": true})
}

func (s *Server) onRemoveAgent(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireAdmin(c); err != nil {
		replyError(s.logger, ack, "removeAgent", err)
		return
	}
	url := args.String(0)
	if url == "" {
		replyError(s.logger, ack, "removeAgent", apperr.Validation("URL must be a string"))
		return
	}
	if err := s.agents.Remove(url); err != nil {
		replyError(s.logger, ack, "removeAgent", err)
		return
	}
	if ep, err := socket.EndpointOf(url); err == nil {
		sessionOf(c).agents.Disconnect(ep)
	}
	s.agentsChanged(c, "remove", url)
	ack(result{"ok": true, "msg": "agentRemovedSuccessfully", "msgi18n": true})
}

func (s *Server) onUpdateAgent(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireAdmin(c); err != nil {
		replyError(s.logger, ack, "updateAgent", err)
		return
	}
	url := args.String(0)
	if err := s.agents.UpdateName(url, args.String(1)); err != nil {
		replyError(s.logger, ack, "updateAgent", err)
		return
	}
	s.agentsChanged(c, "update", url)
	ack(result{"ok": true, "msg": "agentUpdatedSuccessfully", "msgi18n": true})
}

// agentsChanged makes the other sessions reload, since their agent
// connections no longer match the stored list.
func (s *Server) agentsChanged(c *socket.Conn, op, url string) {
	s.disconnectOthers(0, c.ID())
	s.publish(eventbus.AgentsChanged, map[string]any{"op": op, "url": url})
}

// onAgent unwraps the proxy envelope: agent(endpoint, event, ...args).
func (s *Server) onAgent(c *socket.Conn, args socket.Args, ack socket.AckFunc) {
	if _, err := requireLogin(c); err != nil {
		replyError(s.logger, ack, "agent", err)
		return
	}
	var target, event string
	if err := args.Decode(0, &target); err != nil {
		replyError(s.logger, ack, "agent", apperr.Validation("Endpoint must be a string"))
		return
	}
	if err := args.Decode(1, &event); err != nil {
		replyError(s.logger, ack, "agent", apperr.Validation("Event name must be a string"))
		return
	}
	s.router.Dispatch(c, sessionOf(c).agents, target, event, args.From(2), ack)
}

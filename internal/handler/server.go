// Package handler exposes the manager over HTTP and the event socket.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/web-casa/casastack/internal/agent"
	"github.com/web-casa/casastack/internal/auth"
	"github.com/web-casa/casastack/internal/config"
	"github.com/web-casa/casastack/internal/docker"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/settings"
	"github.com/web-casa/casastack/internal/socket"
	"github.com/web-casa/casastack/internal/stack"
	"github.com/web-casa/casastack/internal/terminal"
)

// Docker is the part of the engine API the handlers use.
type Docker interface {
	NetworkNames(ctx context.Context) ([]string, error)
	Info(ctx context.Context) (*docker.SystemSummary, error)
}

// Deps are the components a Server is built from. Docker and Dial may be
// nil.
type Deps struct {
	Config    *config.Config
	Auth      *auth.Service
	Settings  *settings.Store
	Stacks    *stack.Registry
	Terminals *terminal.Registry
	Agents    *agent.Store
	Docker    Docker
	Bus       *eventbus.Bus
	Dial      agent.DialFunc
	Logger    *slog.Logger
}

// Server owns the socket hub and every connection's session.
type Server struct {
	cfg       *config.Config
	auth      *auth.Service
	settings  *settings.Store
	stacks    *stack.Registry
	terminals *terminal.Registry
	agents    *agent.Store
	docker    Docker
	bus       *eventbus.Bus
	dial      agent.DialFunc
	logger    *slog.Logger

	hub    *socket.Hub
	router *agent.Router
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	listMu sync.Mutex
}

// New builds a Server and registers its event handlers.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := d.Dial
	if dial == nil {
		dial = socket.Dial
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.New(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       d.Config,
		auth:      d.Auth,
		settings:  d.Settings,
		stacks:    d.Stacks,
		terminals: d.Terminals,
		agents:    d.Agents,
		docker:    d.Docker,
		bus:       bus,
		dial:      dial,
		logger:    logger.With("module", "handler"),
		hub:       socket.NewHub(logger),
		router:    agent.NewRouter(logger),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.registerStackEvents()
	s.registerTerminalEvents()

	s.bus.Subscribe(eventbus.StackChanged, func(eventbus.Event) { s.SendStackList(false) })
	s.bus.Subscribe(eventbus.AgentsChanged, func(eventbus.Event) { s.broadcastAgentList() })
	s.bus.Subscribe(eventbus.SettingChanged, func(eventbus.Event) { s.broadcastInfo() })
	return s
}

// Engine builds the HTTP router.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	r.GET(socket.Path, s.serveSocket)

	api := r.Group("/api")
	dash := NewDashboardHandler(s.stacks, s.docker)
	api.GET("/health", dash.Health)

	authH := NewAuthHandler(s.auth)
	api.POST("/auth/setup", authH.Setup)
	api.POST("/auth/login", authH.Login)
	api.GET("/auth/need-setup", authH.NeedSetup)

	protected := api.Group("")
	protected.Use(auth.Middleware(s.auth))
	protected.GET("/auth/me", authH.Me)
	protected.GET("/system", dash.System)

	stackH := NewStackHandler(s.stacks)
	protected.GET("/stacks", stackH.List)
	protected.GET("/stacks/:name", stackH.Get)

	settingH := NewSettingHandler(s.settings, s.bus)
	admin := protected.Group("")
	admin.Use(adminOnly())
	admin.GET("/settings", settingH.GetAll)
	admin.PUT("/settings", settingH.Update)

	return r
}

func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("is_admin") {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required", "error_key": "error.forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start schedules the periodic jobs.
func (s *Server) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 10s", func() { s.SendStackList(true) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() {
		if n := s.terminals.ReapIdle(); n > 0 {
			s.logger.Info("closed unwatched terminals", "count", n)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Shutdown stops the jobs, closes every connection and waits for the
// terminals to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	for _, c := range s.hub.Conns() {
		if sess := sessionOf(c); sess != nil {
			sess.agents.Close()
		}
	}
	s.hub.CloseAll()
	s.terminals.CloseAll(ctx)
}

// SendStackList pushes the stack list to every logged-in connection. With
// useCache the cached reconciliation is reused and only statuses are
// refreshed.
func (s *Server) SendStackList(useCache bool) {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	conns := s.loggedIn()
	if len(conns) == 0 {
		return
	}

	var (
		stacks map[string]*stack.Stack
		err    error
	)
	if useCache {
		stacks, err = s.stacks.StackList(s.ctx)
	} else {
		stacks, err = s.stacks.Reconcile(s.ctx, false)
	}
	if err != nil {
		s.logger.Warn("failed to build stack list", "err", err)
		return
	}

	for _, c := range conns {
		list := make(map[string]stack.Simple, len(stacks))
		for name, st := range stacks {
			list[name] = st.ToSimple(c.Endpoint())
		}
		if err := c.EmitAgent("stackList", result{"ok": true, "stackList": list}); err != nil {
			s.logger.Debug("stack list not delivered", "conn", c.ID(), "err", err)
		}
	}
}

func (s *Server) loggedIn() []*socket.Conn {
	var out []*socket.Conn
	for _, c := range s.hub.Conns() {
		if sess := sessionOf(c); sess != nil && sess.User() != nil {
			out = append(out, c)
		}
	}
	return out
}

// publish runs bus handlers off the caller's goroutine.
func (s *Server) publish(eventType string, payload map[string]any) {
	go s.bus.Publish(eventbus.Event{Type: eventType, Payload: payload, Source: "local"})
}

// disconnectOthers asks every connection of userID, or of every user when
// userID is zero, except exceptID to reload, then closes it.
func (s *Server) disconnectOthers(userID uint, exceptID string) {
	for _, c := range s.hub.Conns() {
		if c.ID() == exceptID {
			continue
		}
		if userID != 0 {
			sess := sessionOf(c)
			if sess == nil || sess.User() == nil || sess.User().ID != userID {
				continue
			}
		}
		c.Emit("refresh")
		c.Shutdown()
	}
}

package terminal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/web-casa/casastack/internal/apperr"
)

// Registry owns every live session, keyed by name. At most one session
// exists per name.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("module", "terminal"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session registered under name.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// GetOrCreate returns the session under name, building and starting a new
// one from spec if none exists. The lookup and insert are atomic, so
// concurrent callers with the same name share one session.
func (r *Registry) GetOrCreate(name string, spec Spec) (*Session, bool, error) {
	r.mu.Lock()
	if s, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	s := r.newSession(name, spec)
	r.sessions[name] = s
	r.mu.Unlock()

	if err := s.Start(); err != nil {
		return s, true, err
	}
	return s, true, nil
}

// newSession must be called with r.mu held.
func (r *Registry) newSession(name string, spec Spec) *Session {
	s := NewSession(name, spec, r.logger)
	if !spec.Variant.KeepAlive {
		s.release = r.remove
	}
	return s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.name]; ok && cur == s {
		delete(r.sessions, s.name)
	}
}

// Exec runs a one-shot compose action under name and blocks until it
// exits. sub, if not nil, is joined before the process starts so it sees
// all output. Another session under the same name makes Exec fail fast.
func (r *Registry) Exec(ctx context.Context, name string, spec Spec, sub Subscriber) (int, error) {
	spec.Variant = Variant{Kind: KindComposeAction}
	if spec.Rows == 0 {
		spec.Rows = ProgressRows
	}

	r.mu.Lock()
	if _, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return 0, apperr.Busy("Another operation is already running, please try again later.")
	}
	s := r.newSession(name, spec)
	r.sessions[name] = s
	r.mu.Unlock()

	s.Join(sub)
	if err := s.Start(); err != nil {
		return s.ExitCode(), err
	}

	select {
	case <-s.Done():
		return s.ExitCode(), nil
	case <-ctx.Done():
		s.Kill()
		<-s.Done()
		return s.ExitCode(), ctx.Err()
	}
}

// Join adds sub to the session under name.
func (r *Registry) Join(name string, sub Subscriber) error {
	s, ok := r.Get(name)
	if !ok {
		return apperr.NotFound("Terminal %s not found.", name)
	}
	s.Join(sub)
	return nil
}

// Leave removes the subscriber from the session under name.
func (r *Registry) Leave(name, subID string) error {
	s, ok := r.Get(name)
	if !ok {
		return apperr.NotFound("Terminal %s not found.", name)
	}
	s.Leave(subID)
	return nil
}

// LeaveAll removes the subscriber from every session, used when a
// connection goes away.
func (r *Registry) LeaveAll(subID string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Leave(subID)
	}
}

// Buffer returns the retained output of the session under name. A missing
// session yields an empty buffer.
func (r *Registry) Buffer(name string) string {
	s, ok := r.Get(name)
	if !ok {
		return ""
	}
	return s.Buffer()
}

// Write forwards input to the session under name.
func (r *Registry) Write(name, input string) error {
	s, ok := r.Get(name)
	if !ok {
		return apperr.NotFound("Terminal %s not found.", name)
	}
	return s.Write(input)
}

// Resize changes the geometry of the session under name.
func (r *Registry) Resize(name string, rows, cols uint16) error {
	s, ok := r.Get(name)
	if !ok {
		return apperr.NotFound("Terminal %s not found.", name)
	}
	return s.Resize(rows, cols)
}

// Discard stops the session under name, if any, and removes it from the
// registry regardless of its keep-alive flag.
func (r *Registry) Discard(name string) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if ok {
		s.Kill()
	}
}

// ReapIdle interrupts kept-alive compose sessions that have no
// subscribers left. It returns how many were interrupted.
func (r *Registry) ReapIdle() int {
	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		v := s.Variant()
		if v.KeepAlive && v.Kind == KindComposeAction && s.SubscriberCount() == 0 && s.State() == StateRunning {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.logger.Debug("closing unwatched terminal", "terminal", s.Name())
		s.Interrupt()
	}
	return len(idle)
}

// CloseAll kills every session and waits for them to exit or ctx to end.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if s.State() == StateRunning {
			s.Kill()
		}
	}
	for _, s := range sessions {
		if s.State() == StateIdle {
			continue
		}
		select {
		case <-s.Done():
		case <-ctx.Done():
			r.logger.Warn("terminals still running at shutdown", "err", ctx.Err())
			return
		}
	}
	r.logger.Info("all terminals closed", "count", len(sessions))
}

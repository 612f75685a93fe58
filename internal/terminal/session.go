package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/web-casa/casastack/internal/apperr"
)

// Subscriber receives the output of the sessions it joined. A connection
// implements it; sessions only keep it by ID and drop it on leave.
type Subscriber interface {
	ID() string
	Endpoint() string
	EmitAgent(event string, args ...any) error
}

// Kind tags the session variant.
type Kind int

const (
	// KindComposeAction runs one compose subcommand, or follows logs when
	// kept alive. It does not accept input.
	KindComposeAction Kind = iota
	// KindMainConsole is the persistent, command-filtered host shell.
	KindMainConsole
	// KindContainerExec is an interactive shell in a service container.
	KindContainerExec
)

func (k Kind) String() string {
	switch k {
	case KindComposeAction:
		return "compose-action"
	case KindMainConsole:
		return "main-console"
	case KindContainerExec:
		return "container-exec"
	default:
		return "unknown"
	}
}

// Variant describes what a session accepts and how long it lives.
type Variant struct {
	Kind Kind
	// KeepAlive keeps the session and its buffer registered after the
	// process exits, until it is discarded.
	KeepAlive bool
	// AllowedCommands screens console input. Nil means no screening.
	AllowedCommands []string
}

// Interactive reports whether input may be written to the process.
func (v Variant) Interactive() bool {
	return v.Kind == KindMainConsole || v.Kind == KindContainerExec
}

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Spec is everything needed to build a session.
type Spec struct {
	File    string
	Args    []string
	Dir     string
	Rows    uint16
	Cols    uint16
	Variant Variant
}

// Session is one PTY-backed process, its recent output and its viewers.
type Session struct {
	name    string
	spec    Spec
	logger  *slog.Logger
	buffer  *RingBuffer
	done    chan struct{}
	release func(*Session)

	mu          sync.Mutex
	state       State
	rows        uint16
	cols        uint16
	subscribers map[string]Subscriber
	ptmx        *os.File
	cmd         *exec.Cmd
	exitCode    int
	onExit      []func(code int)
}

// NewSession builds an idle session. It is not registered anywhere until
// handed to a Registry.
func NewSession(name string, spec Spec, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Rows == 0 {
		spec.Rows = Rows
	}
	if spec.Cols == 0 {
		spec.Cols = Cols
	}
	return &Session{
		name:        name,
		spec:        spec,
		logger:      logger.With("terminal", name),
		buffer:      NewRingBuffer(DefaultBufferChunks),
		done:        make(chan struct{}),
		rows:        spec.Rows,
		cols:        spec.Cols,
		subscribers: make(map[string]Subscriber),
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Variant returns the session variant.
func (s *Session) Variant() Variant { return s.spec.Variant }

// Done is closed when the process has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the exit code once terminated.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Size returns rows and cols.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Buffer returns the retained output, oldest first.
func (s *Session) Buffer() string {
	return s.buffer.String()
}

// Join adds a subscriber. History is not replayed; callers fetch Buffer.
func (s *Session) Join(sub Subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Leave removes a subscriber by ID.
func (s *Session) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// SubscriberCount returns the number of joined subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// OnExit registers fn to run with the exit code once the process exits.
// If the session already terminated, fn runs immediately.
func (s *Session) OnExit(fn func(code int)) {
	s.mu.Lock()
	if s.state == StateTerminated {
		code := s.exitCode
		s.mu.Unlock()
		fn(code)
		return
	}
	s.onExit = append(s.onExit, fn)
	s.mu.Unlock()
}

// Start spawns the process. Starting a running or terminated session is a
// no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}

	cmd := exec.Command(s.spec.File, s.spec.Args...)
	cmd.Dir = s.spec.Dir
	cmd.Env = processEnv(s.spec.Dir)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.rows, Cols: s.cols})
	if err != nil {
		s.state = StateRunning
		s.mu.Unlock()
		s.logger.Error("failed to start terminal", "cmd", s.commandLine(), "err", err)
		s.buffer.Push(fmt.Sprintf("Failed to start %s: %v\r\n", s.spec.File, err))
		s.finish(1)
		return fmt.Errorf("start pty: %w", err)
	}

	s.ptmx = ptmx
	s.cmd = cmd
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Debug("terminal started", "cmd", s.commandLine(), "kind", s.spec.Variant.Kind.String())
	go s.pump()
	return nil
}

// pump is the single producer: it reads the PTY and fans out every chunk
// in the order it was read.
func (s *Session) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.broadcast(string(buf[:n]))
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := s.cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = 1
		}
	}
	s.ptmx.Close()
	s.finish(code)
}

func (s *Session) broadcast(chunk string) {
	s.mu.Lock()
	s.buffer.Push(chunk)
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.EmitAgent("terminalWrite", s.name, chunk); err != nil {
			s.logger.Debug("dropping subscriber", "subscriber", sub.ID(), "err", err)
			s.Leave(sub.ID())
		}
	}
}

func (s *Session) finish(code int) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	s.exitCode = code
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]Subscriber)
	callbacks := s.onExit
	s.onExit = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.EmitAgent("terminalExit", s.name, code); err != nil {
			s.logger.Debug("terminal exit not delivered", "subscriber", sub.ID(), "err", err)
		}
	}
	s.logger.Debug("terminal exited", "code", code)

	if s.release != nil {
		s.release(s)
	}
	close(s.done)
	for _, fn := range callbacks {
		fn(code)
	}
}

// Write forwards raw input to the process. Console input is screened
// against the allowed command list first.
func (s *Session) Write(input string) error {
	if !s.spec.Variant.Interactive() {
		return apperr.Validation("Terminal %s is not an interactive terminal.", s.name)
	}
	if s.spec.Variant.AllowedCommands != nil {
		screened, err := ScreenConsoleInput(input, s.spec.Variant.AllowedCommands)
		if err != nil {
			return err
		}
		input = screened
	}

	s.mu.Lock()
	ptmx, state := s.ptmx, s.state
	s.mu.Unlock()
	if state != StateRunning || ptmx == nil {
		return apperr.NotFound("Terminal %s is not running.", s.name)
	}
	if _, err := ptmx.Write([]byte(input)); err != nil {
		return fmt.Errorf("write terminal %s: %w", s.name, err)
	}
	return nil
}

// Resize updates the geometry. Buffered history is untouched.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	ptmx, state := s.ptmx, s.state
	s.mu.Unlock()

	if state != StateRunning || ptmx == nil {
		return nil
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		s.logger.Debug("failed to resize terminal", "err", err)
	}
	return nil
}

// Interrupt sends Ctrl+C to the process.
func (s *Session) Interrupt() {
	s.mu.Lock()
	ptmx, state := s.ptmx, s.state
	s.mu.Unlock()
	if state == StateRunning && ptmx != nil {
		ptmx.Write([]byte("\x03"))
	}
}

// Kill terminates the process.
func (s *Session) Kill() {
	s.mu.Lock()
	cmd, state := s.cmd, s.state
	s.mu.Unlock()
	if state == StateRunning && cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (s *Session) commandLine() string {
	return strings.TrimSpace(s.spec.File + " " + strings.Join(s.spec.Args, " "))
}

// processEnv sets PWD explicitly because exec only does so when Env is nil.
func processEnv(dir string) []string {
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	if dir != "" {
		env = append(env, "PWD="+dir)
	}
	return env
}

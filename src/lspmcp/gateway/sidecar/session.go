// Package sidecar is the outbound gateway to the source-intelligence
// sidecar process. It speaks JSON-RPC 2.0 with Content-Length framing over
// the process's stdio pipes, correlating asynchronous responses with the
// requests that caused them and shutting the process down cleanly.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/fileuri"
	"github.com/lspmux/lspmcp/src/lspmcp/internal/framing"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_nameKey          = "sidecar"
	_configKeySidecar = "sidecar"

	_defaultCommand        = "lspmux"
	_defaultRequestTimeout = 30 * time.Second
	_defaultGracePeriod    = 5 * time.Second
)

var (
	// ErrNotRunning is returned by Call and Notify once the sidecar process
	// has died; no write is attempted in that case.
	ErrNotRunning = errors.New("sidecar process is not running")
	// ErrConnectionLost is returned to callers whose request was in flight
	// when the connection to the sidecar was lost.
	ErrConnectionLost = errors.New("connection to sidecar lost")
)

// Module provides a connected Session via fx.
var Module = fx.Provide(New)

// Session is a live JSON-RPC connection to one sidecar process.
type Session interface {
	// Call sends a request and awaits the matching response, decoding its
	// result into result when non-nil. Bounded by the configured request
	// timeout; timing out abandons the request client-side only.
	Call(ctx context.Context, method string, params, result interface{}) error
	// Notify sends a one-way notification.
	Notify(ctx context.Context, method string, params interface{}) error
	// Alive reports whether the reader loop still owns a live input stream.
	Alive() bool
	// State returns the session's lifecycle state.
	State() State
	// UUID identifies this session in logs and metrics.
	UUID() uuid.UUID
	// Shutdown performs a best-effort protocol shutdown and terminates the
	// process if it does not exit within the grace period. It is idempotent
	// and safe to call after process death; failures are logged, never
	// returned.
	Shutdown(ctx context.Context)
}

// Config holds the sidecar invocation and protocol limits.
type Config struct {
	Command             string
	Args                []string
	WorkspaceRoot       string
	RequestTimeout      time.Duration
	MaxMessageSize      int
	ShutdownGracePeriod time.Duration
}

type yamlConfig struct {
	Command             string   `yaml:"command"`
	Args                []string `yaml:"args"`
	WorkspaceRoot       string   `yaml:"workspaceRoot"`
	RequestTimeout      string   `yaml:"requestTimeout"`
	MaxMessageSize      int      `yaml:"maxMessageSize"`
	ShutdownGracePeriod string   `yaml:"shutdownGracePeriod"`
}

// Params define values used to construct a Session.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

// New spawns the configured sidecar, performs the handshake, and registers
// shutdown on the fx lifecycle.
func New(p Params) (Session, error) {
	cfg, err := processConfig(p.Config)
	if err != nil {
		return nil, err
	}

	s, err := Dial(context.Background(), cfg, p.Logger.With("component", _nameKey), p.Stats.SubScope(_nameKey))
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			s.Shutdown(ctx)
			return nil
		},
	})
	return s, nil
}

func processConfig(cfg config.Provider) (Config, error) {
	var raw yamlConfig
	if err := cfg.Get(_configKeySidecar).Populate(&raw); err != nil {
		return Config{}, fmt.Errorf("getting config field %q: %w", _configKeySidecar, err)
	}

	out := Config{
		Command:             raw.Command,
		Args:                raw.Args,
		WorkspaceRoot:       raw.WorkspaceRoot,
		MaxMessageSize:      raw.MaxMessageSize,
		RequestTimeout:      _defaultRequestTimeout,
		ShutdownGracePeriod: _defaultGracePeriod,
	}
	if out.Command == "" {
		out.Command = _defaultCommand
	}
	if out.WorkspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolving workspace root: %w", err)
		}
		out.WorkspaceRoot = wd
	}
	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parsing sidecar.requestTimeout: %w", err)
		}
		out.RequestTimeout = d
	}
	if raw.ShutdownGracePeriod != "" {
		d, err := time.ParseDuration(raw.ShutdownGracePeriod)
		if err != nil {
			return Config{}, fmt.Errorf("parsing sidecar.shutdownGracePeriod: %w", err)
		}
		out.ShutdownGracePeriod = d
	}
	return out, nil
}

// Dial spawns the sidecar with piped stdin/stdout, starts the reader loop,
// and drives the initialize/initialized handshake. A failure at any step
// kills the partially constructed process; no Session is returned.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger, stats tally.Scope) (Session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	// Inherit stderr rather than piping it: an unread stderr pipe can fill
	// up and block a sidecar that logs verbosely.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening sidecar stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening sidecar stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning sidecar %q: %w", cfg.Command, err)
	}

	s := newSession(cfg, logger, stats, stdin, stdout, startExecProcess(cmd))
	s.logger.Infow("sidecar spawned", "command", cfg.Command, "pid", cmd.Process.Pid)

	if err := s.handshake(ctx); err != nil {
		s.terminate()
		return nil, fmt.Errorf("sidecar handshake: %w", err)
	}
	return s, nil
}

// process owns termination of the sidecar. The exec-backed implementation
// is replaced by a fake in tests.
type process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Kill() error
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

type session struct {
	id      uuid.UUID
	cfg     Config
	writer  *framing.Writer
	stdin   io.Closer
	proc    process
	pending *correlator
	alive   atomic.Bool
	state   atomic.Int32
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// newSession wires a session over the given pipes and starts the reader
// loop. The reader goroutine takes exclusive ownership of stdout; the write
// half stays with the session, serialized by the framing writer.
func newSession(cfg Config, logger *zap.SugaredLogger, stats tally.Scope, stdin io.WriteCloser, stdout io.Reader, proc process) *session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = _defaultRequestTimeout
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = _defaultGracePeriod
	}

	s := &session{
		id:      uuid.Must(uuid.NewV4()),
		cfg:     cfg,
		writer:  framing.NewWriter(stdin),
		stdin:   stdin,
		proc:    proc,
		pending: newCorrelator(),
		stats:   stats,
	}
	s.logger = logger.With("session", s.id.String())
	s.alive.Store(true)
	s.state.Store(int32(StateStarting))

	go s.readLoop(framing.NewReader(stdout, cfg.MaxMessageSize))
	return s
}

func (s *session) UUID() uuid.UUID { return s.id }

func (s *session) Alive() bool { return s.alive.Load() }

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debugw("session state changed", "from", prev.String(), "to", next.String())
	}
}

// request is the outgoing JSON-RPC message shape. A zero ID marks a
// notification and is omitted from the wire form.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc2.Error `json:"error"`
}

// envelope is the minimal probe used by the reader loop to demultiplex
// incoming messages: an identifier marks a response, its absence a
// server-initiated notification.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func (s *session) Call(ctx context.Context, method string, params, result interface{}) error {
	if !s.alive.Load() {
		return fmt.Errorf("request %q: %w", method, ErrNotRunning)
	}

	id, waiter := s.pending.register()

	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		s.pending.abandon(id)
		return fmt.Errorf("marshaling request %q: %w", method, err)
	}
	if err := s.writer.WriteMessage(body); err != nil {
		s.pending.abandon(id)
		return fmt.Errorf("sending request %q: %w", method, err)
	}
	s.stats.Counter("requests").Inc(1)
	s.stats.Gauge("pending").Update(float64(s.pending.pendingCount()))

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.pending.abandon(id)
		return fmt.Errorf("request %q: %w", method, ctx.Err())
	case <-timer.C:
		// The sidecar may still answer; the correlator will discard the
		// late response as unmatched.
		s.pending.abandon(id)
		s.stats.Counter("request_timeouts").Inc(1)
		return fmt.Errorf("request %q timed out after %s", method, s.cfg.RequestTimeout)
	case payload, ok := <-waiter:
		if !ok {
			return fmt.Errorf("request %q: %w", method, ErrConnectionLost)
		}
		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("decoding response to %q: %w", method, err)
		}
		if resp.Error != nil {
			return fmt.Errorf("sidecar returned error for %q: %w", method, resp.Error)
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding result of %q: %w", method, err)
		}
		return nil
	}
}

func (s *session) Notify(ctx context.Context, method string, params interface{}) error {
	if !s.alive.Load() {
		return fmt.Errorf("notification %q: %w", method, ErrNotRunning)
	}

	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshaling notification %q: %w", method, err)
	}
	if err := s.writer.WriteMessage(body); err != nil {
		return fmt.Errorf("sending notification %q: %w", method, err)
	}
	return nil
}

// handshake drives the two-step session initialization: the initialize
// request carrying the workspace root, then the initialized notification.
func (s *session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)

	rootURI, err := fileuri.FromPath(s.cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	initParams := protocol.InitializeParams{
		RootURI:      rootURI,
		Capabilities: protocol.ClientCapabilities{},
	}
	var initResult json.RawMessage
	if err := s.Call(ctx, protocol.MethodInitialize, initParams, &initResult); err != nil {
		return err
	}
	if err := s.Notify(ctx, protocol.MethodInitialized, protocol.InitializedParams{}); err != nil {
		return err
	}

	s.setState(StateReady)
	s.logger.Infow("sidecar session initialized", "workspaceRoot", s.cfg.WorkspaceRoot)
	return nil
}

// readLoop exclusively owns the sidecar's output stream for the session's
// lifetime. On exit for any reason the liveness flag is cleared and every
// pending caller is drained so in-flight requests fail fast.
func (s *session) readLoop(r *framing.Reader) {
	defer func() {
		s.alive.Store(false)
		s.setState(StateTerminated)
		if n := s.pending.drainAll(); n > 0 {
			s.logger.Warnw("reader loop exited with pending requests", "count", n)
		}
	}()

	for {
		body, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Infow("sidecar closed its output stream")
			} else {
				s.logger.Errorw("reader loop terminated", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			s.logger.Errorw("malformed message from sidecar", zap.Error(err))
			return
		}

		var id int64
		if len(env.ID) > 0 && string(env.ID) != "null" && json.Unmarshal(env.ID, &id) == nil {
			if !s.pending.resolve(id, body) {
				s.stats.Counter("unmatched_responses").Inc(1)
				s.logger.Warnw("response for unknown request id", "id", id)
			}
			continue
		}

		s.stats.Counter("notifications_discarded").Inc(1)
		s.logger.Debugw("discarding server notification", "method", env.Method)
	}
}

func (s *session) Shutdown(ctx context.Context) {
	if State(s.state.Load()) == StateReady {
		s.setState(StateShuttingDown)
	}

	var errs error
	if s.alive.Load() {
		var discard json.RawMessage
		if err := s.Call(ctx, protocol.MethodShutdown, nil, &discard); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown request: %w", err))
		}
		if err := s.Notify(ctx, protocol.MethodExit, nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("exit notification: %w", err))
		}
	}

	select {
	case <-s.proc.Done():
		s.logger.Infow("sidecar exited")
	case <-time.After(s.cfg.ShutdownGracePeriod):
		s.logger.Warnw("sidecar did not exit within grace period, killing", "grace", s.cfg.ShutdownGracePeriod.String())
		if err := s.proc.Kill(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("killing sidecar: %w", err))
		}
		<-s.proc.Done()
	}

	_ = s.stdin.Close()
	s.setState(StateTerminated)

	if errs != nil {
		s.logger.Warnw("best-effort shutdown finished with errors", zap.Error(errs))
	}
}

// terminate force-kills a partially constructed session whose handshake
// failed, so the process is never leaked.
func (s *session) terminate() {
	_ = s.stdin.Close()
	if err := s.proc.Kill(); err == nil {
		<-s.proc.Done()
	}
	s.setState(StateTerminated)
}

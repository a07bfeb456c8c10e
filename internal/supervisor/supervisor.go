// Package supervisor owns the single backend server child: it prepares the
// database, spawns the server, waits for its port and stops it on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/cipherhost/internal/bootstrap"
	"github.com/loykin/cipherhost/internal/env"
	"github.com/loykin/cipherhost/internal/history"
	"github.com/loykin/cipherhost/internal/logger"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/platform"
	"github.com/loykin/cipherhost/internal/process"
	"github.com/loykin/cipherhost/internal/task"
)

const (
	MsgAlreadyRunning = "backend already running"
	MsgNotRunning     = "backend was not running"
	MsgStartCancelled = "backend start cancelled"

	DefaultHost          = "127.0.0.1"
	DefaultPort          = 3001
	DefaultReadyTimeout  = 30 * time.Second
	DefaultProbeInterval = 250 * time.Millisecond

	// processName names the child's log files.
	processName = "backend"
)

var (
	// ErrSpawn wraps failures to launch the server process.
	ErrSpawn = errors.New("failed to spawn backend")
	// ErrExited is returned by Start when the child dies before its port opens.
	ErrExited = errors.New("backend exited during startup")
	// ErrPrepare wraps a Preparer error that prevents the spawn, such as a
	// missing backend root.
	ErrPrepare = errors.New("backend preparation failed")
)

// Preparer readies the database before the server starts.
type Preparer interface {
	Prepare(ctx context.Context, root, dataDir string, p platform.Platform) (bootstrap.Result, error)
}

// Request names what to start.
type Request struct {
	Root     string            `json:"root"`
	DataDir  string            `json:"data_dir"`
	Platform platform.Platform `json:"platform"`
}

// Config holds the supervisor's collaborators. Zero values get defaults.
type Config struct {
	Host          string
	Port          int
	ReadyTimeout  time.Duration
	ProbeInterval time.Duration
	Builder       process.Builder
	// Env is the global environment the backend overrides are layered onto;
	// nil means the host environment.
	Env *env.Env
	// Log routes child stdout/stderr to rotated files; empty discards them.
	Log logger.Config
	// PIDFile, when set, records the child so an orphan from a crashed run is
	// terminated before the next spawn.
	PIDFile  string
	Preparer Preparer
	History  history.Sink
	Sampler  *metrics.ResourceSampler
	Logger   *slog.Logger
}

// Status is a snapshot of the supervisor.
type Status struct {
	State     State                   `json:"state"`
	PID       int                     `json:"pid,omitempty"`
	Addr      string                  `json:"addr"`
	Root      string                  `json:"root,omitempty"`
	Platform  string                  `json:"platform,omitempty"`
	StartedAt time.Time               `json:"started_at,omitempty"`
	StoppedAt time.Time               `json:"stopped_at,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Bootstrap *bootstrap.Outcome      `json:"bootstrap,omitempty"`
	Starts    int                     `json:"starts"`
	Restarts  int                     `json:"restarts"`
	Resources *metrics.ResourceSample `json:"resources,omitempty"`
}

// Supervisor manages at most one backend child.
type Supervisor struct {
	cfg    Config
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	proc      *process.Process
	probeStop context.CancelFunc
	stopping  bool
	// cancelGen is the generation whose start Stop cancelled.
	cancelGen uint64
	inflight  *task.Task[string]
	req       Request
	startedAt time.Time
	stoppedAt time.Time
	lastErr   string
	outcome   *bootstrap.Outcome
	starts    int
	restarts  int
}

// New creates a supervisor in the not_started state.
func New(cfg Config) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Env == nil {
		cfg.Env = env.New()
		cfg.Env.FromOS()
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: lg.With("component", "supervisor"),
		state:  NotStarted,
	}
	metrics.SetCurrentState(string(NotStarted), true)
	return s
}

// Addr is the loopback address the backend serves on.
func (s *Supervisor) Addr() string { return s.addr }

// URL is the address the UI should load once the backend is running.
func (s *Supervisor) URL() string { return "http://" + s.addr }

// Start prepares and launches the backend unless one is already starting or
// running. It returns once the port accepts connections, the child exits,
// ReadyTimeout elapses (the start continues in the background) or ctx ends.
func (s *Supervisor) Start(ctx context.Context, req Request) (string, error) {
	if req.Platform == "" {
		req.Platform = platform.Current()
	}
	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		metrics.IncBackendStart("already_running")
		return MsgAlreadyRunning, nil
	}
	s.gen++
	gen := s.gen
	s.req = req
	s.lastErr = ""
	s.outcome = nil
	s.transition(Starting)
	tk := task.Go(ctx, func(tctx context.Context) (string, error) {
		return s.startSequence(tctx, gen, req)
	})
	s.inflight = tk
	s.mu.Unlock()

	msg, err := tk.Wait(context.Background())

	s.mu.Lock()
	if s.inflight == tk {
		s.inflight = nil
	}
	s.mu.Unlock()
	return msg, err
}

func (s *Supervisor) startSequence(ctx context.Context, gen uint64, req Request) (string, error) {
	lg := s.logger.With("root", req.Root, "platform", req.Platform.String())

	_, _, overrides := bootstrap.Paths(req.DataDir, req.Platform)
	if s.cfg.Preparer != nil {
		res, err := s.cfg.Preparer.Prepare(ctx, req.Root, req.DataDir, req.Platform)
		if ctx.Err() != nil {
			return s.abortStart(gen, ctx.Err())
		}
		if err != nil {
			return "", s.fail(gen, fmt.Errorf("%w: %w", ErrPrepare, err))
		}
		if len(res.Env) > 0 {
			overrides = res.Env
		}
		s.mu.Lock()
		outcome := res.Outcome
		s.outcome = &outcome
		s.mu.Unlock()
		s.emit(history.EventBootstrap, func(r *history.Record) { r.Outcome = outcome.String() })
		if !outcome.OK() {
			lg.Warn("starting backend despite failed database preparation", "reason", outcome.Reason)
		}
	}
	if err := ctx.Err(); err != nil {
		return s.abortStart(gen, err)
	}

	pf := process.PIDFile{Path: s.cfg.PIDFile}
	if pid, ok := pf.Orphan(); ok {
		lg.Warn("terminating orphaned backend from a previous run", "pid", pid)
		if err := process.TerminatePID(pid); err != nil {
			lg.Warn("failed to terminate orphaned backend", "pid", pid, "error", err)
		}
	}

	inv := s.cfg.Builder.Rails(req.Root, overrides,
		"server", "-p", strconv.Itoa(s.cfg.Port), "-b", s.cfg.Host, "-e", req.Platform.String())
	stdout, stderr, _ := s.cfg.Log.ProcessWriters(processName)
	p := process.New(inv)
	if err := p.Start(s.cfg.Env.Merge(inv.Env), stdout, stderr); err != nil {
		metrics.IncBackendStart("spawn_failed")
		return "", s.fail(gen, fmt.Errorf("%w: %s: %v", ErrSpawn, inv.String(), err))
	}
	pid := p.PID()
	spawnedAt := time.Now()

	probeCtx, probeStop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.proc = p
	s.probeStop = probeStop
	s.startedAt = spawnedAt
	s.stoppedAt = time.Time{}
	s.starts++
	s.mu.Unlock()
	if err := pf.Write(pid, req.Root); err != nil {
		lg.Warn("failed to write pid file", "path", pf.Path, "error", err)
	}
	metrics.IncBackendStart("spawned")
	lg.Info("backend spawned", "pid", pid, "cmd", inv.String(), "addr", s.addr)
	s.emit(history.EventStart, nil)

	go s.monitor(gen, p)

	switch waitReady(ctx, s.addr, s.cfg.ProbeInterval, s.cfg.ReadyTimeout, p.Done()) {
	case probeReady:
		s.markRunning(gen, p, spawnedAt)
		return fmt.Sprintf("backend started (pid %d)", pid), nil
	case probeExited:
		s.observeExit(gen, p)
		return "", fmt.Errorf("%w: %s", ErrExited, exitReason(p.Snapshot()))
	case probeTimeout:
		lg.Warn("backend not reachable yet, continuing in background", "timeout", s.cfg.ReadyTimeout)
	default:
		s.mu.Lock()
		byStop := s.cancelGen == gen
		s.mu.Unlock()
		if byStop {
			// Stop owns the spawned child from here.
			return "", ctx.Err()
		}
		lg.Warn("start caller gone before backend was reachable, continuing in background", "error", ctx.Err())
	}
	go func() {
		if waitReady(probeCtx, s.addr, s.cfg.ProbeInterval, 0, p.Done()) == probeReady {
			s.markRunning(gen, p, spawnedAt)
		}
	}()
	return fmt.Sprintf("backend started (pid %d), still warming up", pid), nil
}

// monitor waits for the child's exit.
func (s *Supervisor) monitor(gen uint64, p *process.Process) {
	<-p.Done()
	s.observeExit(gen, p)
}

// observeExit moves the supervisor to failed for an exit not requested by
// Stop. Only the first call for a handle has an effect.
func (s *Supervisor) observeExit(gen uint64, p *process.Process) {
	st := p.Snapshot()

	s.mu.Lock()
	if gen != s.gen || s.proc != p || s.stopping {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	if s.probeStop != nil {
		s.probeStop()
		s.probeStop = nil
	}
	s.stoppedAt = st.StoppedAt
	s.lastErr = exitReason(st)
	s.transition(Failed)
	s.mu.Unlock()

	_ = process.PIDFile{Path: s.cfg.PIDFile}.Remove()
	metrics.IncUnexpectedExit()
	s.logger.Error("backend exited unexpectedly", "pid", st.PID, "reason", exitReason(st))
	s.emit(history.EventExit, func(r *history.Record) { r.PID = st.PID })
}

func (s *Supervisor) markRunning(gen uint64, p *process.Process, spawnedAt time.Time) {
	s.mu.Lock()
	if gen != s.gen || s.proc != p || s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.transition(Running)
	s.mu.Unlock()
	d := time.Since(spawnedAt)
	metrics.ObserveReadyDuration(d.Seconds())
	s.logger.Info("backend ready", "pid", p.PID(), "addr", s.addr, "after", d)
	s.emit(history.EventReady, nil)
}

func (s *Supervisor) fail(gen uint64, err error) error {
	s.mu.Lock()
	if gen == s.gen {
		s.lastErr = err.Error()
		s.stoppedAt = time.Now()
		s.transition(Failed)
	}
	s.mu.Unlock()
	s.logger.Error("backend start failed", "error", err)
	s.emit(history.EventFailed, nil)
	return err
}

// abortStart handles a start cancelled before the child was spawned.
func (s *Supervisor) abortStart(gen uint64, err error) (string, error) {
	s.mu.Lock()
	if gen == s.gen && s.proc == nil {
		s.lastErr = MsgStartCancelled
		s.transition(Stopped)
	}
	s.mu.Unlock()
	s.logger.Info(MsgStartCancelled)
	return "", err
}

// Stop cancels an in-flight start, then terminates the child and waits for it
// to exit or for ctx to end. The handle is cleared either way.
func (s *Supervisor) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	tk := s.inflight
	if tk != nil {
		s.cancelGen = s.gen
	}
	s.mu.Unlock()
	if tk != nil {
		if _, err := tk.CancelAndWait(ctx); err != nil && ctx.Err() != nil {
			return "", fmt.Errorf("waiting for start to cancel: %w", ctx.Err())
		}
	}

	s.mu.Lock()
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		if tk != nil {
			metrics.IncBackendStop("cancelled")
			return MsgStartCancelled, nil
		}
		metrics.IncBackendStop("not_running")
		return MsgNotRunning, nil
	}
	s.stopping = true
	if s.probeStop != nil {
		s.probeStop()
		s.probeStop = nil
	}
	s.mu.Unlock()

	pid := p.PID()
	s.logger.Info("stopping backend", "pid", pid)
	termErr := p.Terminate()
	if errors.Is(termErr, process.ErrNotStarted) {
		termErr = nil
	}
	waitErr := p.Wait(ctx)
	exited := p.Exited()

	s.mu.Lock()
	s.proc = nil
	s.stopping = false
	s.stoppedAt = time.Now()
	s.transition(Stopped)
	s.mu.Unlock()
	if exited {
		_ = process.PIDFile{Path: s.cfg.PIDFile}.Remove()
	}
	s.emit(history.EventStop, func(r *history.Record) { r.PID = pid })

	if termErr != nil {
		metrics.IncBackendStop("signal_error")
		s.logger.Warn("failed to signal backend", "pid", pid, "error", termErr)
		return "", fmt.Errorf("terminate backend (pid %d): %w", pid, termErr)
	}
	if !exited {
		metrics.IncBackendStop("signal_error")
		return "", fmt.Errorf("backend (pid %d) did not exit: %w", pid, waitErr)
	}
	metrics.IncBackendStop("stopped")
	s.logger.Info("backend stopped", "pid", pid)
	return fmt.Sprintf("backend stopped (pid %d)", pid), nil
}

// Restart stops the backend (if any) and starts it again with req.
func (s *Supervisor) Restart(ctx context.Context, req Request) (string, error) {
	if _, err := s.Stop(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	return s.Start(ctx, req)
}

// Close cancels any start in flight and stops the child. It is safe to call
// when nothing runs.
func (s *Supervisor) Close(ctx context.Context) error {
	_, err := s.Stop(ctx)
	return err
}

// PID returns the live child's pid or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot. It never blocks on process I/O.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:     s.state,
		Addr:      s.addr,
		Root:      s.req.Root,
		Platform:  s.req.Platform.String(),
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		LastError: s.lastErr,
		Starts:    s.starts,
		Restarts:  s.restarts,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	if s.outcome != nil {
		o := *s.outcome
		st.Bootstrap = &o
	}
	s.mu.Unlock()
	if s.cfg.Sampler != nil && st.PID > 0 {
		if r, ok := s.cfg.Sampler.Last(); ok && int(r.PID) == st.PID {
			st.Resources = &r
		}
	}
	return st
}

// transition must be called with s.mu held.
func (s *Supervisor) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.RecordStateTransition(string(from), string(to))
	metrics.SetCurrentState(string(from), false)
	metrics.SetCurrentState(string(to), true)
	s.logger.Debug("state transition", "from", from, "to", to)
}

// emit publishes the current snapshot to the history sink. It must be called
// without s.mu held.
func (s *Supervisor) emit(t history.EventType, edit func(*history.Record)) {
	if s.cfg.History == nil {
		return
	}
	st := s.Status()
	rec := history.Record{
		PID:      st.PID,
		State:    string(st.State),
		Root:     st.Root,
		Platform: st.Platform,
		Error:    st.LastError,
	}
	if edit != nil {
		edit(&rec)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.History.Send(ctx, history.New(t, rec)); err != nil {
		s.logger.Warn("history send failed", "type", t, "error", err)
	}
}

func exitReason(st process.Status) string {
	if st.ExitErr != nil {
		return st.ExitErr.Error()
	}
	return "exited with code " + strconv.Itoa(st.ExitCode)
}

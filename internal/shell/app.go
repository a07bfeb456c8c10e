// Package shell is the host application glue: it decides between the real
// backend and the fallback page server and exposes the operations the UI
// calls.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/cipherhost/internal/fallback"
	"github.com/loykin/cipherhost/internal/history"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/platform"
	"github.com/loykin/cipherhost/internal/resolver"
	"github.com/loykin/cipherhost/internal/supervisor"
	"github.com/loykin/cipherhost/internal/task"
)

const (
	defaultWatchInterval = 250 * time.Millisecond
	// defaultLaunchWait bounds how long Launch waits on the start sequence
	// before handing back the starting page.
	defaultLaunchWait = 2 * time.Second

	msgPreparing = "backend is starting"
)

// Mode is what Launch chose to serve.
type Mode string

const (
	ModeBackend  Mode = "backend"
	ModeStarting Mode = "starting"
	ModeFallback Mode = "fallback"
)

type Options struct {
	Platform   platform.Platform
	Candidates []string
	EntryPoint string
	DataDir    string

	Supervisor *supervisor.Supervisor
	Fallback   fallback.Config
	// History is flushed and closed by Shutdown. The supervisor is expected
	// to send to the same sink.
	History *history.Async
	Sampler *metrics.ResourceSampler
	Opener  Opener

	WatchInterval time.Duration
	// LaunchWait bounds Launch while the database is prepared and the backend
	// spawned; the start continues in the background after it.
	LaunchWait time.Duration
	Logger     *slog.Logger
}

// Launch describes where the UI should point after App.Launch.
type Launch struct {
	URL     string `json:"url"`
	Mode    Mode   `json:"mode"`
	Message string `json:"message,omitempty"`
}

type App struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	root     resolver.Root
	fb       *fallback.Server
	fbDone   chan error
	starting *task.Task[string]
	watching bool
	sampling bool
}

func New(opts Options) *App {
	if opts.Platform == "" {
		opts.Platform = platform.Current()
	}
	if opts.Opener == nil {
		opts.Opener = SystemOpener
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = defaultWatchInterval
	}
	if opts.LaunchWait <= 0 {
		opts.LaunchWait = defaultLaunchWait
	}
	if opts.Supervisor == nil {
		opts.Supervisor = supervisor.New(supervisor.Config{Logger: opts.Logger})
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		opts:   opts,
		logger: lg.With("component", "shell", "platform", opts.Platform.String()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Launch brings the app up. Mobile targets and installs without a backend
// get the fallback pages. Otherwise the backend is started in the background
// while the fallback serves the starting page; the call returns once the
// start settles or after LaunchWait, whichever comes first. A backend failure
// never fails Launch.
func (a *App) Launch(ctx context.Context) (Launch, error) {
	if a.opts.Platform.IsMobile() {
		a.logger.Info("mobile platform, serving embedded pages")
		return a.fallbackOnly("embedded pages for " + a.opts.Platform.String())
	}
	root, err := a.resolve()
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			a.logger.Warn("skipping bundled backend launch", "reason", err)
			return a.fallbackOnly("backend bundle not found")
		}
		return Launch{}, err
	}

	a.startSampler()
	fbURL, fbErr := a.serveFallback(fallback.ModeStarting)
	if fbErr != nil {
		a.logger.Warn("fallback server unavailable during startup", "error", fbErr)
	}

	tk := task.Go(a.ctx, func(ctx context.Context) (string, error) {
		return a.opts.Supervisor.Start(ctx, a.request(root))
	})
	a.mu.Lock()
	a.starting = tk
	a.mu.Unlock()

	bound := time.NewTimer(a.opts.LaunchWait)
	defer bound.Stop()
	select {
	case <-tk.Done():
	case <-ctx.Done():
		a.watch()
		return Launch{}, ctx.Err()
	case <-bound.C:
		a.logger.Info("backend still starting, handing out the starting page", "after", a.opts.LaunchWait)
		a.watch()
		if fbErr != nil {
			return Launch{URL: a.opts.Supervisor.URL(), Mode: ModeStarting, Message: msgPreparing}, nil
		}
		return Launch{URL: fbURL, Mode: ModeStarting, Message: msgPreparing}, nil
	}

	msg, _, err := tk.Result()
	if err != nil {
		a.logger.Error("backend failed to start, serving embedded pages", "error", err)
		if fbErr != nil {
			return Launch{}, errors.Join(err, fbErr)
		}
		a.setFallbackMode(fallback.ModeNormal)
		return Launch{URL: fbURL, Mode: ModeFallback, Message: err.Error()}, nil
	}
	if a.settle() {
		return Launch{URL: a.opts.Supervisor.URL(), Mode: ModeBackend, Message: msg}, nil
	}
	if fbErr != nil {
		return Launch{URL: a.opts.Supervisor.URL(), Mode: ModeStarting, Message: msg}, nil
	}
	return Launch{URL: fbURL, Mode: ModeStarting, Message: msg}, nil
}

func (a *App) fallbackOnly(msg string) (Launch, error) {
	u, err := a.serveFallback(fallback.ModeNormal)
	if err != nil {
		return Launch{}, err
	}
	return Launch{URL: u, Mode: ModeFallback, Message: msg}, nil
}

func (a *App) request(root resolver.Root) supervisor.Request {
	return supervisor.Request{Root: root.String(), DataDir: a.opts.DataDir, Platform: a.opts.Platform}
}

// resolve caches the first successful resolution.
func (a *App) resolve() (resolver.Root, error) {
	a.mu.Lock()
	root := a.root
	a.mu.Unlock()
	if root != "" {
		return root, nil
	}
	root, err := resolver.Resolver{
		Candidates: a.opts.Candidates,
		EntryPoint: a.opts.EntryPoint,
		Logger:     a.logger,
	}.Resolve()
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.root = root
	a.mu.Unlock()
	return root, nil
}

// settle reacts to the supervisor state after a start: a running backend
// retires the fallback, a warming one is watched, anything else shows the
// normal pages. It reports whether the backend is running.
func (a *App) settle() bool {
	switch a.opts.Supervisor.State() {
	case supervisor.Running:
		a.closeFallback()
		return true
	case supervisor.Starting:
		a.watch()
	default:
		a.setFallbackMode(fallback.ModeNormal)
	}
	return false
}

func (a *App) watch() {
	a.mu.Lock()
	if a.watching {
		a.mu.Unlock()
		return
	}
	a.watching = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.watching = false
			a.mu.Unlock()
		}()
		ticker := time.NewTicker(a.opts.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
			}
			switch st := a.opts.Supervisor.State(); {
			case st == supervisor.Running:
				a.logger.Info("backend is up, retiring fallback server")
				a.closeFallback()
				return
			case st == supervisor.NotStarted:
				// the start task has not reached the supervisor yet
			case !st.Active():
				a.setFallbackMode(fallback.ModeNormal)
				return
			}
		}
	}()
}

func (a *App) serveFallback(mode fallback.Mode) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fb != nil {
		a.fb.SetMode(mode)
		return a.fb.URL(), nil
	}
	cfg := a.opts.Fallback
	cfg.Mode = mode
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	srv, err := fallback.New(cfg)
	if err != nil {
		return "", err
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(a.ctx) }()
	a.fb, a.fbDone = srv, done
	return srv.URL(), nil
}

func (a *App) setFallbackMode(mode fallback.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fb != nil {
		a.fb.SetMode(mode)
	}
}

func (a *App) closeFallback() {
	a.mu.Lock()
	srv, done := a.fb, a.fbDone
	a.fb, a.fbDone = nil, nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Close()
	if err := <-done; err != nil {
		a.logger.Warn("fallback server stopped with error", "error", err)
	}
}

func (a *App) startSampler() {
	if a.opts.Sampler == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sampling {
		return
	}
	a.sampling = true
	a.opts.Sampler.Start(a.ctx, a.opts.Supervisor.PID)
}

// FallbackURL returns the fallback server address while it runs.
func (a *App) FallbackURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fb == nil {
		return ""
	}
	return a.fb.URL()
}

// StartBackend starts the backend on request from the UI.
func (a *App) StartBackend(ctx context.Context) (string, error) {
	root, err := a.resolve()
	if err != nil {
		return "", err
	}
	a.startSampler()
	msg, err := a.opts.Supervisor.Start(ctx, a.request(root))
	if err != nil {
		return "", err
	}
	a.settle()
	return msg, nil
}

// StopBackend stops the backend. The fallback is not brought back.
func (a *App) StopBackend(ctx context.Context) (string, error) {
	return a.opts.Supervisor.Stop(ctx)
}

// RestartBackend stops and starts the backend again.
func (a *App) RestartBackend(ctx context.Context) (string, error) {
	root, err := a.resolve()
	if err != nil {
		return "", err
	}
	msg, err := a.opts.Supervisor.Restart(ctx, a.request(root))
	if err != nil {
		return "", err
	}
	a.settle()
	return msg, nil
}

func (a *App) Status() supervisor.Status { return a.opts.Supervisor.Status() }

// Platform returns the runtime tag: desktop, android or ios.
func (a *App) Platform() string { return a.opts.Platform.String() }

// OpenURL opens an http(s) URL with the platform's default handler.
func (a *App) OpenURL(ctx context.Context, rawURL string) (string, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := a.opts.Opener(ctx, u); err != nil {
		return "", fmt.Errorf("open %s: %w", u, err)
	}
	return "opened " + u, nil
}

// Shutdown cancels any start in flight, stops the backend, closes the
// fallback server and flushes history. It is bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	tk := a.starting
	a.mu.Unlock()
	if tk != nil {
		tk.Cancel()
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := a.opts.Supervisor.Stop(ctx)
		return err
	})
	g.Go(func() error {
		a.closeFallback()
		return nil
	})
	err := g.Wait()
	a.cancel()

	if a.opts.Sampler != nil {
		a.opts.Sampler.Stop()
	}
	if a.opts.History != nil {
		if herr := a.opts.History.Close(ctx); herr != nil {
			err = errors.Join(err, fmt.Errorf("flush history: %w", herr))
		}
	}
	a.logger.Info("shutdown complete")
	return err
}

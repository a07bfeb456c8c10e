package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/cipherhost/internal/config"
	"github.com/loykin/cipherhost/internal/fallback"
	"github.com/loykin/cipherhost/internal/logger"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/resolver"
	"github.com/loykin/cipherhost/internal/server"
	"github.com/loykin/cipherhost/internal/shell"
	"github.com/loykin/cipherhost/pkg/client"
)

const shutdownTimeout = 45 * time.Second

type command struct {
	global *GlobalFlags
}

func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// setup loads config and installs the configured logger as the default.
func (c command) setup() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	lg, closer := logger.NewSlogger(cfg.Log.Logger(), nil)
	slog.SetDefault(lg)
	return cfg, lg, closer, nil
}

// Run launches the host and blocks until SIGINT/SIGTERM or ctx ends.
func (c command) Run(ctx context.Context, out io.Writer) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runHost(ctx, cfg, lg, out)
}

func runHost(ctx context.Context, cfg *config.Config, lg *slog.Logger, out io.Writer) error {
	app, err := shell.FromConfig(cfg, nil, lg)
	if err != nil {
		return err
	}

	var api, metricsSrv *http.Server
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs error
		if api != nil {
			errs = errors.Join(errs, api.Shutdown(sctx))
		}
		if metricsSrv != nil {
			errs = errors.Join(errs, metricsSrv.Shutdown(sctx))
		}
		return errors.Join(errs, app.Shutdown(sctx))
	}

	if cfg.Server.Enabled {
		r := server.NewRouter(app, cfg.Server.BasePath)
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
			r.WithMetrics()
		}
		api, err = r.Listen(cfg.Server.Listen)
		if err != nil {
			return errors.Join(fmt.Errorf("control API: %w", err), shutdown())
		}
		lg.Info("control API listening", "addr", api.Addr, "base_path", cfg.Server.BasePath)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		metricsSrv = serveMetrics(cfg.Metrics.Listen, lg)
	}

	launch, err := app.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return shutdown()
		}
		return errors.Join(fmt.Errorf("launch: %w", err), shutdown())
	}
	printJSON(out, launch)

	<-ctx.Done()
	lg.Info("shutting down")
	return shutdown()
}

func serveMetrics(addr string, lg *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server error", "addr", addr, "error", err)
		}
	}()
	lg.Info("metrics listening", "addr", addr)
	return srv
}

// Fallback serves only the built-in pages until interrupted.
func (c command) Fallback(ctx context.Context, out io.Writer, f FallbackFlags) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	listen := f.Listen
	if listen == "" {
		listen = cfg.Fallback.Listen
	}
	mode := fallback.ModeNormal
	if f.Starting {
		mode = fallback.ModeStarting
	}
	srv, err := fallback.New(fallback.Config{
		Listen:   listen,
		MaxConns: cfg.Fallback.MaxConns,
		Mode:     mode,
		Logger:   lg,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "serving built-in pages on %s\n", srv.URL())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

type resolveOutput struct {
	Root       string   `json:"root,omitempty"`
	EntryPoint string   `json:"entry_point"`
	Candidates []string `json:"candidates"`
}

// Resolve prints the backend root the host would use.
func (c command) Resolve(out io.Writer) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	res := resolveOutput{EntryPoint: cfg.Backend.EntryPoint, Candidates: cfg.Backend.RootCandidates()}
	root, err := resolver.Resolver{Candidates: res.Candidates, EntryPoint: res.EntryPoint, Logger: lg}.Resolve()
	res.Root = root.String()
	printJSON(out, res)
	return err
}

// Bootstrap runs the database preparation chain against the resolved root.
func (c command) Bootstrap(ctx context.Context, out io.Writer) error {
	cfg, lg, closer, err := c.setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	p, err := cfg.Backend.PlatformTag()
	if err != nil {
		return err
	}
	dataDir, err := cfg.Backend.ResolvedDataDir()
	if err != nil {
		return err
	}
	root, err := resolver.Resolver{
		Candidates: cfg.Backend.RootCandidates(),
		EntryPoint: cfg.Backend.EntryPoint,
		Logger:     lg,
	}.Resolve()
	if err != nil {
		return err
	}
	boot, err := shell.Bootstrapper(cfg, lg)
	if err != nil {
		return err
	}
	res, err := boot.Prepare(ctx, root.String(), dataDir, p)
	printJSON(out, res)
	if err != nil {
		return err
	}
	if !res.Outcome.OK() {
		return fmt.Errorf("database preparation failed: %s", res.Outcome.Reason)
	}
	return nil
}

// apiURL picks --api-url, else the control API address from config.
func (c command) apiURL(f APIFlags) string {
	if f.APIUrl != "" {
		return f.APIUrl
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return client.DefaultBaseURL
	}
	base := strings.Trim(cfg.Server.BasePath, "/")
	if base != "" {
		base = "/" + base
	}
	return "http://" + cfg.Server.Listen + base
}

func (c command) client(ctx context.Context, f APIFlags) (*client.Client, error) {
	url := c.apiURL(f)
	cl := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("host not reachable at %s - please start it first with 'cipherhost run'", url)
	}
	return cl, nil
}

func (c command) Status(ctx context.Context, out io.Writer, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(out, st)
	return nil
}

func (c command) Start(ctx context.Context, out io.Writer, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	return printMessage(out)(cl.StartBackend(ctx))
}

func (c command) Stop(ctx context.Context, out io.Writer, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	return printMessage(out)(cl.StopBackend(ctx, f.Wait))
}

func (c command) Restart(ctx context.Context, out io.Writer, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	return printMessage(out)(cl.RestartBackend(ctx, f.Wait))
}

func (c command) Platform(ctx context.Context, out io.Writer, f APIFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	return printMessage(out)(cl.Platform(ctx))
}

func (c command) Open(ctx context.Context, out io.Writer, f APIFlags, rawURL string) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	return printMessage(out)(cl.OpenURL(ctx, rawURL))
}

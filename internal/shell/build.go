package shell

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cipherhost/internal/bootstrap"
	"github.com/loykin/cipherhost/internal/config"
	"github.com/loykin/cipherhost/internal/env"
	"github.com/loykin/cipherhost/internal/fallback"
	"github.com/loykin/cipherhost/internal/history"
	"github.com/loykin/cipherhost/internal/history/factory"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/process"
	"github.com/loykin/cipherhost/internal/supervisor"
)

// PIDFileName is the backend pid file kept under the data dir.
const PIDFileName = "backend.pid"

// FromConfig wires every component described by cfg. Metrics collectors are
// registered with reg when metrics are enabled; nil means the default
// registerer.
func FromConfig(cfg *config.Config, reg prometheus.Registerer, lg *slog.Logger) (*App, error) {
	if lg == nil {
		lg = slog.Default()
	}
	p, err := cfg.Backend.PlatformTag()
	if err != nil {
		return nil, err
	}
	dataDir, err := cfg.Backend.ResolvedDataDir()
	if err != nil {
		return nil, err
	}
	childEnv, err := childEnvFor(cfg)
	if err != nil {
		return nil, err
	}
	builder := process.NewBuilder(cfg.Backend.Ruby)
	boot := newBootstrapper(cfg, childEnv, builder, lg)

	var sampler *metrics.ResourceSampler
	if cfg.Metrics.Enabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.SampleInterval > 0 {
			sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, lg)
			if err := sampler.Register(reg); err != nil {
				return nil, fmt.Errorf("register sampler: %w", err)
			}
		}
	}

	supCfg := supervisor.Config{
		Port:          cfg.Backend.Port,
		ReadyTimeout:  cfg.Backend.ReadyTimeout,
		ProbeInterval: cfg.Backend.ProbeInterval,
		Builder:       builder,
		Env:           childEnv,
		Log:           cfg.Log.Logger(),
		PIDFile:       filepath.Join(dataDir, PIDFileName),
		Preparer:      boot,
		Sampler:       sampler,
		Logger:        lg,
	}

	var hist *history.Async
	if cfg.History.Enabled {
		sinks, err := factory.NewMulti(cfg.History.DSNs)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		hist = history.NewAsync(sinks, lg)
		supCfg.History = hist
	}

	return New(Options{
		Platform:   p,
		Candidates: cfg.Backend.RootCandidates(),
		EntryPoint: cfg.Backend.EntryPoint,
		DataDir:    dataDir,
		Supervisor: supervisor.New(supCfg),
		Fallback: fallback.Config{
			Listen:   cfg.Fallback.Listen,
			MaxConns: cfg.Fallback.MaxConns,
			Logger:   lg,
		},
		History:    hist,
		Sampler:    sampler,
		LaunchWait: cfg.Backend.LaunchWait,
		Logger:     lg,
	}), nil
}

// Bootstrapper builds the database preparer described by cfg, for running
// the preparation chain without a supervisor.
func Bootstrapper(cfg *config.Config, lg *slog.Logger) (*bootstrap.Bootstrapper, error) {
	if lg == nil {
		lg = slog.Default()
	}
	childEnv, err := childEnvFor(cfg)
	if err != nil {
		return nil, err
	}
	return newBootstrapper(cfg, childEnv, process.NewBuilder(cfg.Backend.Ruby), lg), nil
}

func childEnvFor(cfg *config.Config) (*env.Env, error) {
	kvs, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	return env.New().WithBase(kvs), nil
}

func newBootstrapper(cfg *config.Config, childEnv *env.Env, builder process.Builder, lg *slog.Logger) *bootstrap.Bootstrapper {
	boot := bootstrap.New(bootstrap.ExecRunner{Env: childEnv}, builder, lg)
	boot.SkipIfInitialized = cfg.Backend.SkipIfInitialized
	boot.Verify = cfg.Backend.Verify
	if cfg.Backend.BaselineTable != "" {
		boot.BaselineTable = cfg.Backend.BaselineTable
	}
	return boot
}

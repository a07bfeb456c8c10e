// Package cipherhost embeds the Cipher backend host: it resolves the bundled
// Rails backend, prepares its database, supervises the backend process and
// answers with built-in pages whenever the backend is unavailable.
package cipherhost

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cipherhost/internal/config"
	"github.com/loykin/cipherhost/internal/fallback"
	"github.com/loykin/cipherhost/internal/history"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/resolver"
	iapi "github.com/loykin/cipherhost/internal/server"
	"github.com/loykin/cipherhost/internal/shell"
	"github.com/loykin/cipherhost/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type State = supervisor.State

type Launch = shell.Launch

type HistorySink = history.Sink

const (
	NotStarted = supervisor.NotStarted
	Starting   = supervisor.Starting
	Running    = supervisor.Running
	Stopped    = supervisor.Stopped
	Failed     = supervisor.Failed
)

// ErrNotFound is returned (wrapped) when no candidate root holds the entry point.
var ErrNotFound = resolver.ErrNotFound

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Host is a thin facade over the shell application.
type Host struct{ inner *shell.App }

// New wires a host from cfg. Metrics, when enabled, go to the default registry.
func New(cfg *Config, logger *slog.Logger) (*Host, error) {
	app, err := shell.FromConfig(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	return &Host{inner: app}, nil
}

func (h *Host) Launch(ctx context.Context) (Launch, error) { return h.inner.Launch(ctx) }
func (h *Host) StartBackend(ctx context.Context) (string, error) {
	return h.inner.StartBackend(ctx)
}
func (h *Host) StopBackend(ctx context.Context) (string, error) { return h.inner.StopBackend(ctx) }
func (h *Host) RestartBackend(ctx context.Context) (string, error) {
	return h.inner.RestartBackend(ctx)
}
func (h *Host) Status() Status      { return h.inner.Status() }
func (h *Host) Platform() string    { return h.inner.Platform() }
func (h *Host) FallbackURL() string { return h.inner.FallbackURL() }
func (h *Host) OpenURL(ctx context.Context, rawURL string) (string, error) {
	return h.inner.OpenURL(ctx, rawURL)
}
func (h *Host) Shutdown(ctx context.Context) error { return h.inner.Shutdown(ctx) }

// Resolve returns the first candidate directory holding entryPoint.
func Resolve(candidates []string, entryPoint string) (string, error) {
	root, err := resolver.Resolve(candidates, entryPoint)
	return root.String(), err
}

// FallbackResponse renders the built-in server's full HTTP response for a
// raw request.
func FallbackResponse(raw []byte) []byte {
	return fallback.Respond(raw, fallback.ModeNormal).Bytes()
}

// NewHTTPServer starts the loopback control API for h.
func NewHTTPServer(addr, basePath string, h *Host) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, h.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr, blocking
// in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/cipherhost/internal/logger"
	"github.com/loykin/cipherhost/internal/platform"
	"github.com/loykin/cipherhost/internal/resolver"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// CIPHERHOST_BACKEND_PORT=3100.
const EnvPrefix = "CIPHERHOST"

const (
	DefaultBackendPort   = 3001
	DefaultFallbackAddr  = "127.0.0.1:3000"
	DefaultServerAddr    = "127.0.0.1:7420"
	DefaultBasePath      = "/api"
	DefaultReadyTimeout  = 30 * time.Second
	DefaultProbeInterval = 250 * time.Millisecond
	DefaultLaunchWait    = 2 * time.Second
	DefaultBaselineTable = "users"
)

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Fallback FallbackConfig `toml:"fallback" mapstructure:"fallback"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

type BackendConfig struct {
	EntryPoint        string        `toml:"entry_point" mapstructure:"entry_point"`
	Candidates        []string      `toml:"candidates" mapstructure:"candidates"`
	ResourceDir       string        `toml:"resource_dir" mapstructure:"resource_dir"`
	DevRoot           string        `toml:"dev_root" mapstructure:"dev_root"`
	DataDir           string        `toml:"data_dir" mapstructure:"data_dir"`
	Platform          string        `toml:"platform" mapstructure:"platform"`
	Port              int           `toml:"port" mapstructure:"port"`
	Ruby              string        `toml:"ruby" mapstructure:"ruby"`
	ReadyTimeout      time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	ProbeInterval     time.Duration `toml:"probe_interval" mapstructure:"probe_interval"`
	LaunchWait        time.Duration `toml:"launch_wait" mapstructure:"launch_wait"`
	SkipIfInitialized bool          `toml:"skip_if_initialized" mapstructure:"skip_if_initialized"`
	Verify            bool          `toml:"verify" mapstructure:"verify"`
	BaselineTable     string        `toml:"baseline_table" mapstructure:"baseline_table"`
}

type FallbackConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	MaxConns int64  `toml:"max_conns" mapstructure:"max_conns"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Time       bool   `toml:"time" mapstructure:"time"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	// SampleInterval controls the backend resource sampler; zero disables it.
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

// HistoryConfig lists lifecycle event sinks by DSN
// (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsn" mapstructure:"dsn"`
}

// Logger converts the [log] section into logger.Config.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: logger.Format(l.Format),
		Color:  l.Color,
		Time:   l.Time,
		File: logger.FileConfig{
			Dir:        l.Dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// PlatformTag parses the configured platform, defaulting to the running one.
func (b BackendConfig) PlatformTag() (platform.Platform, error) {
	return platform.Parse(b.Platform)
}

// ResolvedDataDir returns the data dir, defaulting to <user config dir>/cipherhost.
func (b BackendConfig) ResolvedDataDir() (string, error) {
	if b.DataDir != "" {
		return filepath.Abs(b.DataDir)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(base, "cipherhost"), nil
}

// RootCandidates returns the explicit candidate list or the default layout
// built from resource_dir, the executable path and dev_root.
func (b BackendConfig) RootCandidates() []string {
	if len(b.Candidates) > 0 {
		return b.Candidates
	}
	exe, _ := os.Executable()
	return resolver.DefaultCandidates(b.ResourceDir, exe, b.DevRoot)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("backend.entry_point", resolver.DefaultEntryPoint)
	v.SetDefault("backend.candidates", []string{})
	v.SetDefault("backend.resource_dir", "")
	v.SetDefault("backend.dev_root", "")
	v.SetDefault("backend.data_dir", "")
	v.SetDefault("backend.platform", "")
	v.SetDefault("backend.port", DefaultBackendPort)
	v.SetDefault("backend.ruby", "ruby")
	v.SetDefault("backend.ready_timeout", DefaultReadyTimeout)
	v.SetDefault("backend.probe_interval", DefaultProbeInterval)
	v.SetDefault("backend.launch_wait", DefaultLaunchWait)
	v.SetDefault("backend.skip_if_initialized", true)
	v.SetDefault("backend.verify", true)
	v.SetDefault("backend.baseline_table", DefaultBaselineTable)

	v.SetDefault("fallback.listen", DefaultFallbackAddr)
	v.SetDefault("fallback.max_conns", 0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultServerAddr)
	v.SetDefault("server.base_path", DefaultBasePath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.time", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 5*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", []string{})
}

// Load reads the TOML file at path (optional) on top of defaults and applies
// CIPHERHOST_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks values that would otherwise surface as runtime failures.
func (c *Config) Validate() error {
	if _, err := c.Backend.PlatformTag(); err != nil {
		return fmt.Errorf("backend.platform: %w", err)
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port out of range: %d", c.Backend.Port)
	}
	if c.Backend.ReadyTimeout <= 0 {
		return fmt.Errorf("backend.ready_timeout must be positive")
	}
	if c.Backend.ProbeInterval <= 0 {
		return fmt.Errorf("backend.probe_interval must be positive")
	}
	if c.Backend.LaunchWait <= 0 {
		return fmt.Errorf("backend.launch_wait must be positive")
	}
	if c.Backend.EntryPoint == "" {
		return fmt.Errorf("backend.entry_point is required")
	}
	if c.Fallback.MaxConns < 0 {
		return fmt.Errorf("fallback.max_conns must not be negative")
	}
	if _, _, err := net.SplitHostPort(c.Fallback.Listen); err != nil {
		return fmt.Errorf("fallback.listen: %w", err)
	}
	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("history.enabled requires at least one dsn")
	}
	return nil
}

// GlobalEnv merges env from config: OS env (when use_os_env), env_files
// contents, then the top-level env list. Later sources override earlier ones.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}

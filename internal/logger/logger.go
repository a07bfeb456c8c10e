package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "cipherhost.log"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config is the unified logging configuration: host logs go through slog,
// child stdout/stderr go to rotated files.
type Config struct {
	Level  string `mapstructure:"level"`
	Format Format `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
	// Time controls the time attribute in the output.
	Time bool       `mapstructure:"time"`
	File FileConfig `mapstructure:"file"`
}

// FileConfig describes log files. If StdoutPath/StderrPath are empty and Dir
// is set, child logs go to Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of the named
// child. Both are nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds the host logger. Output goes to w (stderr when nil) and,
// when File.Dir is set, is duplicated into a rotated Dir/cipherhost.log.
// The returned closer releases the log file.
func NewSlogger(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if cfg.File.Dir != "" {
		_ = os.MkdirAll(cfg.File.Dir, 0o750)
		fileW := cfg.File.rotating(filepath.Join(cfg.File.Dir, DefaultFileName))
		closer = fileW
		w = io.MultiWriter(w, fileW)
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if !cfg.Time {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case cfg.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps debug/info/warn/error to slog levels (info by default).
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

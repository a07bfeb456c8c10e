// Package bootstrap prepares the backend's sqlite database before the server
// starts: create, load the schema, fall back to migrations, verify.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/cipherhost/internal/env"
	"github.com/loykin/cipherhost/internal/metrics"
	"github.com/loykin/cipherhost/internal/platform"
	"github.com/loykin/cipherhost/internal/process"
)

// DefaultBaselineTable is created by every schema version of the backend.
const DefaultBaselineTable = "users"

// Preparation commands, in order.
const (
	StepCreate     = "db:create"
	StepSchemaLoad = "db:schema:load"
	StepMigrate    = "db:migrate"
)

var ErrRootMissing = errors.New("backend root missing")

// Runner executes one preparation command to completion.
type Runner interface {
	Run(ctx context.Context, inv process.Invocation) process.Output
}

// ExecRunner runs commands as real child processes. Env supplies the global
// environment the invocation's overrides are layered onto; nil means the
// host environment.
type ExecRunner struct {
	Env *env.Env
}

func (r ExecRunner) Run(ctx context.Context, inv process.Invocation) process.Output {
	e := r.Env
	if e == nil {
		e = env.New()
		e.FromOS()
	}
	return process.Run(ctx, inv, e.Merge(inv.Env))
}

// Result is everything Prepare learned.
type Result struct {
	Outcome      Outcome      `json:"outcome"`
	Steps        []StepResult `json:"steps"`
	DatabasePath string       `json:"database_path"`
	DatabaseURL  string       `json:"database_url"`
	// Env holds the overrides every backend command needs.
	Env []string `json:"env"`
}

// Bootstrapper runs the preparation chain. The zero value is not usable; use New.
type Bootstrapper struct {
	Runner   Runner
	Builder  process.Builder
	Verifier Verifier
	// SkipIfInitialized returns Verified without running any command when the
	// baseline table already exists.
	SkipIfInitialized bool
	// Verify inspects the database after preparation.
	Verify        bool
	BaselineTable string
	Logger        *slog.Logger
}

// New returns a Bootstrapper with the pre-check and verification enabled.
func New(runner Runner, builder process.Builder, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		Runner:            runner,
		Builder:           builder,
		Verifier:          SQLiteVerifier{},
		SkipIfInitialized: true,
		Verify:            true,
		BaselineTable:     DefaultBaselineTable,
		Logger:            logger,
	}
}

// Paths returns the database file, its URL and the backend env overrides for
// a data dir and platform.
func Paths(dataDir string, p platform.Platform) (dbPath, dbURL string, overrides []string) {
	dbPath = p.DatabasePath(dataDir)
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	dbURL = platform.DatabaseURL(dbPath)
	return dbPath, dbURL, env.Backend(p.String(), dbURL)
}

// Prepare ensures the database under dataDir is ready for the backend at
// root. Command failures never abort the chain; they are reflected in the
// outcome. The error is non-nil only for a missing root or a cancelled ctx.
func (b *Bootstrapper) Prepare(ctx context.Context, root, dataDir string, p platform.Platform) (Result, error) {
	lg := b.logger().With("platform", p.String())
	if root == "" {
		return Result{Outcome: Outcome{Kind: Failed, Reason: ErrRootMissing.Error()}}, ErrRootMissing
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return Result{Outcome: Outcome{Kind: Failed, Reason: ErrRootMissing.Error()}}, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}

	storage := platform.StorageDir(dataDir)
	if err := os.MkdirAll(storage, 0o750); err != nil {
		lg.Warn("failed to create storage directory", "dir", storage, "error", err)
	}

	dbPath, dbURL, overrides := Paths(dataDir, p)
	res := Result{DatabasePath: dbPath, DatabaseURL: dbURL, Env: overrides}
	lg.Info("preparing database", "path", dbPath)

	table := b.baselineTable()
	if b.SkipIfInitialized && b.Verifier != nil {
		ok, err := b.Verifier.HasTable(ctx, dbPath, table)
		if err != nil {
			lg.Warn("database pre-check failed", "error", err)
		}
		if ok {
			res.Outcome = Outcome{Kind: Verified}
			lg.Info("database already initialized", "table", table)
			b.record(res)
			return res, nil
		}
	}

	create := b.step(ctx, lg, root, overrides, StepCreate)
	res.Steps = append(res.Steps, create)
	if err := ctx.Err(); err != nil {
		return b.cancelled(res, err)
	}

	schema := b.step(ctx, lg, root, overrides, StepSchemaLoad)
	res.Steps = append(res.Steps, schema)
	if err := ctx.Err(); err != nil {
		return b.cancelled(res, err)
	}

	if schema.OK() {
		res.Outcome = Outcome{Kind: Created}
	} else {
		lg.Warn("schema load failed, falling back to migrations", "reason", schema.summary())
		migrate := b.step(ctx, lg, root, overrides, StepMigrate)
		res.Steps = append(res.Steps, migrate)
		if err := ctx.Err(); err != nil {
			return b.cancelled(res, err)
		}
		if migrate.OK() {
			res.Outcome = Outcome{Kind: MigratedFallback}
		} else {
			res.Outcome = Outcome{Kind: Failed, Reason: fmt.Sprintf("schema load: %s; migrate: %s", schema.summary(), migrate.summary())}
		}
	}

	if res.Outcome.OK() && b.Verify && b.Verifier != nil {
		ok, err := b.Verifier.HasTable(ctx, dbPath, table)
		switch {
		case err != nil:
			res.Outcome = Outcome{Kind: Failed, Reason: "verification: " + err.Error()}
		case !ok:
			res.Outcome = Outcome{Kind: Failed, Reason: "baseline table missing"}
		}
	}

	if res.Outcome.OK() {
		lg.Info("database ready", "outcome", res.Outcome.String())
	} else {
		lg.Error("database preparation failed", "reason", res.Outcome.Reason)
	}
	b.record(res)
	return res, nil
}

func (b *Bootstrapper) step(ctx context.Context, lg *slog.Logger, root string, overrides []string, task string) StepResult {
	inv := b.Builder.Rails(root, overrides, task)
	out := b.Runner.Run(ctx, inv)
	sr := stepFrom(task, inv, out)
	attrs := []any{"step", task, "cmd", inv.String(), "exit_code", sr.ExitCode, "duration", sr.Duration}
	if sr.Stdout != "" {
		attrs = append(attrs, "stdout", sr.Stdout)
	}
	if sr.Stderr != "" {
		attrs = append(attrs, "stderr", sr.Stderr)
	}
	if sr.OK() {
		lg.Info("database step finished", attrs...)
	} else {
		lg.Warn("database step failed", append(attrs, "error", sr.Err)...)
	}
	metrics.ObserveBootstrapStep(task, sr.OK(), sr.Duration.Seconds())
	return sr
}

func (b *Bootstrapper) cancelled(res Result, err error) (Result, error) {
	res.Outcome = Outcome{Kind: Failed, Reason: "cancelled"}
	b.record(res)
	return res, err
}

func (b *Bootstrapper) record(res Result) {
	metrics.IncBootstrapOutcome(string(res.Outcome.Kind))
}

func (b *Bootstrapper) baselineTable() string {
	if b.BaselineTable == "" {
		return DefaultBaselineTable
	}
	return b.BaselineTable
}

func (b *Bootstrapper) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

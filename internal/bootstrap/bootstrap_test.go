package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cipherhost/internal/env"
	"github.com/loykin/cipherhost/internal/platform"
	"github.com/loykin/cipherhost/internal/process"
)

// fakeRunner answers by rails task name and records every invocation.
type fakeRunner struct {
	mu    sync.Mutex
	calls []process.Invocation
	fail  map[string]bool
	// onRun lets a test touch the database when a task runs.
	onRun func(task string)
}

func (f *fakeRunner) Run(_ context.Context, inv process.Invocation) process.Output {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	task := inv.Args[len(inv.Args)-1]
	if f.onRun != nil {
		f.onRun(task)
	}
	if f.fail[task] {
		return process.Output{ExitCode: 1, Stderr: "rails aborted!\n" + task + " failed\n", Err: errors.New("exit status 1")}
	}
	return process.Output{Stdout: task + " ok\n"}
}

func (f *fakeRunner) count(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Args[len(c.Args)-1] == task {
			n++
		}
	}
	return n
}

// fakeVerifier reports tables per phase: pre is the answer before any
// command ran, post afterwards.
type fakeVerifier struct {
	pre, post bool
	err       error
	runner    *fakeRunner
}

func (v fakeVerifier) HasTable(context.Context, string, string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	if v.runner != nil && len(v.runner.calls) > 0 {
		return v.post, nil
	}
	return v.pre, nil
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "rails"), []byte("#!/usr/bin/env ruby\n"), 0o755))
	return root
}

func newBootstrapper(r *fakeRunner, v Verifier) *Bootstrapper {
	b := New(r, process.Builder{GOOS: "linux", Interpreter: "ruby"}, nil)
	b.Verifier = v
	return b
}

func TestPrepare_SchemaLoadSucceeds_NoMigrate(t *testing.T) {
	r := &fakeRunner{}
	b := newBootstrapper(r, fakeVerifier{pre: false, post: true, runner: r})
	dataDir := t.TempDir()

	res, err := b.Prepare(context.Background(), newRoot(t), dataDir, platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome.Kind)
	assert.Equal(t, 1, r.count(StepCreate))
	assert.Equal(t, 1, r.count(StepSchemaLoad))
	assert.Equal(t, 0, r.count(StepMigrate))
	require.Len(t, res.Steps, 2)
	assert.Equal(t, []string{"ruby", "bin/rails", "db:create"}, res.Steps[0].Argv)

	assert.DirExists(t, filepath.Join(dataDir, "storage"))
	assert.Equal(t, filepath.Join(dataDir, "storage", "desktop.sqlite3"), res.DatabasePath)
	assert.True(t, strings.HasPrefix(res.DatabaseURL, "sqlite3://"))
	mode, _ := env.Lookup(res.Env, env.KeyRuntimeMode)
	assert.Equal(t, "desktop", mode)
	url, _ := env.Lookup(res.Env, env.KeyDatabaseURL)
	assert.Equal(t, res.DatabaseURL, url)
}

func TestPrepare_SchemaLoadFails_ExactlyOneMigrate(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{StepSchemaLoad: true}}
	b := newBootstrapper(r, fakeVerifier{post: true, runner: r})

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Android)
	require.NoError(t, err)
	assert.Equal(t, MigratedFallback, res.Outcome.Kind)
	assert.Equal(t, 1, r.count(StepMigrate))
	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[1].OK())
	assert.Equal(t, 1, res.Steps[1].ExitCode)
	assert.Contains(t, res.Steps[1].Stderr, "db:schema:load failed")
}

func TestPrepare_BothFail(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{StepSchemaLoad: true, StepMigrate: true}}
	b := newBootstrapper(r, fakeVerifier{runner: r})

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Desktop)
	require.NoError(t, err, "command failures are not errors")
	assert.Equal(t, Failed, res.Outcome.Kind)
	assert.False(t, res.Outcome.OK())
	assert.Contains(t, res.Outcome.Reason, "db:migrate failed")
	assert.Equal(t, 1, r.count(StepMigrate))
}

func TestPrepare_CreateFailureDoesNotAbort(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{StepCreate: true}}
	b := newBootstrapper(r, fakeVerifier{post: true, runner: r})

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome.Kind)
	assert.Equal(t, 1, r.count(StepSchemaLoad))
}

func TestPrepare_VerificationFindsNoTable(t *testing.T) {
	r := &fakeRunner{}
	b := newBootstrapper(r, fakeVerifier{pre: false, post: false, runner: r})

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Kind: Failed, Reason: "baseline table missing"}, res.Outcome)
}

func TestPrepare_VerifyDisabled(t *testing.T) {
	r := &fakeRunner{}
	b := newBootstrapper(r, fakeVerifier{runner: r})
	b.Verify = false

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome.Kind)
}

func TestPrepare_AlreadyInitializedSkipsCommands(t *testing.T) {
	r := &fakeRunner{}
	b := newBootstrapper(r, fakeVerifier{pre: true, runner: r})

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.IOS)
	require.NoError(t, err)
	assert.Equal(t, Verified, res.Outcome.Kind)
	assert.Empty(t, res.Steps)
	assert.Empty(t, r.calls)

	b.SkipIfInitialized = false
	res, err = b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.IOS)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome.Kind)
	assert.Equal(t, 1, r.count(StepSchemaLoad))
}

func TestPrepare_RootMissing(t *testing.T) {
	r := &fakeRunner{}
	b := newBootstrapper(r, fakeVerifier{})

	_, err := b.Prepare(context.Background(), "", t.TempDir(), platform.Desktop)
	assert.ErrorIs(t, err, ErrRootMissing)
	_, err = b.Prepare(context.Background(), filepath.Join(t.TempDir(), "gone"), t.TempDir(), platform.Desktop)
	assert.ErrorIs(t, err, ErrRootMissing)
	assert.Empty(t, r.calls)
}

func TestPrepare_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRunner{onRun: func(task string) {
		if task == StepCreate {
			cancel()
		}
	}}
	b := newBootstrapper(r, fakeVerifier{runner: r})

	res, err := b.Prepare(ctx, newRoot(t), t.TempDir(), platform.Desktop)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res.Outcome.Kind)
	assert.Equal(t, 0, r.count(StepSchemaLoad))
}

func TestPrepare_WindowsArgv(t *testing.T) {
	r := &fakeRunner{}
	b := New(r, process.Builder{GOOS: "windows"}, nil)
	b.Verifier = fakeVerifier{post: true, runner: r}

	res, err := b.Prepare(context.Background(), newRoot(t), t.TempDir(), platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd", "/C", "ruby", "bin/rails", "db:schema:load"}, res.Steps[1].Argv)
}

func TestPrepare_RealSQLiteVerification(t *testing.T) {
	dataDir := t.TempDir()
	dbPath, _, _ := Paths(dataDir, platform.Desktop)
	r := &fakeRunner{onRun: func(task string) {
		if task != StepSchemaLoad {
			return
		}
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		defer func() { _ = db.Close() }()
		if _, err := db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)`); err != nil {
			t.Errorf("create: %v", err)
		}
	}}
	b := New(r, process.Builder{GOOS: "linux"}, nil)

	res, err := b.Prepare(context.Background(), newRoot(t), dataDir, platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome.Kind)

	// a second run finds the table and skips every command
	before := len(r.calls)
	res, err = b.Prepare(context.Background(), newRoot(t), dataDir, platform.Desktop)
	require.NoError(t, err)
	assert.Equal(t, Verified, res.Outcome.Kind)
	assert.Len(t, r.calls, before)
}

func TestSQLiteVerifier_MissingFileIsNotCreated(t *testing.T) {
	p := filepath.Join(t.TempDir(), "none.sqlite3")
	ok, err := SQLiteVerifier{}.HasTable(context.Background(), p, "users")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, p)
}

func TestSQLiteVerifier_OtherTable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.sqlite3")
	db, err := sql.Open("sqlite", p)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE posts (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ok, err := SQLiteVerifier{}.HasTable(context.Background(), p, "users")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = SQLiteVerifier{}.HasTable(context.Background(), p, "posts")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "created", Outcome{Kind: Created}.String())
	assert.Equal(t, "failed: boom", Outcome{Kind: Failed, Reason: "boom"}.String())
	assert.False(t, Outcome{}.OK())
}

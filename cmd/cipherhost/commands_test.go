package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cipherhost/internal/config"
	"github.com/loykin/cipherhost/internal/resolver"
	"github.com/loykin/cipherhost/internal/shell"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeTOML(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "cipherhost.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func backendRoot(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	script := "#!/bin/sh\necho \"$*\"\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "rails"), []byte(script), 0o755))
	return dir
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	want := []string{"run", "fallback", "resolve", "bootstrap", "status", "start", "stop", "restart", "platform", "open"}
	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	for _, w := range want {
		assert.Contains(t, got, w)
	}
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "cipherhost")
	assert.Contains(t, out, "fallback")
}

func fakeHost(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/healthz":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/api/backend/status":
			_, _ = w.Write([]byte(`{"state":"running","pid":4242,"addr":"127.0.0.1:3001","starts":1,"restarts":0}`))
		case "/api/backend/start":
			_, _ = w.Write([]byte(`{"message":"backend started (pid 4242)"}`))
		case "/api/backend/stop":
			_, _ = w.Write([]byte(`{"message":"backend stopped (pid 4242) wait=` + r.URL.Query().Get("wait") + `"}`))
		case "/api/backend/restart":
			_, _ = w.Write([]byte(`{"message":"backend started (pid 4243)"}`))
		case "/api/platform":
			_, _ = w.Write([]byte(`{"platform":"desktop"}`))
		case "/api/open":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported url"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPICommands(t *testing.T) {
	api := fakeHost(t).URL + "/api"

	out, err := execute(t, "status", "--api-url", api)
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "running", st["state"])
	assert.EqualValues(t, 4242, st["pid"])

	out, err = execute(t, "start", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "backend started (pid 4242)\n", out)

	out, err = execute(t, "stop", "--api-url", api, "--wait", "5s")
	require.NoError(t, err)
	assert.Equal(t, "backend stopped (pid 4242) wait=5s\n", out)

	out, err = execute(t, "restart", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "4243")

	out, err = execute(t, "platform", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "desktop\n", out)

	_, err = execute(t, "open", "--api-url", api, "file:///etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported url")

	_, err = execute(t, "open", "--api-url", api)
	require.Error(t, err)
}

func TestAPICommandUnreachable(t *testing.T) {
	_, err := execute(t, "status", "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "300ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestAPIURLFromConfig(t *testing.T) {
	path := writeTOML(t, t.TempDir(), `
[server]
listen = "127.0.0.1:9911"
base_path = "ctl/"
`)
	c := command{global: &GlobalFlags{ConfigPath: path}}
	assert.Equal(t, "http://127.0.0.1:9911/ctl", c.apiURL(APIFlags{}))
	assert.Equal(t, "http://x/api", c.apiURL(APIFlags{APIUrl: "http://x/api"}))

	bad := command{global: &GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}}
	assert.Equal(t, "http://127.0.0.1:7420/api", bad.apiURL(APIFlags{}))
}

func TestResolveCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh scripts")
	}
	dir := t.TempDir()
	good := backendRoot(t, 0)
	missing := filepath.Join(dir, "nope")
	path := writeTOML(t, dir, `
[backend]
candidates = ["`+missing+`", "`+good+`"]
`)
	out, err := execute(t, "--config", path, "resolve")
	require.NoError(t, err)
	var res resolveOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, good, res.Root)
	assert.Equal(t, []string{missing, good}, res.Candidates)

	path = writeTOML(t, dir, `
[backend]
candidates = ["`+missing+`"]
`)
	_, err = execute(t, "--config", path, "resolve")
	assert.True(t, errors.Is(err, resolver.ErrNotFound), "got %v", err)
}

func bootstrapConfig(t *testing.T, root string) string {
	t.Helper()
	dir := t.TempDir()
	return writeTOML(t, dir, `
use_os_env = true

[backend]
candidates = ["`+root+`"]
data_dir = "`+filepath.Join(dir, "data")+`"
platform = "desktop"
ruby = "/bin/sh"
skip_if_initialized = false
verify = false

[log]
level = "error"
`)
}

func TestBootstrapCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh scripts")
	}
	out, err := execute(t, "--config", bootstrapConfig(t, backendRoot(t, 0)), "bootstrap")
	require.NoError(t, err)
	var res struct {
		Outcome struct {
			Kind string `json:"kind"`
		} `json:"outcome"`
		Steps       []json.RawMessage `json:"steps"`
		DatabaseURL string            `json:"database_url"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "created", res.Outcome.Kind)
	assert.Len(t, res.Steps, 2)
	assert.True(t, strings.HasPrefix(res.DatabaseURL, "sqlite3://"))
	assert.True(t, strings.HasSuffix(res.DatabaseURL, "desktop.sqlite3"))

	_, err = execute(t, "--config", bootstrapConfig(t, backendRoot(t, 1)), "bootstrap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database preparation failed")
}

func TestRunHostMobileServesFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[backend]
platform = "android"
data_dir = "`+filepath.Join(dir, "data")+`"

[fallback]
listen = "127.0.0.1:0"

[server]
listen = "127.0.0.1:0"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runHost(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), out)
	}()

	var launch shell.Launch
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if json.Unmarshal([]byte(out.String()), &launch) == nil && launch.URL != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, shell.ModeFallback, launch.Mode)

	resp, err := http.Get(launch.URL + "/users/sign_in")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Cipher")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runHost did not return after cancel")
	}
}

func TestRunHostRejectsPublicControlAddr(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[backend]
platform = "ios"
data_dir = "`+filepath.Join(dir, "data")+`"

[server]
listen = "0.0.0.0:0"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	err = runHost(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control API")
}

func TestFallbackCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[log]
level = "error"
`)
	root := buildRoot()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", path, "fallback", "--listen", "127.0.0.1:0", "--starting"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	var url string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := out.String(); strings.Contains(s, "http://") {
			url = strings.TrimSpace(s[strings.Index(s, "http://"):])
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, url)

	resp, err := http.Get(url + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "Backend server starting...")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fallback command did not stop")
	}
}

package process

import (
	"os/exec"
	"runtime"
	"strings"
)

// DefaultInterpreter runs the backend's scripts.
const DefaultInterpreter = "ruby"

// Invocation is a fully-resolved command line for a child process.
type Invocation struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env,omitempty"` // overrides only; merged with the host env at spawn time
	Dir     string   `json:"dir"`
}

// Builder produces invocations for one OS. Operating systems differ only in
// argv shape: Windows routes through "cmd /C", everything else execs the
// interpreter directly.
type Builder struct {
	GOOS        string
	Interpreter string
}

// NewBuilder returns a Builder for the running OS.
func NewBuilder(interpreter string) Builder {
	return Builder{GOOS: runtime.GOOS, Interpreter: interpreter}
}

// Build returns the invocation running the interpreter with args in dir.
func (b Builder) Build(dir string, env []string, args ...string) Invocation {
	interp := strings.TrimSpace(b.Interpreter)
	if interp == "" {
		interp = DefaultInterpreter
	}
	argv := append([]string{interp}, args...)
	cmd, rest := shellWrap(b.goos(), argv)
	return Invocation{
		Command: cmd,
		Args:    rest,
		Env:     append([]string(nil), env...),
		Dir:     dir,
	}
}

// Rails builds "bin/rails <task...>" under root.
func (b Builder) Rails(root string, env []string, task ...string) Invocation {
	return b.Build(root, env, append([]string{"bin/rails"}, task...)...)
}

func (b Builder) goos() string {
	if b.GOOS == "" {
		return runtime.GOOS
	}
	return b.GOOS
}

func shellWrap(goos string, argv []string) (string, []string) {
	if goos == "windows" {
		return "cmd", append([]string{"/C"}, argv...)
	}
	return argv[0], append([]string(nil), argv[1:]...)
}

// String renders the command line for logs.
func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Command}, inv.Args...), " ")
}

// Cmd builds an *exec.Cmd with the given full environment. A nil env
// inherits the host environment.
func (inv Invocation) Cmd(fullEnv []string) *exec.Cmd {
	// #nosec G204 -- command comes from the resolved backend root, not user input
	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	if fullEnv != nil {
		cmd.Env = fullEnv
	}
	return cmd
}

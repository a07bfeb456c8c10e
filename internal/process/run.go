package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Output is the captured result of a one-shot command.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error // spawn failure or non-zero exit
}

// Success reports a zero exit status.
func (o Output) Success() bool { return o.Err == nil && o.ExitCode == 0 }

// Run executes inv to completion, capturing stdout and stderr. Cancelling ctx
// kills the command.
func Run(ctx context.Context, inv Invocation, fullEnv []string) Output {
	// #nosec G204 -- see Invocation.Cmd
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	if fullEnv != nil {
		cmd.Env = fullEnv
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Err:      err,
		ExitCode: exitCode(err),
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) && ctx.Err() != nil {
		out.Err = ctx.Err()
	}
	return out
}

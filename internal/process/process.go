package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNotStarted is returned by operations that need a live child.
var ErrNotStarted = errors.New("process not started")

// Process owns one spawned child. A single goroutine owns cmd.Wait; every
// other caller observes exit through Done.
type Process struct {
	inv       Invocation
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{}
}

func New(inv Invocation) *Process { return &Process{inv: inv} }

// Invocation returns the command line this process was built from.
func (p *Process) Invocation() Invocation { return p.inv }

// Start spawns the child with fullEnv and the given output writers (nil
// writers discard output). Writers are closed once the child exits.
func (p *Process) Start(fullEnv []string, stdout, stderr io.WriteCloser) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return errors.New("process already started")
	}
	p.mu.Unlock()

	cmd := p.inv.Cmd(fullEnv)
	configureSysProcAttr(cmd)
	var null *os.File
	if stdout == nil || stderr == nil {
		null, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if stdout != nil {
		cmd.Stdout = stdout
	} else if null != nil {
		cmd.Stdout = null
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else if null != nil {
		cmd.Stderr = null
	}
	if err := cmd.Start(); err != nil {
		if null != nil {
			_ = null.Close()
		}
		closeIf(stdout)
		closeIf(stderr)
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.outCloser, p.errCloser = stdout, stderr
	p.waitDone = make(chan struct{})
	p.status = Status{PID: cmd.Process.Pid, Running: true, StartedAt: time.Now()}
	done := p.waitDone
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if null != nil {
			_ = null.Close()
		}
		p.markExited(err)
		p.closeWriters()
		close(done)
	}()
	return nil
}

// Done is closed when the child has exited and been reaped. It is nil before
// Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	d := p.Done()
	if d == nil {
		return false
	}
	select {
	case <-d:
		return true
	default:
		return false
	}
}

// Terminate asks the child (and its process group on Unix) to exit. It does
// not wait; use Wait or Done for that.
func (p *Process) Terminate() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	return terminate(cmd.Process)
}

// Wait blocks until the child exits or ctx ends, returning the exit error
// (nil on a clean exit) or ctx.Err().
func (p *Process) Wait(ctx context.Context) error {
	d := p.Done()
	if d == nil {
		return ErrNotStarted
	}
	select {
	case <-d:
		return p.Snapshot().ExitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) markExited(err error) {
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.status.ExitCode = exitCode(err)
	p.mu.Unlock()
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	out, errw := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	closeIf(out)
	closeIf(errw)
}

// CreateTime returns the OS-reported start time of pid in unix milliseconds,
// or 0 when it cannot be determined.
func CreateTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	gp, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := gp.CreateTime()
	if err != nil {
		return 0
	}
	return ms
}

// Exists reports whether a process with pid is present on the system.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

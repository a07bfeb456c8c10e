//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// terminate kills the child's whole process tree with taskkill. When taskkill
// fails (typically because the tree already exited) the handle is killed
// directly.
func terminate(p *os.Process) error {
	out, err := exec.Command("taskkill", taskkillArgs(p.Pid)...).CombinedOutput()
	if err == nil {
		return nil
	}
	kerr := p.Kill()
	if kerr == nil || errors.Is(kerr, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("taskkill: %v: %s: %w", err, strings.TrimSpace(string(out)), kerr)
}

// TerminatePID kills a process tree we no longer hold a handle for.
func TerminatePID(pid int) error {
	if pid <= 0 {
		return ErrNotStarted
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return terminate(p)
}

package bootstrap

import (
	"strconv"
	"strings"
	"time"

	"github.com/loykin/cipherhost/internal/process"
)

// Kind classifies the result of database preparation.
type Kind string

const (
	// Created means the schema was loaded.
	Created Kind = "created"
	// Verified means the database already held the baseline table and
	// preparation was skipped.
	Verified Kind = "verified"
	// MigratedFallback means schema load failed and migrations succeeded.
	MigratedFallback Kind = "migrated_fallback"
	// Failed means neither path produced a usable database. The backend is
	// still started.
	Failed Kind = "failed"
)

// Outcome is the summary consumed by the supervisor.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Reason
}

// OK reports whether the database is expected to be usable.
func (o Outcome) OK() bool { return o.Kind != Failed && o.Kind != "" }

// StepResult captures one preparation command.
type StepResult struct {
	Name     string        `json:"name"`
	Argv     []string      `json:"argv"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// OK reports a zero exit without spawn error.
func (s StepResult) OK() bool { return s.Err == "" && s.ExitCode == 0 }

func stepFrom(name string, inv process.Invocation, out process.Output) StepResult {
	sr := StepResult{
		Name:     name,
		Argv:     append([]string{inv.Command}, inv.Args...),
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: out.Duration,
	}
	if out.Err != nil {
		sr.Err = out.Err.Error()
	}
	return sr
}

// summary is the last non-empty line of stderr, or the error.
func (s StepResult) summary() string {
	lines := strings.Split(strings.TrimSpace(s.Stderr), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	if s.Err != "" {
		return s.Err
	}
	return "exit status " + strconv.Itoa(s.ExitCode)
}

// Package step runs the commands of pipeline steps. The scheduler only sees
// the Executor interface; Shell is the process-backed implementation.
package step

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultShell is used when neither the pipeline, the group nor the step
// names one.
const DefaultShell = "sh -c"

// TimeoutExitCode is reported for steps killed by their timeout or by
// cancellation.
const TimeoutExitCode = 124

// Invocation describes one command to run.
type Invocation struct {
	Step    string
	Command string
	Shell   []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration

	// Verbose marks the diagnostic re-run of a failed step.
	Verbose bool
}

// Result captures the outcome of a single command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Succeeded reports whether the command exited zero.
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Executor runs step commands.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// ParseShell splits a shell spec such as "bash -e -o pipefail -c" into
// argv. An empty spec yields DefaultShell.
func ParseShell(spec string) []string {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return strings.Fields(DefaultShell)
	}
	return fields
}

// Failure records why a step failed.
type Failure struct {
	Step          string `json:"step"`
	ExitCode      int    `json:"exit_code"`
	Output        string `json:"output,omitempty"`
	VerboseOutput string `json:"verbose_output,omitempty"`
	TimedOut      bool   `json:"timed_out,omitempty"`

	// Err is set when the command could not be started at all, or the
	// step predicate could not be evaluated.
	Err error `json:"-"`
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil:
		return fmt.Sprintf("step %q: %v", f.Step, f.Err)
	case f.TimedOut:
		return fmt.Sprintf("step %q: timed out", f.Step)
	default:
		return fmt.Sprintf("step %q: exit code %d", f.Step, f.ExitCode)
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

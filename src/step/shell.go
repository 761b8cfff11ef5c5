package step

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Shell runs commands through a local shell.
type Shell struct {
	// Verbose echoes each command to Stderr before it runs.
	Verbose bool

	// Mirror, when set, receives the combined output as it is produced.
	Mirror io.Writer
	Stderr io.Writer

	// WaitDelay bounds how long Execute waits for output pipes after the
	// process was killed. Zero uses five seconds.
	WaitDelay time.Duration
}

// NewShell creates a Shell that reports to stderr.
func NewShell(verbose bool) *Shell {
	sh := &Shell{Verbose: verbose, Stderr: os.Stderr}
	if verbose {
		sh.Mirror = os.Stderr
	}
	return sh
}

// Execute runs inv.Command as the last argument of inv.Shell. A non-zero
// exit or a timeout is reported in the Result; only a command that could
// not be started returns an error.
func (sh *Shell) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	argv := inv.Shell
	if len(argv) == 0 {
		argv = ParseShell("")
	}
	args := append(append([]string{}, argv[1:]...), inv.Command)

	if sh.Verbose && sh.Stderr != nil {
		fmt.Fprintf(sh.Stderr, "exec [%s]: %s %s\n", inv.Step, strings.Join(argv, " "), inv.Command)
	}

	var buf syncBuffer
	var out io.Writer = &buf
	if sh.Mirror != nil {
		out = io.MultiWriter(&buf, sh.Mirror)
	}

	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Dir = inv.Dir
	cmd.Env = environ(inv.Env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = sh.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	result := &Result{}
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Output = buf.String()

	if ctx.Err() != nil {
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		return result, nil
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("starting %s: %w", argv[0], err)
	}
}

// environ returns the process environment overlaid with env, in a stable
// order.
func environ(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// syncBuffer serializes writes from the stdout and stderr copiers.
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

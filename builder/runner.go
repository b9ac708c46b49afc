package builder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"buildhook/shared/model"
)

// Command is one step invocation.
type Command struct {
	Kind   model.StepKind
	Dir    string
	Script string
	Env    []string
}

// Runner executes a step command. Output receives complete lines in order.
// A non-zero exit code is not an error; err is reserved for commands that
// could not run or were interrupted, in which case it wraps context.Cause.
type Runner interface {
	Run(ctx context.Context, cmd Command, output func(lines []string)) (int, error)
}

// ShellRunner runs scripts through a shell in their own process group, so
// timeouts and cancellation take down every child.
type ShellRunner struct {
	Shell     string
	WaitDelay time.Duration
}

// NewShellRunner creates a new ShellRunner
func NewShellRunner(shell string) *ShellRunner {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellRunner{Shell: shell, WaitDelay: 5 * time.Second}
}

func (r *ShellRunner) Run(ctx context.Context, c Command, output func([]string)) (int, error) {
	cmd := exec.CommandContext(ctx, r.Shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "CI=true")
	cmd.Env = append(cmd.Env, c.Env...)
	configureProcess(cmd)
	cmd.Cancel = func() error {
		terminateProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay

	w := newLineWriter(output)
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	w.Flush()

	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// lineWriter splits a byte stream into lines and hands every complete batch
// to fn. stdout and stderr share one writer, so it serialises writes.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func([]string)
}

func newLineWriter(fn func([]string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(lines) > 0 {
		w.fn(lines)
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return
	}
	line := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	w.fn([]string{line})
}

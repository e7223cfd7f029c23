// Package procexec runs external commands with bounded timeouts and reports
// outcomes as closed result values instead of raw errors.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout bounds any invocation whose caller does not set one.
const DefaultTimeout = 30 * time.Second

// ErrorKind is the closed set of ways an invocation can fail.
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindSpawnFailure
	KindTimeout
	KindNonZeroExit
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindSpawnFailure:
		return "spawn_failure"
	case KindTimeout:
		return "timeout"
	case KindNonZeroExit:
		return "non_zero_exit"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Command describes one invocation. Exactly one of Argv or Shell is set:
// Argv runs the binary directly, Shell runs through "bash -c" so that
// source-style commands work (sh would reject them).
type Command struct {
	Argv    []string
	Shell   string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Command) display() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Argv, " ")
}

// Result is the outcome of a single invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Kind     ErrorKind
	Err      error
	Duration time.Duration
}

// OK reports whether the command ran to completion with a zero exit code.
func (r Result) OK() bool { return r.Kind == KindOK }

// ErrorText returns the most useful failure text: stderr when present,
// otherwise the underlying error string.
func (r Result) ErrorText() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// Runner executes commands. The process-backed implementation is ExecRunner;
// tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands as real OS processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) Result {
	return Run(ctx, cmd)
}

// Run executes cmd and always returns a well-formed Result. A timeout kills
// the whole process group; the caller sees KindTimeout, never a hang.
func Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *exec.Cmd
	switch {
	case cmd.Shell != "":
		c = exec.CommandContext(ctx, "/bin/bash", "-c", cmd.Shell)
	case len(cmd.Argv) > 0:
		c = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	default:
		return Result{
			Kind: KindSpawnFailure,
			Err:  errors.New("procexec: empty command"),
		}
	}
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	// Run in its own process group so a timeout kills the entire tree.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.Kind = KindOK
	case ctx.Err() == context.DeadlineExceeded:
		res.Kind = KindTimeout
		res.ExitCode = -1
		res.Err = fmt.Errorf("command %q timed out after %s", cmd.display(), timeout)
	case ctx.Err() != nil:
		// Caller cancellation (operator interrupt), not a command failure.
		res.Kind = KindCancelled
		res.ExitCode = -1
		res.Err = fmt.Errorf("command %q cancelled: %w", cmd.display(), ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Kind = KindNonZeroExit
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("command %q exited %d", cmd.display(), res.ExitCode)
		} else {
			res.Kind = KindSpawnFailure
			res.ExitCode = -1
			res.Err = fmt.Errorf("command %q failed to start: %w", cmd.display(), err)
		}
	}
	return res
}

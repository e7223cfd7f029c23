package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
	"github.com/beamtutor/beamtutor/internal/procexec"
)

// condaInit probes the standard install locations for conda's activation
// script so `conda activate` works in a non-interactive shell.
const condaInit = "if [ -f ~/miniconda3/etc/profile.d/conda.sh ]; then source ~/miniconda3/etc/profile.d/conda.sh; elif [ -f ~/anaconda3/etc/profile.d/conda.sh ]; then source ~/anaconda3/etc/profile.d/conda.sh; fi"

// pythonIndicators mark a snippet as interpreted Python source.
var pythonIndicators = []string{
	"import ", "from ", "def ", "class ", "print(", "if __name__",
}

// shellIndicators veto the Python classification: a command containing any
// of these runs through the shell even when it mentions Python keywords.
var shellIndicators = []string{
	"conda ", "cd ", "ls ", "mkdir ", "rm ", "cp ", "source ",
	"python -c ", "python3 -c ", "pip ", "podman ", "bash ", "sh ",
	"echo ", "grep ", "find ", "chmod ", "export ", "&&", "||",
}

// ExecutorOptions configures a step executor.
type ExecutorOptions struct {
	Runner    procexec.Runner
	Logger    *log.Logger
	PythonBin string
}

// Executor runs one step's ordered command list, short-circuiting on the
// first failing command.
type Executor struct {
	runner    procexec.Runner
	logger    *log.Logger
	pythonBin string
}

// NewExecutor builds an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Runner == nil {
		opts.Runner = procexec.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.PythonBin == "" {
		opts.PythonBin = "python"
	}
	return &Executor{runner: opts.Runner, logger: opts.Logger, pythonBin: opts.PythonBin}
}

// Execute runs the step's commands in order. It returns false plus the
// failing command's error text on the first failure; later commands in the
// step are not executed.
func (e *Executor) Execute(ctx context.Context, step model.Step) (bool, string) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = model.DefaultStepTimeout
	}
	for _, command := range step.Commands {
		e.logger.Printf("step_command step=%d command=%q", step.Number, command)
		var res procexec.Result
		if isPythonSnippet(command) {
			res = e.runPython(ctx, command, timeout)
		} else {
			res = e.runShell(ctx, command, timeout)
		}
		if !res.OK() {
			return false, res.ErrorText()
		}
	}
	return true, ""
}

// isPythonSnippet classifies a command as Python source vs. a shell command.
// Shell indicators win; ambiguous inputs default to shell execution.
func isPythonSnippet(command string) bool {
	for _, tok := range shellIndicators {
		if strings.Contains(command, tok) {
			return false
		}
	}
	for _, tok := range pythonIndicators {
		if strings.Contains(command, tok) {
			return true
		}
	}
	return false
}

// runPython writes the snippet to a temp file and executes it with the
// interpreter. The temp file is removed regardless of outcome.
func (e *Executor) runPython(ctx context.Context, code string, timeout time.Duration) procexec.Result {
	f, err := os.CreateTemp("", "beamtutor-*.py")
	if err != nil {
		return procexec.Result{
			Kind: procexec.KindSpawnFailure,
			Err:  fmt.Errorf("create temp python file: %w", err),
		}
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return procexec.Result{
			Kind: procexec.KindSpawnFailure,
			Err:  fmt.Errorf("write temp python file: %w", err),
		}
	}
	if err := f.Close(); err != nil {
		return procexec.Result{
			Kind: procexec.KindSpawnFailure,
			Err:  fmt.Errorf("close temp python file: %w", err),
		}
	}

	return e.runner.Run(ctx, procexec.Command{
		Argv:    []string{e.pythonBin, path},
		Timeout: timeout,
	})
}

func (e *Executor) runShell(ctx context.Context, command string, timeout time.Duration) procexec.Result {
	return e.runner.Run(ctx, procexec.Command{
		Shell:   wrapEnvironment(command),
		Timeout: timeout,
	})
}

// wrapEnvironment prepends conda initialization to activation commands. The
// runner already forces bash, so plain `source` commands need no wrapping.
func wrapEnvironment(command string) string {
	if strings.Contains(command, "conda activate") {
		return condaInit + " && " + command
	}
	return command
}

package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
	"github.com/beamtutor/beamtutor/internal/procexec"
)

func TestIsPythonSnippet(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"import bluesky", true},
		{"from ophyd import Device", true},
		{"def plan():\n    yield", true},
		{"print('hello')", true},
		{"python -c 'import foo'", false}, // explicit interpreter call is shell
		{"pip install bluesky", false},
		{"conda activate BITS_demo", false},
		{"cd bits_demo && ls", false},
		{"echo import this", false}, // shell indicator wins
		{"caget adsim:cam1:Acquire_RBV", false},
	}
	for _, tc := range cases {
		if got := isPythonSnippet(tc.command); got != tc.want {
			t.Fatalf("isPythonSnippet(%q): got %v want %v", tc.command, got, tc.want)
		}
	}
}

func TestExecute_FailFastWithinStep(t *testing.T) {
	runner := &engineFakeRunner{respond: func(display string) procexec.Result {
		if strings.Contains(display, "second") {
			return procexec.Result{Kind: procexec.KindNonZeroExit, ExitCode: 1, Stderr: "broken"}
		}
		return procexec.Result{Kind: procexec.KindOK}
	}}
	e := NewExecutor(ExecutorOptions{Runner: runner, Logger: quietLogger()})

	step := model.Step{Number: 1, Commands: []string{"first", "second", "third"}}
	ok, errText := e.Execute(context.Background(), step)
	if ok {
		t.Fatalf("step must fail")
	}
	if errText != "broken" {
		t.Fatalf("error text: %q", errText)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("third command must not run; calls: %v", runner.calls)
	}
}

func TestExecute_AllCommandsSucceed(t *testing.T) {
	runner := &engineFakeRunner{}
	e := NewExecutor(ExecutorOptions{Runner: runner, Logger: quietLogger()})

	ok, errText := e.Execute(context.Background(), model.Step{Commands: []string{"a", "b"}})
	if !ok || errText != "" {
		t.Fatalf("ok=%v err=%q", ok, errText)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("calls: %v", runner.calls)
	}
}

func TestExecute_PythonSnippetRunsViaInterpreter(t *testing.T) {
	var got procexec.Command
	e := NewExecutor(ExecutorOptions{
		Runner: runnerFunc(func(cmd procexec.Command) procexec.Result {
			got = cmd
			return procexec.Result{Kind: procexec.KindOK}
		}),
		Logger:    quietLogger(),
		PythonBin: "python3",
	})

	ok, _ := e.Execute(context.Background(), model.Step{Commands: []string{"import bluesky"}})
	if !ok {
		t.Fatalf("execution failed")
	}
	if len(got.Argv) != 2 || got.Argv[0] != "python3" || !strings.HasSuffix(got.Argv[1], ".py") {
		t.Fatalf("python invocation argv: %v", got.Argv)
	}
}

func TestExecute_CondaActivateGetsInitWrapped(t *testing.T) {
	var got procexec.Command
	e := NewExecutor(ExecutorOptions{
		Runner: runnerFunc(func(cmd procexec.Command) procexec.Result {
			got = cmd
			return procexec.Result{Kind: procexec.KindOK}
		}),
		Logger: quietLogger(),
	})

	e.Execute(context.Background(), model.Step{Commands: []string{"conda activate BITS_demo"}})
	if !strings.HasPrefix(got.Shell, "if [ -f ~/miniconda3/etc/profile.d/conda.sh ]") {
		t.Fatalf("conda init not prepended: %q", got.Shell)
	}
	if !strings.HasSuffix(got.Shell, "&& conda activate BITS_demo") {
		t.Fatalf("original command not preserved: %q", got.Shell)
	}
}

func TestExecute_DefaultTimeoutApplied(t *testing.T) {
	var got procexec.Command
	e := NewExecutor(ExecutorOptions{
		Runner: runnerFunc(func(cmd procexec.Command) procexec.Result {
			got = cmd
			return procexec.Result{Kind: procexec.KindOK}
		}),
		Logger: quietLogger(),
	})

	e.Execute(context.Background(), model.Step{Commands: []string{"echo hi"}})
	if got.Timeout != model.DefaultStepTimeout {
		t.Fatalf("timeout: got %s want %s", got.Timeout, model.DefaultStepTimeout)
	}
}

// runnerFunc adapts a function to procexec.Runner.
type runnerFunc func(cmd procexec.Command) procexec.Result

func (f runnerFunc) Run(_ context.Context, cmd procexec.Command) procexec.Result { return f(cmd) }

package driver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beamtutor/beamtutor/internal/config"
	"github.com/beamtutor/beamtutor/internal/history"
	"github.com/beamtutor/beamtutor/internal/procexec"
	"github.com/beamtutor/beamtutor/internal/runstate"
)

// fakeRunner answers every command successfully except those whose display
// string contains a key of fail, which fail with the mapped stderr text.
// ps queries echo back the filtered name so containers always look running.
type fakeRunner struct {
	fail  map[string]string
	calls []procexec.Command
}

func (r *fakeRunner) Run(_ context.Context, cmd procexec.Command) procexec.Result {
	r.calls = append(r.calls, cmd)
	display := cmd.Shell
	if display == "" {
		display = strings.Join(cmd.Argv, " ")
	}
	for key, stderr := range r.fail {
		if strings.Contains(display, key) {
			return procexec.Result{Kind: procexec.KindNonZeroExit, ExitCode: 1, Stderr: stderr}
		}
	}
	if len(cmd.Argv) > 1 {
		switch cmd.Argv[1] {
		case "ps":
			for _, arg := range cmd.Argv {
				if name, ok := strings.CutPrefix(arg, "name="); ok {
					return procexec.Result{Kind: procexec.KindOK, Stdout: name + "\n"}
				}
			}
		case "inspect":
			return procexec.Result{
				Kind:   procexec.KindOK,
				Stdout: `[{"Created":"2026-08-23T10:00:00Z","Config":{"Image":"epics-podman:latest"},"State":{"Status":"running"}}]`,
			}
		}
	}
	return procexec.Result{Kind: procexec.KindOK}
}

const passingTutorial = `# Demo Deployment

## Step A: Prepare

` + "```bash" + `
echo preparing workspace
` + "```" + `

## Step B: Check motor

` + "```bash" + `
caget gp:m1.RBV
` + "```" + `
`

const failingTutorial = `# Demo Deployment

## Step A: Prepare

` + "```bash" + `
echo preparing workspace
` + "```" + `

## Step B: Broken

` + "```bash" + `
./broken_tool run
` + "```" + `

## Step C: Never reached

` + "```bash" + `
echo done
` + "```" + `
`

func testConfig(t *testing.T, tutorialsDir string) *config.File {
	t.Helper()
	state := t.TempDir()
	cfg := config.Default()
	cfg.Tutorials.Root = tutorialsDir
	cfg.Tutorials.Patterns = []string{"*.md"}
	cfg.Retry.MaxAttempts = 1
	cfg.LogsRoot = filepath.Join(state, "runs")
	cfg.HistoryPath = filepath.Join(state, "history.db")
	cfg.FixStatsPath = filepath.Join(state, "fixstats.msgpack")
	return cfg
}

func writeTutorial(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00_demo.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write tutorial: %v", err)
	}
	return dir
}

func newTestDriver(t *testing.T, cfg *config.File, runner procexec.Runner) *Driver {
	t.Helper()
	d, err := New(Options{
		Config:       cfg,
		Runner:       runner,
		Logger:       log.New(io.Discard, "", 0),
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return d
}

func TestRun_AllStepsPass(t *testing.T) {
	cfg := testConfig(t, writeTutorial(t, passingTutorial))
	runner := &fakeRunner{}
	d := newTestDriver(t, cfg, runner)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Success || report.StepsPassed != 2 || report.StepsFailed != 0 {
		t.Fatalf("report: success=%v passed=%d failed=%d", report.Success, report.StepsPassed, report.StepsFailed)
	}
	if report.Fingerprint == "" || report.RunID == "" {
		t.Fatalf("run identity missing: %+v", report)
	}

	// Artifacts land under the per-run logs root.
	for _, name := range []string{"report.json", "final.json", "progress.ndjson", "run.pid"} {
		if _, err := os.Stat(filepath.Join(report.LogsRoot, name)); err != nil {
			t.Fatalf("artifact %s: %v", name, err)
		}
	}
	snap, err := runstate.LoadSnapshot(report.LogsRoot)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != runstate.StateSuccess || snap.RunID != report.RunID {
		t.Fatalf("snapshot: %+v", snap)
	}

	var onDisk RunReport
	b, err := os.ReadFile(filepath.Join(report.LogsRoot, "report.json"))
	if err != nil {
		t.Fatalf("read report.json: %v", err)
	}
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("decode report.json: %v", err)
	}
	if onDisk.RunID != report.RunID || onDisk.StepsPassed != 2 {
		t.Fatalf("report.json: %+v", onDisk)
	}

	store, err := history.Open(context.Background(), cfg.HistoryPath)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	runs, err := store.List(context.Background(), 5)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != report.RunID || !runs[0].Success {
		t.Fatalf("history: %+v", runs)
	}
}

func TestRun_EnvironmentSetupRunsBeforeSteps(t *testing.T) {
	cfg := testConfig(t, writeTutorial(t, passingTutorial))
	runner := &fakeRunner{}
	d := newTestDriver(t, cfg, runner)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var pulls, starts int
	firstStep := -1
	for i, cmd := range runner.calls {
		if len(cmd.Argv) > 1 {
			switch cmd.Argv[1] {
			case "pull":
				pulls++
			case "run":
				starts++
			}
		}
		if firstStep < 0 && strings.Contains(cmd.Shell, "preparing workspace") {
			firstStep = i
		}
		if len(cmd.Argv) > 1 && cmd.Argv[1] == "run" && firstStep >= 0 {
			t.Fatalf("container started after a tutorial step ran")
		}
	}
	// The default environment holds the adsim and gp IOCs.
	if pulls != 2 || starts != 2 {
		t.Fatalf("pulls=%d starts=%d, want 2 each", pulls, starts)
	}
	if firstStep < 0 {
		t.Fatalf("first tutorial step never executed")
	}
}

func TestRun_StopOnFailureSkipsRemainingSteps(t *testing.T) {
	cfg := testConfig(t, writeTutorial(t, failingTutorial))
	cfg.StopOnFailure = true
	runner := &fakeRunner{fail: map[string]string{"broken_tool": "boom"}}
	d := newTestDriver(t, cfg, runner)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Success {
		t.Fatalf("run must fail")
	}
	if report.StepsPassed != 1 || report.StepsFailed != 1 || report.StepsSkipped != 1 {
		t.Fatalf("counts: passed=%d failed=%d skipped=%d", report.StepsPassed, report.StepsFailed, report.StepsSkipped)
	}
	if !strings.Contains(report.FailureReason, "step 2") || !strings.Contains(report.FailureReason, "boom") {
		t.Fatalf("failure reason: %q", report.FailureReason)
	}
	if !report.Steps[2].Skipped {
		t.Fatalf("third step must be marked skipped")
	}

	snap, err := runstate.LoadSnapshot(report.LogsRoot)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != runstate.StateFail {
		t.Fatalf("snapshot state: %q", snap.State)
	}
}

func TestRun_ContinuesPastFailureByDefault(t *testing.T) {
	cfg := testConfig(t, writeTutorial(t, failingTutorial))
	runner := &fakeRunner{fail: map[string]string{"broken_tool": "boom"}}
	d := newTestDriver(t, cfg, runner)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StepsPassed != 2 || report.StepsFailed != 1 || report.StepsSkipped != 0 {
		t.Fatalf("counts: passed=%d failed=%d skipped=%d", report.StepsPassed, report.StepsFailed, report.StepsSkipped)
	}
	if report.Success {
		t.Fatalf("a failed step must fail the run")
	}
}

func TestRun_NoRuntimeIsFatal(t *testing.T) {
	cfg := testConfig(t, writeTutorial(t, passingTutorial))
	runner := &fakeRunner{fail: map[string]string{"--version": "not found"}}
	d := newTestDriver(t, cfg, runner)

	report, err := d.Run(context.Background())
	if err == nil {
		t.Fatalf("missing runtime must be an error")
	}
	if report == nil || report.Success {
		t.Fatalf("report must record the failed run")
	}
	snap, err := runstate.LoadSnapshot(report.LogsRoot)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != runstate.StateFail {
		t.Fatalf("snapshot state: %q", snap.State)
	}
}

func TestLoadSteps_NoTutorials(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := newTestDriver(t, cfg, &fakeRunner{})
	if _, _, _, err := d.LoadSteps(); err == nil {
		t.Fatalf("empty tutorials root must be an error")
	}
}

func TestLoadSteps_NumbersAreContiguousAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"00_a.md", "01_b.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(passingTutorial), 0o644); err != nil {
			t.Fatalf("write tutorial: %v", err)
		}
	}
	cfg := testConfig(t, dir)
	d := newTestDriver(t, cfg, &fakeRunner{})

	files, fingerprint, steps, err := d.LoadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(files) != 2 || len(steps) != 4 {
		t.Fatalf("files=%d steps=%d", len(files), len(steps))
	}
	for i, step := range steps {
		if step.Number != i+1 {
			t.Fatalf("step %d has number %d", i, step.Number)
		}
	}
	if len(fingerprint) != 64 {
		t.Fatalf("fingerprint: %q", fingerprint)
	}
}

// Package driver runs a full tutorial test pass: it discovers and parses the
// tutorial files, brings the container environment up, pushes every step
// through the retry engine, and persists the run's artifacts and summary.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/beamtutor/beamtutor/internal/config"
	"github.com/beamtutor/beamtutor/internal/history"
	"github.com/beamtutor/beamtutor/internal/pipeline/container"
	"github.com/beamtutor/beamtutor/internal/pipeline/engine"
	"github.com/beamtutor/beamtutor/internal/pipeline/fix"
	"github.com/beamtutor/beamtutor/internal/pipeline/issue"
	"github.com/beamtutor/beamtutor/internal/pipeline/model"
	"github.com/beamtutor/beamtutor/internal/procexec"
	"github.com/beamtutor/beamtutor/internal/runstate"
	"github.com/beamtutor/beamtutor/internal/tutorial"
)

// StepReport pairs one parsed step with its execution outcome. A skipped step
// has a zero Result.
type StepReport struct {
	Step    model.Step            `json:"step"`
	Skipped bool                  `json:"skipped,omitempty"`
	Result  model.ExecutionResult `json:"result"`
}

// RunReport is the aggregate outcome of one test pass, also written to
// report.json under the run's logs directory.
type RunReport struct {
	RunID           string       `json:"run_id"`
	Fingerprint     string       `json:"fingerprint"`
	Tutorials       []string     `json:"tutorials"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	Success         bool         `json:"success"`
	StepsPassed     int          `json:"steps_passed"`
	StepsFailed     int          `json:"steps_failed"`
	StepsSkipped    int          `json:"steps_skipped"`
	IssuesDetected  int          `json:"issues_detected"`
	FixesApplied    int          `json:"fixes_applied"`
	DurationSeconds float64      `json:"duration_seconds"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	LogsRoot        string       `json:"logs_root"`
	Steps           []StepReport `json:"steps"`
}

// Options configures a Driver.
type Options struct {
	Config *config.File
	Runner procexec.Runner
	Logger *log.Logger

	// PollInterval shortens container readiness polling in tests.
	PollInterval time.Duration
}

// Driver owns one run end-to-end.
type Driver struct {
	cfg    *config.File
	runner procexec.Runner
	logger *log.Logger
	poll   time.Duration
}

// New builds a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("driver: configuration is required")
	}
	if opts.Runner == nil {
		opts.Runner = procexec.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Driver{
		cfg:    opts.Config,
		runner: opts.Runner,
		logger: opts.Logger,
		poll:   opts.PollInterval,
	}, nil
}

// LoadSteps discovers the configured tutorial files and parses them into one
// contiguous step sequence. Also used standalone by the validate command.
func (d *Driver) LoadSteps() (files []string, fingerprint string, steps []model.Step, err error) {
	files, err = tutorial.Discover(d.cfg.Tutorials.Root, d.cfg.Tutorials.Patterns)
	if err != nil {
		return nil, "", nil, err
	}
	if len(files) == 0 {
		return nil, "", nil, fmt.Errorf("no tutorial files match %v under %s", d.cfg.Tutorials.Patterns, d.cfg.Tutorials.Root)
	}
	fingerprint, err = tutorial.Fingerprint(files)
	if err != nil {
		return nil, "", nil, err
	}

	parser := tutorial.NewParser(tutorial.Options{
		DemoPath: d.cfg.BitsDemoPath,
		Logger:   d.logger,
	})
	for _, file := range files {
		parsed, err := parser.ParseFile(file, len(steps))
		if err != nil {
			return nil, "", nil, err
		}
		steps = append(steps, parsed...)
	}
	if len(steps) == 0 {
		return nil, "", nil, fmt.Errorf("tutorials contain no executable steps")
	}
	return files, fingerprint, steps, nil
}

// Run executes the full pass. The returned report is complete even when the
// run fails; a non-nil error means the run could not be carried out at all
// (no tutorials, no container runtime, unwritable logs root).
func (d *Driver) Run(ctx context.Context) (*RunReport, error) {
	files, fingerprint, steps, err := d.LoadSteps()
	if err != nil {
		return nil, err
	}

	runID := "run_" + strings.ToLower(ulid.Make().String())
	logsRoot := filepath.Join(d.cfg.LogsRoot, runID)
	rec, err := runstate.NewRecorder(logsRoot, runID)
	if err != nil {
		return nil, err
	}
	defer rec.Close()

	report := &RunReport{
		RunID:       runID,
		Fingerprint: fingerprint,
		Tutorials:   files,
		StartedAt:   time.Now(),
		LogsRoot:    logsRoot,
	}

	rec.Event("run_start", map[string]any{
		"tutorials":   len(files),
		"steps":       len(steps),
		"fingerprint": fingerprint,
	})

	kind, err := container.Detect(ctx, d.runner, *d.cfg.Runtime.PreferPodman)
	if err != nil {
		d.finish(rec, report, "fail", err.Error())
		return report, err
	}
	adapter := container.NewAdapter(kind, container.Options{
		Runner:       d.runner,
		Logger:       d.logger,
		PollInterval: d.poll,
	})
	specs, err := d.cfg.ContainerSpecs()
	if err != nil {
		d.finish(rec, report, "fail", err.Error())
		return report, err
	}

	classifier := issue.NewClassifier()
	fixer := fix.New(classifier, fix.Options{
		Runner:    d.runner,
		DemoPath:  d.cfg.BitsDemoPath,
		StatsPath: d.cfg.FixStatsPath,
		Logger:    d.logger,
	})
	if err := fixer.LoadStats(); err != nil {
		d.logger.Printf("fix_stats_load_failed error=%v", err)
	}

	setupEnv := func(ctx context.Context) error {
		return d.setupEnvironment(ctx, adapter, specs)
	}
	eng := engine.New(engine.Options{
		Executor: engine.NewExecutor(engine.ExecutorOptions{
			Runner:    d.runner,
			Logger:    d.logger,
			PythonBin: d.cfg.PythonBin,
		}),
		Classifier:  classifier,
		Fixer:       fixer,
		Containers:  adapter,
		SetupEnv:    setupEnv,
		MaxAttempts: d.cfg.Retry.MaxAttempts,
		Strategy:    d.cfg.Strategy(),
		BaseDelay:   d.cfg.BaseDelayDuration(),
		MaxDelay:    d.cfg.MaxDelayDuration(),
		DemoPath:    d.cfg.BitsDemoPath,
		Logger:      d.logger,
	})

	rec.Event("environment_setup", map[string]any{"runtime": string(kind), "containers": len(specs)})
	if err := setupEnv(ctx); err != nil {
		adapter.CleanupAll(ctx)
		d.finish(rec, report, "fail", "environment setup failed: "+err.Error())
		return report, fmt.Errorf("environment setup: %w", err)
	}
	defer adapter.CleanupAll(context.WithoutCancel(ctx))

	stopped := false
	for _, step := range steps {
		if stopped {
			report.StepsSkipped++
			report.Steps = append(report.Steps, StepReport{Step: step, Skipped: true})
			rec.Event("step_skipped", map[string]any{"step": step.Number, "title": step.Title})
			continue
		}

		rec.Event("step_start", map[string]any{"step": step.Number, "title": step.Title, "commands": len(step.Commands)})
		result := eng.ExecuteWithRetry(ctx, step, 0, "")
		report.Steps = append(report.Steps, StepReport{Step: step, Result: result})
		report.IssuesDetected += len(result.IssuesDetected)
		report.FixesApplied += len(result.FixesApplied)

		if result.Success {
			report.StepsPassed++
			rec.Event("step_passed", map[string]any{"step": step.Number, "attempts": len(result.AllAttempts)})
			continue
		}
		report.StepsFailed++
		rec.Event("step_failed", map[string]any{
			"step":     step.Number,
			"attempts": len(result.AllAttempts),
			"error":    result.FinalAttempt.ErrorMessage,
		})
		if report.FailureReason == "" {
			report.FailureReason = fmt.Sprintf("step %d failed after %d attempts: %s",
				step.Number, len(result.AllAttempts), result.FinalAttempt.ErrorMessage)
		}
		if d.cfg.StopOnFailure {
			stopped = true
		}
		if ctx.Err() != nil {
			stopped = true
		}
	}

	if err := fixer.SaveStats(); err != nil {
		d.logger.Printf("fix_stats_save_failed error=%v", err)
	}

	status := "success"
	if report.StepsFailed > 0 || report.StepsPassed == 0 {
		status = "fail"
		if report.FailureReason == "" {
			report.FailureReason = "no step passed"
		}
	}
	d.finish(rec, report, status, report.FailureReason)
	return report, nil
}

// finish stamps the report, writes final.json and report.json, and records
// the run summary in the history database. Persistence failures are logged,
// never returned; the in-memory report is already complete.
func (d *Driver) finish(rec *runstate.Recorder, report *RunReport, status, reason string) {
	report.FinishedAt = time.Now()
	report.Success = status == "success"
	report.DurationSeconds = report.FinishedAt.Sub(report.StartedAt).Seconds()
	if !report.Success {
		report.FailureReason = reason
	}

	if err := rec.WriteFinal(runstate.FinalDoc{
		Status:          status,
		RunID:           report.RunID,
		FailureReason:   reason,
		Fingerprint:     report.Fingerprint,
		StepsPassed:     report.StepsPassed,
		StepsFailed:     report.StepsFailed,
		StepsSkipped:    report.StepsSkipped,
		IssuesDetected:  report.IssuesDetected,
		FixesApplied:    report.FixesApplied,
		DurationSeconds: report.DurationSeconds,
	}); err != nil {
		d.logger.Printf("final_write_failed error=%v", err)
	}

	if b, err := json.MarshalIndent(report, "", "  "); err == nil {
		path := filepath.Join(report.LogsRoot, "report.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			d.logger.Printf("report_write_failed path=%s error=%v", path, err)
		}
	}

	d.recordHistory(report)
	d.logger.Printf("run_finished run_id=%s status=%s passed=%d failed=%d skipped=%d",
		report.RunID, status, report.StepsPassed, report.StepsFailed, report.StepsSkipped)
}

func (d *Driver) recordHistory(report *RunReport) {
	if d.cfg.HistoryPath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := history.Open(ctx, d.cfg.HistoryPath)
	if err != nil {
		d.logger.Printf("history_open_failed error=%v", err)
		return
	}
	defer store.Close()
	if _, err := store.Insert(ctx, history.RunSummary{
		RunID:           report.RunID,
		StartedAt:       report.StartedAt,
		FinishedAt:      report.FinishedAt,
		Fingerprint:     report.Fingerprint,
		Success:         report.Success,
		StepsPassed:     report.StepsPassed,
		StepsFailed:     report.StepsFailed,
		StepsSkipped:    report.StepsSkipped,
		IssuesDetected:  report.IssuesDetected,
		FixesApplied:    report.FixesApplied,
		DurationSeconds: report.DurationSeconds,
	}); err != nil {
		d.logger.Printf("history_insert_failed error=%v", err)
	}
}

// setupEnvironment brings the managed containers to a healthy state: clean
// slate, pull every image, start each container, then probe health. Also
// invoked by the engine on an environment reset.
func (d *Driver) setupEnvironment(ctx context.Context, adapter *container.Adapter, specs map[string]container.Spec) error {
	adapter.CleanupAll(ctx)

	images := map[string]bool{}
	for _, spec := range specs {
		images[spec.Image] = true
	}
	for _, image := range sortedSet(images) {
		if !adapter.Pull(ctx, image) {
			return fmt.Errorf("pull image %s", image)
		}
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !adapter.Start(ctx, specs[name]) {
			return fmt.Errorf("start container %s", name)
		}
	}
	for _, name := range names {
		if !adapter.CheckHealth(ctx, specs[name]) {
			return fmt.Errorf("container %s is not healthy", name)
		}
	}
	return nil
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

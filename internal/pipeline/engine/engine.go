package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/container"
	"github.com/beamtutor/beamtutor/internal/pipeline/fix"
	"github.com/beamtutor/beamtutor/internal/pipeline/issue"
	"github.com/beamtutor/beamtutor/internal/pipeline/model"
)

// DefaultMaxAttempts bounds the retry loop when the caller does not override.
const DefaultMaxAttempts = 3

// resetPause gives containers time to fully stop before the environment is
// rebuilt.
const defaultResetPause = 5 * time.Second

// StepExecutor runs one step attempt end-to-end.
type StepExecutor interface {
	Execute(ctx context.Context, step model.Step) (bool, string)
}

// Options configures an Engine. Executor, Classifier, Fixer, Containers and
// SetupEnv are all optional; absent collaborators disable the corresponding
// stage (no classification, no fixes, no environment resets).
type Options struct {
	Executor   StepExecutor
	Classifier *issue.Classifier
	Fixer      *fix.Fixer
	Containers *container.Adapter
	SetupEnv   func(ctx context.Context) error

	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DemoPath    string
	Logger      *log.Logger
}

// Engine is the retry orchestrator. Per step execution it moves through
// ATTEMPTING -> {SUCCEEDED | RETRYING -> ATTEMPTING | EXHAUSTED}; SUCCEEDED
// and EXHAUSTED are terminal. Failures from any sub-call are folded into the
// attempt record; ExecuteWithRetry always returns a well-formed result.
type Engine struct {
	executor   StepExecutor
	classifier *issue.Classifier
	fixer      *fix.Fixer
	containers *container.Adapter
	setupEnv   func(ctx context.Context) error

	maxAttempts int
	backoff     BackoffConfig
	demoPath    string
	logger      *log.Logger

	sleep      func(ctx context.Context, d time.Duration) error
	resetPause time.Duration
}

// New builds an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.Executor == nil {
		opts.Executor = NewExecutor(ExecutorOptions{Logger: opts.Logger})
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	cfg := defaultBackoffConfig()
	if opts.Strategy != "" {
		cfg.Strategy = opts.Strategy
	}
	if opts.BaseDelay > 0 {
		cfg.BaseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		cfg.MaxDelay = opts.MaxDelay
	}
	if opts.DemoPath == "" {
		opts.DemoPath = fix.DefaultDemoPath
	}
	return &Engine{
		executor:    opts.Executor,
		classifier:  opts.Classifier,
		fixer:       opts.Fixer,
		containers:  opts.Containers,
		setupEnv:    opts.SetupEnv,
		maxAttempts: opts.MaxAttempts,
		backoff:     cfg,
		demoPath:    opts.DemoPath,
		logger:      opts.Logger,
		sleep:       sleepCtx,
		resetPause:  defaultResetPause,
	}
}

// ExecuteWithRetry runs one step under the retry loop. maxAttempts <= 0 and
// an empty strategy fall back to the engine's configuration. The returned
// result carries the full attempt history; attempt numbers are contiguous
// from 1.
func (e *Engine) ExecuteWithRetry(ctx context.Context, step model.Step, maxAttempts int, strategy Strategy) model.ExecutionResult {
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}
	cfg := e.backoff
	if strategy != "" {
		cfg.Strategy = strategy
	}

	e.logger.Printf("step_retry_begin step=%d max_attempts=%d strategy=%s", step.Number, maxAttempts, cfg.Strategy)

	start := time.Now()
	var attempts []model.RetryAttempt
	var allIssues []model.Issue
	var allFixes []model.Fix

	originals := append([]string(nil), step.Commands...)
	commands := append([]string(nil), step.Commands...)
	lastError := ""

	for num := 1; num <= maxAttempts; num++ {
		if num > 1 && lastError != "" {
			for i := range commands {
				rewritten := RewriteForRetry(originals[i], commands[i], num, lastError, e.demoPath)
				if rewritten != commands[i] {
					e.logger.Printf("command_rewritten step=%d attempt=%d command=%q", step.Number, num, rewritten)
					commands[i] = rewritten
				}
			}
		}

		attempt := model.RetryAttempt{Number: num, StartTime: time.Now()}

		current := step
		current.Commands = append([]string(nil), commands...)
		success, errText := e.executor.Execute(ctx, current)

		attempt.EndTime = time.Now()
		attempt.Success = success
		attempt.ErrorMessage = errText

		if success {
			e.logger.Printf("step_succeeded step=%d attempt=%d", step.Number, num)
			attempts = append(attempts, attempt)
			return model.ExecutionResult{
				Success:        true,
				FinalAttempt:   attempt,
				AllAttempts:    attempts,
				TotalTime:      time.Since(start),
				IssuesDetected: allIssues,
				FixesApplied:   allFixes,
			}
		}

		e.logger.Printf("step_attempt_failed step=%d attempt=%d error=%q", step.Number, num, errText)
		lastError = errText

		var issues []model.Issue
		if e.classifier != nil && e.fixer != nil {
			issues = e.classifier.Detect(strings.Join(step.Commands, " && "), errText, 1)
			attempt.IssuesDetected = issues
			allIssues = append(allIssues, issues...)
		}

		if num < maxAttempts {
			if e.fixer != nil {
				applied := e.applyFixes(ctx, issues)
				attempt.FixesApplied = applied
				allFixes = append(allFixes, applied...)

				if requiresReset(issues) {
					e.resetEnvironment(ctx)
					attempt.RetryReason = "Environment reset due to critical issues"
				} else {
					attempt.RetryReason = fmt.Sprintf("Applied %d fixes, retrying", len(applied))
				}
			}

			if delay := DelayForAttempt(num, cfg, issues); delay > 0 {
				e.logger.Printf("retry_delay step=%d attempt=%d delay=%s", step.Number, num, delay)
				if err := e.sleep(ctx, delay); err != nil {
					attempt.RetryReason = "Cancelled while waiting to retry"
					attempts = append(attempts, attempt)
					break
				}
			}
		}

		attempts = append(attempts, attempt)
	}

	e.logger.Printf("step_exhausted step=%d attempts=%d", step.Number, len(attempts))
	return model.ExecutionResult{
		Success:        false,
		FinalAttempt:   attempts[len(attempts)-1],
		AllAttempts:    attempts,
		TotalTime:      time.Since(start),
		IssuesDetected: allIssues,
		FixesApplied:   allFixes,
	}
}

// applyFixes generates and applies fixes most severe first. Only fixes whose
// application succeeded are reported; a failed fix never aborts the loop.
func (e *Engine) applyFixes(ctx context.Context, issues []model.Issue) []model.Fix {
	sorted := append([]model.Issue(nil), issues...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	var applied []model.Fix
	for _, is := range sorted {
		if !is.AutoFixable {
			continue
		}
		for _, fx := range e.fixer.Generate([]model.Issue{is}) {
			if e.fixer.Apply(ctx, &fx) {
				applied = append(applied, fx)
			}
		}
	}
	return applied
}

// resetEnvironment tears down every managed container, pauses so they fully
// stop, then re-runs environment setup. Failures are logged, never fatal.
func (e *Engine) resetEnvironment(ctx context.Context) {
	if e.containers == nil {
		return
	}
	e.logger.Printf("environment_reset_begin")
	e.containers.CleanupAll(ctx)
	if err := e.sleep(ctx, e.resetPause); err != nil {
		return
	}
	if e.setupEnv != nil {
		if err := e.setupEnv(ctx); err != nil {
			e.logger.Printf("environment_reset_failed error=%v", err)
			return
		}
	}
	e.logger.Printf("environment_reset_done")
}

// sleepCtx sleeps for d or returns early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

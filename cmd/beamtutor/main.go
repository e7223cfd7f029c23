package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/beamtutor/beamtutor/internal/config"
	"github.com/beamtutor/beamtutor/internal/history"
	"github.com/beamtutor/beamtutor/internal/pipeline/driver"
	"github.com/beamtutor/beamtutor/internal/runstate"
)

// defaultConfigFile is consulted when --config is not given; a missing file
// falls back to the built-in defaults.
const defaultConfigFile = "beamtutor.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  beamtutor run [--config <file.yaml>] [--stop-on-failure] [--watch]")
	fmt.Fprintln(os.Stderr, "  beamtutor validate [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  beamtutor status --logs-root <dir>")
	fmt.Fprintln(os.Stderr, "  beamtutor history [--config <file.yaml>] [--limit <n>]")
}

func cmdRun(args []string) {
	var configPath string
	var stopOnFailure bool
	var watch bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--stop-on-failure":
			stopOnFailure = true
		case "--watch":
			watch = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if stopOnFailure {
		cfg.StopOnFailure = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := driver.New(driver.Options{Config: cfg})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if watch {
		if err := runWatch(ctx, d, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	report, err := d.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printReport(os.Stdout, report)
	if report.Success {
		os.Exit(0)
	}
	os.Exit(1)
}

func printReport(w io.Writer, report *driver.RunReport) {
	fmt.Fprintf(w, "run_id=%s\n", report.RunID)
	fmt.Fprintf(w, "logs_root=%s\n", report.LogsRoot)
	fmt.Fprintf(w, "fingerprint=%s\n", report.Fingerprint)
	fmt.Fprintf(w, "passed=%d failed=%d skipped=%d\n", report.StepsPassed, report.StepsFailed, report.StepsSkipped)
	fmt.Fprintf(w, "issues=%d fixes=%d duration=%.1fs\n", report.IssuesDetected, report.FixesApplied, report.DurationSeconds)
	if report.FailureReason != "" {
		fmt.Fprintf(w, "failure_reason=%s\n", report.FailureReason)
	}
}

func cmdValidate(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	d, err := driver.New(driver.Options{Config: cfg})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	files, fingerprint, steps, err := d.LoadSteps()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d tutorials, %d steps\n", len(files), len(steps))
	fmt.Printf("fingerprint=%s\n", fingerprint)
	for _, step := range steps {
		fmt.Printf("  step %d: %s (%d commands, timeout %s)\n",
			step.Number, step.Title, len(step.Commands), step.Timeout)
	}
	os.Exit(0)
}

func cmdStatus(args []string) {
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if logsRoot == "" {
		usage()
		os.Exit(1)
	}

	snap, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printStatus(os.Stdout, snap)
	if snap.State == runstate.StateFail {
		os.Exit(1)
	}
	os.Exit(0)
}

func printStatus(w io.Writer, snap *runstate.Snapshot) {
	fmt.Fprintf(w, "state=%s\n", snap.State)
	if snap.RunID != "" {
		fmt.Fprintf(w, "run_id=%s\n", snap.RunID)
	}
	if snap.LastEvent != "" {
		fmt.Fprintf(w, "last_event=%s\n", snap.LastEvent)
	}
	if snap.CurrentStep > 0 {
		fmt.Fprintf(w, "current_step=%d\n", snap.CurrentStep)
	}
	if !snap.LastEventAt.IsZero() {
		fmt.Fprintf(w, "last_event_at=%s\n", snap.LastEventAt.Format(time.RFC3339))
	}
	if snap.State == runstate.StateSuccess || snap.State == runstate.StateFail {
		fmt.Fprintf(w, "passed=%d failed=%d\n", snap.StepsPassed, snap.StepsFailed)
	}
	if snap.FailureReason != "" {
		fmt.Fprintf(w, "failure_reason=%s\n", snap.FailureReason)
	}
	if snap.PID > 0 {
		fmt.Fprintf(w, "pid=%d alive=%v\n", snap.PID, snap.PIDAlive)
	}
}

func cmdHistory(args []string) {
	var configPath string
	limit := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--limit":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--limit requires a value")
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i], "%d", &limit); err != nil || limit < 1 {
				fmt.Fprintf(os.Stderr, "invalid --limit %q\n", args[i])
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx := context.Background()
	store, err := history.Open(ctx, cfg.HistoryPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()

	runs, err := store.List(ctx, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printHistory(os.Stdout, runs)
	os.Exit(0)
}

func printHistory(w io.Writer, runs []history.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tSTATUS\tPASSED\tFAILED\tSKIPPED\tFIXES\tDURATION")
	for _, r := range runs {
		status := "fail"
		if r.Success {
			status = "success"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.1fs\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), status,
			r.StepsPassed, r.StepsFailed, r.StepsSkipped, r.FixesApplied, r.DurationSeconds)
	}
	tw.Flush()
}

// loadConfig resolves the effective configuration: an explicit --config path
// must exist; otherwise beamtutor.yaml is used when present, else built-in
// defaults.
func loadConfig(path string) (*config.File, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	return config.Default(), nil
}

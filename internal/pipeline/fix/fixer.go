// Package fix turns classified issues into executable remediation and
// applies it, tracking per-issue-type success statistics.
package fix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/issue"
	"github.com/beamtutor/beamtutor/internal/pipeline/model"
	"github.com/beamtutor/beamtutor/internal/procexec"
)

// ErrMissingFixParameter reports that a templated fix could not be rendered
// because a required parameter was absent from the error text.
var ErrMissingFixParameter = errors.New("missing fix template parameter")

// DefaultCommandTimeout bounds each remediation command.
const DefaultCommandTimeout = 60 * time.Second

// DefaultDemoPath is the project-relative location substituted for the
// tutorial's /path/to/bits_demo placeholder.
const DefaultDemoPath = "bits_base/BITS/src/bits_demo"

// minConfidence is the exclusive lower bound for generating a fix.
const minConfidence = 0.5

var placeholderRE = regexp.MustCompile(`\{[a-z_]+\}`)

// Options configures a Fixer. Zero values fall back to sane defaults.
type Options struct {
	Runner         procexec.Runner
	CommandTimeout time.Duration
	DemoPath       string
	StatsPath      string // optional msgpack persistence of success rates
	Logger         *log.Logger
}

// Fixer generates and applies fixes. Statistics are instance state guarded by
// a mutex; there is no package-level counter.
type Fixer struct {
	classifier *issue.Classifier
	runner     procexec.Runner
	timeout    time.Duration
	demoPath   string
	statsPath  string
	logger     *log.Logger

	mu    sync.Mutex
	stats map[string]*typeStats
}

type typeStats struct {
	Attempts  int `msgpack:"attempts"`
	Successes int `msgpack:"successes"`
}

// New builds a Fixer over the given classifier's pattern registry.
func New(classifier *issue.Classifier, opts Options) *Fixer {
	if opts.Runner == nil {
		opts.Runner = procexec.ExecRunner{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.DemoPath == "" {
		opts.DemoPath = DefaultDemoPath
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Fixer{
		classifier: classifier,
		runner:     opts.Runner,
		timeout:    opts.CommandTimeout,
		demoPath:   opts.DemoPath,
		statsPath:  opts.StatsPath,
		logger:     opts.Logger,
		stats:      map[string]*typeStats{},
	}
}

// Generate produces fixes for the auto-fixable issues with confidence
// strictly above 0.5. Issues whose fix cannot be rendered (missing template
// parameter, no remediation defined) are skipped; the rest still proceed.
func (f *Fixer) Generate(issues []model.Issue) []model.Fix {
	var fixes []model.Fix
	for _, is := range issues {
		if !is.AutoFixable || is.FixConfidence <= minConfidence {
			continue
		}
		fx, err := f.generateOne(is)
		if err != nil {
			f.logger.Printf("fix_skipped issue=%s reason=%v", is.Type(), err)
			continue
		}
		fixes = append(fixes, fx)
	}
	return fixes
}

func (f *Fixer) generateOne(is model.Issue) (model.Fix, error) {
	p, ok := f.classifier.Lookup(is.Type())
	if !ok {
		return model.Fix{}, fmt.Errorf("no registered pattern for issue type %q", is.Type())
	}

	fx := model.Fix{
		IssueID:     is.ID,
		IssueType:   is.Type(),
		Description: "Fix for " + is.Title,
	}

	switch spec := p.Fix.(type) {
	case issue.FixedCommands:
		// Copy so applying one fix can never alias the registry.
		fx.Commands = append([]string(nil), spec.Commands...)
		fx.ValidationCommand = spec.Validation
	case issue.TemplatedCommand:
		params := f.extractParams(p, is)
		cmd, err := renderTemplate(spec.Template, params)
		if err != nil {
			return model.Fix{}, err
		}
		fx.Commands = []string{cmd}
		if spec.Validation != "" {
			v, err := renderTemplate(spec.Validation, params)
			if err != nil {
				return model.Fix{}, err
			}
			fx.ValidationCommand = v
		}
	default:
		return model.Fix{}, fmt.Errorf("no fix commands defined for issue type %q", is.Type())
	}
	return fx, nil
}

// extractParams pulls template parameters out of the issue's error text using
// the pattern's own named capture groups, plus derived values.
func (f *Fixer) extractParams(p issue.Pattern, is model.Issue) map[string]string {
	params := map[string]string{
		"original_command": is.Command,
	}
	if m := p.Regexp.FindStringSubmatch(is.ErrorMessage); m != nil {
		for i, name := range p.Regexp.SubexpNames() {
			if i == 0 || name == "" || m[i] == "" {
				continue
			}
			params[name] = m[i]
		}
	}
	if strings.Contains(is.ErrorMessage, "can't cd to") {
		cwd, err := os.Getwd()
		if err == nil {
			params["resolved_path"] = filepath.Join(cwd, f.demoPath)
		}
	}
	return params
}

func renderTemplate(template string, params map[string]string) (string, error) {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	if leftover := placeholderRE.FindString(out); leftover != "" {
		return "", fmt.Errorf("%w: %s in %q", ErrMissingFixParameter, leftover, template)
	}
	return out, nil
}

// Apply executes the fix's remediation commands in order, aborting on the
// first failure, then runs the validation command when present. The outcome
// is recorded on the Fix and in the per-issue-type statistics either way.
func (f *Fixer) Apply(ctx context.Context, fx *model.Fix) bool {
	f.logger.Printf("fix_apply issue=%s description=%q", fx.IssueType, fx.Description)

	for _, cmd := range fx.Commands {
		res := f.runner.Run(ctx, procexec.Command{Shell: cmd, Timeout: f.timeout})
		if !res.OK() {
			fx.Success = false
			fx.ErrorMessage = res.ErrorText()
			f.logger.Printf("fix_command_failed issue=%s command=%q error=%q", fx.IssueType, cmd, fx.ErrorMessage)
			f.record(fx.IssueType, false)
			return false
		}
	}

	if fx.ValidationCommand != "" {
		res := f.runner.Run(ctx, procexec.Command{Shell: fx.ValidationCommand, Timeout: f.timeout})
		if !res.OK() {
			fx.Success = false
			fx.ErrorMessage = "fix validation failed: " + res.ErrorText()
			f.logger.Printf("fix_validation_failed issue=%s error=%q", fx.IssueType, fx.ErrorMessage)
			f.record(fx.IssueType, false)
			return false
		}
	}

	fx.Success = true
	f.logger.Printf("fix_applied issue=%s", fx.IssueType)
	f.record(fx.IssueType, true)
	return true
}

// Rollback executes the fix's rollback commands. A fix without rollback
// commands cannot be rolled back; that is reported, not an error.
func (f *Fixer) Rollback(ctx context.Context, fx *model.Fix) bool {
	if len(fx.RollbackCommands) == 0 {
		f.logger.Printf("fix_rollback_unavailable issue=%s", fx.IssueType)
		return false
	}
	for _, cmd := range fx.RollbackCommands {
		res := f.runner.Run(ctx, procexec.Command{Shell: cmd, Timeout: f.timeout})
		if !res.OK() {
			f.logger.Printf("fix_rollback_failed issue=%s command=%q error=%q", fx.IssueType, cmd, res.ErrorText())
			return false
		}
	}
	f.logger.Printf("fix_rolled_back issue=%s", fx.IssueType)
	return true
}

func (f *Fixer) record(issueType string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats[issueType]
	if st == nil {
		st = &typeStats{}
		f.stats[issueType] = st
	}
	st.Attempts++
	if success {
		st.Successes++
	}
}

// SuccessRates returns the rolling fix success rate per issue type.
func (f *Fixer) SuccessRates() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	rates := make(map[string]float64, len(f.stats))
	for t, st := range f.stats {
		if st.Attempts > 0 {
			rates[t] = float64(st.Successes) / float64(st.Attempts)
		} else {
			rates[t] = 0
		}
	}
	return rates
}

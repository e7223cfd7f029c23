// Package issue matches raw failure text against a registry of named fault
// patterns and emits classified Issue records.
package issue

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
)

// Classifier evaluates the pattern registry against failure output.
type Classifier struct {
	patterns []Pattern
}

// NewClassifier builds a classifier over the built-in pattern registry.
func NewClassifier() *Classifier {
	return &Classifier{patterns: registry()}
}

// Patterns returns the registry in detection order.
func (c *Classifier) Patterns() []Pattern {
	return c.patterns
}

// Lookup returns the registered pattern with the given name.
func (c *Classifier) Lookup(name string) (Pattern, bool) {
	for _, p := range c.patterns {
		if p.Name == name {
			return p, true
		}
	}
	return Pattern{}, false
}

// Detect classifies a failed command's error output. A zero exit code yields
// no issues regardless of the output text. Every matching pattern emits its
// own Issue; two patterns matching the same fragment produce two distinct
// records, each with a fresh ULID-suffixed identifier. Identical matches are
// deliberately not deduplicated.
func (c *Classifier) Detect(command, errorOutput string, exitCode int) []model.Issue {
	if exitCode == 0 {
		return nil
	}

	var issues []model.Issue
	for _, p := range c.patterns {
		if !p.Regexp.MatchString(errorOutput) {
			continue
		}
		desc := p.Description
		if desc == "" {
			desc = fmt.Sprintf("Detected %s", p.Name)
		}
		issues = append(issues, model.Issue{
			ID:            p.Name + "_" + ulid.Make().String(),
			Title:         titleFromName(p.Name),
			Description:   desc,
			Category:      p.Category,
			Severity:      p.Severity,
			Command:       command,
			ErrorMessage:  errorOutput,
			AutoFixable:   p.AutoFixable,
			FixConfidence: p.Confidence,
			DetectedAt:    time.Now(),
		})
	}
	return issues
}

func titleFromName(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

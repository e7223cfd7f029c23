// Package engine drives tutorial steps through a bounded retry loop:
// execute, classify failures, apply fixes, optionally reset the container
// environment, back off, retry.
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
)

// Strategy selects how inter-attempt delays grow.
type Strategy string

const (
	StrategyLinear      Strategy = "linear"      // constant base delay
	StrategyExponential Strategy = "exponential" // base * 2^(attempt-1), capped
	StrategyAdaptive    Strategy = "adaptive"    // per dominant issue category
)

// ParseStrategy normalizes a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyExponential:
		return StrategyExponential, nil
	case StrategyAdaptive:
		return StrategyAdaptive, nil
	default:
		return "", fmt.Errorf("invalid retry strategy: %q", s)
	}
}

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	Strategy  Strategy
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Strategy:  StrategyAdaptive,
		BaseDelay: 5 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// categoryPolicy is the fixed per-category retry policy consulted by the
// adaptive strategy. RequiresReset marks categories whose critical issues
// warrant a full environment reset.
type categoryPolicy struct {
	Strategy      Strategy
	BaseDelay     time.Duration
	RequiresReset bool
}

var categoryPolicies = map[model.Category]categoryPolicy{
	model.CategoryContainer:   {Strategy: StrategyExponential, BaseDelay: 10 * time.Second, RequiresReset: true},
	model.CategoryDependency:  {Strategy: StrategyLinear, BaseDelay: 5 * time.Second},
	model.CategoryNetwork:     {Strategy: StrategyExponential, BaseDelay: 5 * time.Second},
	model.CategoryEnvironment: {Strategy: StrategyLinear, BaseDelay: 3 * time.Second, RequiresReset: true},
	model.CategoryPermission:  {Strategy: StrategyLinear, BaseDelay: 2 * time.Second},
}

// DelayForAttempt computes the pause before the next attempt. attempt is
// 1-indexed. Adaptive substitutes the dominant issue category's policy when
// one is registered; otherwise the configured defaults apply. Every result
// is capped at MaxDelay.
func DelayForAttempt(attempt int, cfg BackoffConfig, issues []model.Issue) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	strategy := cfg.Strategy
	base := cfg.BaseDelay

	if strategy == StrategyAdaptive {
		strategy = StrategyLinear
		if cat, ok := dominantCategory(issues); ok {
			if policy, ok := categoryPolicies[cat]; ok {
				strategy = policy.Strategy
				base = policy.BaseDelay
			}
		}
	}

	delay := base
	if strategy == StrategyExponential {
		shift := attempt - 1
		if shift > 20 { // past any realistic cap; avoids overflow
			shift = 20
		}
		delay = base << shift
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// dominantCategory returns the most frequent category among issues. Ties
// break toward the category seen first, keeping the choice deterministic.
func dominantCategory(issues []model.Issue) (model.Category, bool) {
	if len(issues) == 0 {
		return "", false
	}
	counts := map[model.Category]int{}
	var order []model.Category
	for _, is := range issues {
		if counts[is.Category] == 0 {
			order = append(order, is.Category)
		}
		counts[is.Category]++
	}
	best := order[0]
	for _, cat := range order[1:] {
		if counts[cat] > counts[best] {
			best = cat
		}
	}
	return best, true
}

// requiresReset reports whether any issue is critical in a category whose
// policy demands a full environment reset.
func requiresReset(issues []model.Issue) bool {
	for _, is := range issues {
		if is.Severity != model.SeverityCritical {
			continue
		}
		if policy, ok := categoryPolicies[is.Category]; ok && policy.RequiresReset {
			return true
		}
	}
	return false
}

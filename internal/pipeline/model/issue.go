// Package model defines the data types shared across the tutorial execution
// pipeline: issues, fixes, retry attempts, and step/run results.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies where a detected issue originates.
type Category string

const (
	CategoryEnvironment   Category = "environment"
	CategoryContainer     Category = "container"
	CategoryDependency    Category = "dependency"
	CategoryPermission    Category = "permission"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategorySyntax        Category = "syntax"
)

// ParseCategory normalizes a category string.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryEnvironment:
		return CategoryEnvironment, nil
	case CategoryContainer:
		return CategoryContainer, nil
	case CategoryDependency:
		return CategoryDependency, nil
	case CategoryPermission:
		return CategoryPermission, nil
	case CategoryNetwork:
		return CategoryNetwork, nil
	case CategoryConfiguration:
		return CategoryConfiguration, nil
	case CategorySyntax:
		return CategorySyntax, nil
	default:
		return "", fmt.Errorf("invalid issue category: %q", s)
	}
}

// Severity grades how badly an issue blocks progress.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for sorting; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// Issue is one classified failure, produced by the issue classifier from a
// failed attempt's error output. Immutable once created.
type Issue struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Category      Category  `json:"category"`
	Severity      Severity  `json:"severity"`
	Command       string    `json:"command"`
	ErrorMessage  string    `json:"error_message"`
	AutoFixable   bool      `json:"auto_fixable"`
	FixConfidence float64   `json:"fix_confidence"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Type returns the registry name the issue was detected under (the portion
// of the ID before the ULID suffix).
func (i Issue) Type() string {
	if idx := strings.LastIndexByte(i.ID, '_'); idx > 0 {
		return i.ID[:idx]
	}
	return i.ID
}

package model

import "time"

// Step is one logical tutorial step: an ordered command list plus the
// expectations the tutorial states for it. The pipeline treats it as opaque
// input and only interprets the command list.
type Step struct {
	Number             int           `json:"step_number"`
	Title              string        `json:"title"`
	Commands           []string      `json:"commands"`
	ExpectedOutcomes   []string      `json:"expected_outcomes,omitempty"`
	ValidationCriteria []string      `json:"validation_criteria,omitempty"`
	Prerequisites      []string      `json:"prerequisites,omitempty"`
	Timeout            time.Duration `json:"timeout"`
}

// DefaultStepTimeout applies when a tutorial does not bound a step itself.
const DefaultStepTimeout = 300 * time.Second

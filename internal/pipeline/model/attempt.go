package model

import "time"

// RetryAttempt records one iteration of the retry loop. Attempt numbers are
// contiguous starting at 1. An attempt is never mutated after it concludes.
type RetryAttempt struct {
	Number         int       `json:"attempt_number"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	IssuesDetected []Issue   `json:"issues_detected,omitempty"`
	FixesApplied   []Fix     `json:"fixes_applied,omitempty"`
	RetryReason    string    `json:"retry_reason,omitempty"`
}

// ExecutionResult is produced once per step execution and returned to the
// test-run driver. Success implies FinalAttempt.Success.
type ExecutionResult struct {
	Success        bool           `json:"success"`
	FinalAttempt   RetryAttempt   `json:"final_attempt"`
	AllAttempts    []RetryAttempt `json:"all_attempts"`
	TotalTime      time.Duration  `json:"total_execution_time"`
	IssuesDetected []Issue        `json:"issues_detected,omitempty"`
	FixesApplied   []Fix          `json:"fixes_applied,omitempty"`
}

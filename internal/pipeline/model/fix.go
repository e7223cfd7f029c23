package model

// Fix is a remediation produced for one detected issue. The applicator
// mutates Success and ErrorMessage in place to record the outcome; everything
// else is fixed at generation time.
type Fix struct {
	IssueID           string   `json:"issue_id"`
	IssueType         string   `json:"issue_type"`
	Description       string   `json:"description"`
	Commands          []string `json:"commands"`
	ValidationCommand string   `json:"validation_command,omitempty"`
	RollbackCommands  []string `json:"rollback_commands,omitempty"`
	Success           bool     `json:"success"`
	ErrorMessage      string   `json:"error_message,omitempty"`
}

// Package runstate persists run progress artifacts under a logs root:
// progress.ndjson (append-only event feed), live.json (latest event),
// final.json (terminal outcome), and run.pid.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FinalDoc is the terminal outcome written to final.json.
type FinalDoc struct {
	Status          string  `json:"status"` // success | fail
	RunID           string  `json:"run_id"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	Fingerprint     string  `json:"fingerprint,omitempty"`
	StepsPassed     int     `json:"steps_passed"`
	StepsFailed     int     `json:"steps_failed"`
	StepsSkipped    int     `json:"steps_skipped"`
	IssuesDetected  int     `json:"issues_detected"`
	FixesApplied    int     `json:"fixes_applied"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Recorder writes run artifacts. Appends are serialized; live.json and
// final.json are written atomically via tmp+rename.
type Recorder struct {
	logsRoot string
	runID    string

	mu sync.Mutex
	f  *os.File
}

// NewRecorder creates the logs root, opens the progress feed for append, and
// records the owning process's pid.
func NewRecorder(logsRoot, runID string) (*Recorder, error) {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create logs root %s: %w", logsRoot, err)
	}
	f, err := os.OpenFile(filepath.Join(logsRoot, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress feed: %w", err)
	}
	pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(filepath.Join(logsRoot, "run.pid"), pid, 0o644); err != nil {
		f.Close()
		return nil, fmt.Errorf("write run.pid: %w", err)
	}
	return &Recorder{logsRoot: logsRoot, runID: runID, f: f}, nil
}

// Event appends one event to progress.ndjson and refreshes live.json.
// fields must not contain the reserved keys run_id, event, ts.
func (r *Recorder) Event(event string, fields map[string]any) error {
	doc := map[string]any{
		"run_id": r.runID,
		"event":  event,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		doc[k] = v
	}
	line, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return writeAtomic(filepath.Join(r.logsRoot, "live.json"), line)
}

// WriteFinal records the terminal outcome. The run id is filled in when the
// document leaves it empty.
func (r *Recorder) WriteFinal(doc FinalDoc) error {
	if doc.RunID == "" {
		doc.RunID = r.runID
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode final outcome: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return writeAtomic(filepath.Join(r.logsRoot, "final.json"), b)
}

// Close releases the progress feed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// RunID returns the recorder's run identifier.
func (r *Recorder) RunID() string { return r.runID }

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

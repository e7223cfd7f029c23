// Package history persists run summaries in a local sqlite database so past
// tutorial runs can be compared without trawling log directories.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunSummary is one finished run.
type RunSummary struct {
	ID              int64
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	Fingerprint     string
	Success         bool
	StepsPassed     int
	StepsFailed     int
	StepsSkipped    int
	IssuesDetected  int
	FixesApplied    int
	DurationSeconds float64
}

// Store wraps the sqlite database holding run summaries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return err
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		ver, err := strconv.Atoi(strings.Split(name, "_")[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %s", name)
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, ver).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, ver, now); err != nil {
			return err
		}
	}
	return nil
}

// Insert records one finished run.
func (s *Store) Insert(ctx context.Context, r RunSummary) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, started_at, finished_at, fingerprint, success, steps_passed, steps_failed, steps_skipped, issues_detected, fixes_applied, duration_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.RunID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Fingerprint, boolToInt(r.Success),
		r.StepsPassed, r.StepsFailed, r.StepsSkipped, r.IssuesDetected, r.FixesApplied, r.DurationSeconds)
	if err != nil {
		return 0, fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return res.LastInsertId()
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, started_at, finished_at, fingerprint, success, steps_passed, steps_failed, steps_skipped, issues_detected, fixes_applied, duration_seconds
FROM runs
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, finished string
		var success int
		if err := rows.Scan(&r.ID, &r.RunID, &started, &finished, &r.Fingerprint, &success,
			&r.StepsPassed, &r.StepsFailed, &r.StepsSkipped, &r.IssuesDetected, &r.FixesApplied, &r.DurationSeconds); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Success = success == 1
		items = append(items, r)
	}
	return items, rows.Err()
}

// Get looks up one run by its run id.
func (s *Store) Get(ctx context.Context, runID string) (RunSummary, bool, error) {
	var r RunSummary
	var started, finished string
	var success int
	err := s.db.QueryRowContext(ctx, `
SELECT id, run_id, started_at, finished_at, fingerprint, success, steps_passed, steps_failed, steps_skipped, issues_detected, fixes_applied, duration_seconds
FROM runs
WHERE run_id = ?
`, runID).Scan(&r.ID, &r.RunID, &started, &finished, &r.Fingerprint, &success,
		&r.StepsPassed, &r.StepsFailed, &r.StepsSkipped, &r.IssuesDetected, &r.FixesApplied, &r.DurationSeconds)
	if err == sql.ErrNoRows {
		return RunSummary{}, false, nil
	}
	if err != nil {
		return RunSummary{}, false, err
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.Success = success == 1
	return r, true, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, run := range []RunSummary{
		{RunID: "run_a", StartedAt: now.Add(-2 * time.Hour), FinishedAt: now.Add(-2 * time.Hour).Add(90 * time.Second), Fingerprint: "aaaa", Success: true, StepsPassed: 12, DurationSeconds: 90},
		{RunID: "run_b", StartedAt: now.Add(-time.Hour), FinishedAt: now.Add(-time.Hour).Add(40 * time.Second), Fingerprint: "bbbb", StepsPassed: 3, StepsFailed: 1, IssuesDetected: 2, FixesApplied: 1, DurationSeconds: 40},
	} {
		if _, err := s.Insert(ctx, run); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	runs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "run_b" {
		t.Fatalf("newest run must come first, got %q", runs[0].RunID)
	}
	if runs[0].Success || runs[0].StepsFailed != 1 || runs[0].FixesApplied != 1 {
		t.Fatalf("run_b fields: %+v", runs[0])
	}
	if !runs[1].Success || runs[1].StepsPassed != 12 {
		t.Fatalf("run_a fields: %+v", runs[1])
	}
	if !runs[1].StartedAt.Equal(now.Add(-2 * time.Hour)) {
		t.Fatalf("timestamps must round-trip: %s", runs[1].StartedAt)
	}
}

func TestGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Insert(ctx, RunSummary{RunID: "run_x", StartedAt: time.Now(), FinishedAt: time.Now(), Success: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r, ok, err := s.Get(ctx, "run_x")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if r.RunID != "run_x" || !r.Success {
		t.Fatalf("run: %+v", r)
	}
	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing run: ok=%v err=%v", ok, err)
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := RunSummary{RunID: "run_dup", StartedAt: time.Now(), FinishedAt: time.Now()}
	if _, err := s.Insert(ctx, run); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.Insert(ctx, run); err == nil {
		t.Fatalf("duplicate run_id must be rejected")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()
	s1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()
	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen must not re-apply migrations: %v", err)
	}
	s2.Close()
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Re-open must accept the existing schema version and checksum.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s2.Close()
}

func TestSessions_UpsertAndComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "w1", "X-1", "Fix typo"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := s.GetSession(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("session missing after upsert")
	}
	if rec.Identifier != "X-1" || rec.Title != "Fix typo" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.CompletedAt != nil || rec.Success != nil {
		t.Fatalf("new session should not be completed: %+v", rec)
	}

	if err := s.CompleteSession(ctx, "w1", true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err = s.GetSession(ctx, "w1")
	if err != nil {
		t.Fatalf("get after complete: %v", err)
	}
	if rec.CompletedAt == nil || rec.Success == nil || !*rec.Success {
		t.Fatalf("completion not recorded: %+v", rec)
	}

	// A re-run resets completion but keeps a single row.
	if err := s.UpsertSession(ctx, "w1", "X-1", "Fix typo"); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rec, err = s.GetSession(ctx, "w1")
	if err != nil {
		t.Fatalf("get after re-upsert: %v", err)
	}
	if rec.CompletedAt != nil || rec.Success != nil {
		t.Fatalf("re-run should reset completion: %+v", rec)
	}
	all, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows = %d, want 1 (upsert keyed by work item)", len(all))
	}
}

func TestSessions_SessionIDMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "w1", "X-1", "Generate report"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Sequential execute/feedback/retry runs each capture a session id; the
	// stored id must always equal the most recent capture.
	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		if err := s.SetSessionID(ctx, "w1", id); err != nil {
			t.Fatalf("set session id %s: %v", id, err)
		}
	}
	rec, err := s.GetSession(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SessionID != "sess-c" {
		t.Fatalf("session id = %q, want sess-c (most recent wins)", rec.SessionID)
	}

	// A session-id capture keeps surviving an upsert (re-run).
	if err := s.UpsertSession(ctx, "w1", "X-1", "Generate report"); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rec, _ = s.GetSession(ctx, "w1")
	if rec.SessionID != "sess-c" {
		t.Fatalf("session id after re-run = %q, want sess-c", rec.SessionID)
	}
}

func TestSessions_SetSessionIDWithoutRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSessionID(context.Background(), "nope", "sess-1"); err == nil {
		t.Fatal("expected error setting session id for unknown work item")
	}
}

func TestComments_IdempotentMarking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := []string{"c1", "c2", "c3"}
	if err := s.MarkCommentsProcessed(ctx, "w1", ids); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// Marking the same ids again leaves exactly one row each.
	if err := s.MarkCommentsProcessed(ctx, "w1", ids); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	count, err := s.ProcessedCommentCount(ctx, "w1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("ledger rows = %d, want 3", count)
	}

	remaining, err := s.FilterUnprocessedComments(ctx, []string{"c2", "c4", "c1"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "c4" {
		t.Fatalf("unprocessed = %v, want [c4]", remaining)
	}
}

func TestSettings_OverrideLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Setting(ctx, "poll_interval"); err != nil || ok {
		t.Fatalf("unset setting: ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting(ctx, "poll_interval", "30s"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSetting(ctx, "poll_interval", "45s"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := s.Setting(ctx, "poll_interval")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if v != "45s" {
		t.Fatalf("value = %q, want 45s", v)
	}

	if err := s.DeleteSetting(ctx, "poll_interval"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Setting(ctx, "poll_interval"); ok {
		t.Fatal("setting should be gone after delete")
	}
}

func TestPurgeCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Old completed session with ledger entries.
	if err := s.UpsertSession(ctx, "old", "X-1", "Old work"); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	if err := s.CompleteSession(ctx, "old", true); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	if err := s.MarkCommentsProcessed(ctx, "old", []string{"c1", "c2"}); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	// Backdate the completion so the sweep sees it as expired.
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET completed_at = ? WHERE work_item_id = 'old';`,
		time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// Running session must survive any sweep.
	if err := s.UpsertSession(ctx, "live", "X-2", "Live work"); err != nil {
		t.Fatalf("upsert live: %v", err)
	}

	purged, err := s.PurgeCompleted(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if rec, _ := s.GetSession(ctx, "old"); rec != nil {
		t.Fatal("old session should be purged")
	}
	if rec, _ := s.GetSession(ctx, "live"); rec == nil {
		t.Fatal("live session should survive purge")
	}
	if n, _ := s.ProcessedCommentCount(ctx, "old"); n != 0 {
		t.Fatalf("old ledger rows = %d, want 0", n)
	}
}

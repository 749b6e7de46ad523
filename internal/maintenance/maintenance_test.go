package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePurger struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (f *fakePurger) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, olderThan)
	return 3, nil
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var discard = slog.New(slog.DiscardHandler)

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(Config{Purger: &fakePurger{}, Logger: discard, Schedule: "not a cron"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewSweeper_ComputesNextRun(t *testing.T) {
	s, err := NewSweeper(Config{
		Purger:    &fakePurger{},
		Logger:    discard,
		Schedule:  "0 3 * * *",
		Retention: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	next := s.NextRun()
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next run = %v, want 03:00", next)
	}
	if !next.After(time.Now()) {
		t.Fatalf("next run %v not in the future", next)
	}
}

func TestRunOnce_Purges(t *testing.T) {
	p := &fakePurger{}
	s, err := NewSweeper(Config{
		Purger:    p,
		Logger:    discard,
		Schedule:  "* * * * *",
		Retention: 48 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.RunOnce(context.Background())
	if p.count() != 1 {
		t.Fatalf("purge calls = %d, want 1", p.count())
	}
	if p.calls[0] != 48*time.Hour {
		t.Fatalf("retention passed = %v", p.calls[0])
	}
}

func TestRunOnce_ErrorLoggedNotFatal(t *testing.T) {
	p := &fakePurger{err: errors.New("db locked")}
	s, err := NewSweeper(Config{
		Purger:   p,
		Logger:   discard,
		Schedule: "* * * * *",
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	// Must not panic; the next scheduled run will retry.
	s.RunOnce(context.Background())
}

func TestSweeper_FiresWhenDue(t *testing.T) {
	p := &fakePurger{}
	s, err := NewSweeper(Config{
		Purger:    p,
		Logger:    discard,
		Schedule:  "* * * * *",
		Retention: time.Hour,
		Interval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	// Force the schedule to be immediately due.
	s.mu.Lock()
	s.nextRun = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for p.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// After firing, the next run moves into the future.
	if !s.NextRun().After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next run = %v", s.NextRun())
	}
}

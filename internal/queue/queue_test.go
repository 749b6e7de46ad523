package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestQueue(t *testing.T, baseDelay time.Duration) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "queue.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := New(Config{
		DB:        db,
		Logger:    slog.New(slog.DiscardHandler),
		BaseDelay: baseDelay,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func startTestPool(t *testing.T, q *Queue, workers int) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(q, workers, 10*time.Millisecond)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(pool.Stop)
	return pool
}

func TestRetryDelay(t *testing.T) {
	base := 5 * time.Second
	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{0, 5 * time.Second},
	} {
		if got := RetryDelay(base, tc.attempt); got != tc.want {
			t.Errorf("RetryDelay(%v, %d) = %v, want %v", base, tc.attempt, got, tc.want)
		}
	}
}

func TestEnqueueAndDepth(t *testing.T) {
	q := openTestQueue(t, time.Second)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, KindExecute, `{"id":"w1"}`, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, KindFeedback, `{"id":"w2"}`, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
}

func TestPending(t *testing.T) {
	q := openTestQueue(t, time.Second)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindFeedback, `{"id":"w1"}`, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if pending, err := q.Pending(ctx, id); err != nil || !pending {
		t.Fatalf("Pending(%s) = %v, %v, want true", id, pending, err)
	}
	if pending, err := q.Pending(ctx, "no-such-job"); err != nil || pending {
		t.Fatalf("Pending(unknown) = %v, %v, want false", pending, err)
	}
}

func TestWorker_SuccessDeletesJob(t *testing.T) {
	q := openTestQueue(t, time.Second)
	ctx := context.Background()

	done := make(chan Job, 1)
	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	startTestPool(t, q, 1)

	jobID, err := q.Enqueue(ctx, KindExecute, `{"id":"w1"}`, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case job := <-done:
		if job.Payload != `{"id":"w1"}` {
			t.Fatalf("payload = %q", job.Payload)
		}
		if job.Attempt != 1 {
			t.Fatalf("attempt = %d, want 1", job.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// The row is deleted on success; only dead letters leave history.
	waitFor(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, "job row still present after success")
	if pending, err := q.Pending(ctx, jobID); err != nil || pending {
		t.Fatalf("Pending after success = %v, %v, want false", pending, err)
	}
}

func TestWorker_RetryThenDeadLetter(t *testing.T) {
	q := openTestQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	var attempts atomic.Int64
	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		attempts.Add(1)
		return errors.New("agent exploded")
	})

	var mu sync.Mutex
	var deadJobs []Job
	q.OnDeadLetter(func(job Job, err error) {
		mu.Lock()
		deadJobs = append(deadJobs, job)
		mu.Unlock()
	})
	startTestPool(t, q, 1)

	if _, err := q.Enqueue(ctx, KindExecute, `{"id":"w1"}`, Options{MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deadJobs) == 1
	}, "job never dead-lettered")

	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	mu.Lock()
	dead := deadJobs[0]
	mu.Unlock()
	if dead.Attempt != 3 || dead.MaxAttempts != 3 {
		t.Fatalf("dead job = %+v", dead)
	}

	letters, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != dead.ID {
		t.Fatalf("dead letters = %+v", letters)
	}
	// Dead letters no longer count toward depth.
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestWorker_BackoffDelaysBetweenAttempts(t *testing.T) {
	base := 80 * time.Millisecond
	q := openTestQueue(t, base)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return errors.New("still failing")
	})
	dead := make(chan struct{}, 1)
	q.OnDeadLetter(func(Job, error) { dead <- struct{}{} })
	startTestPool(t, q, 1)

	if _, err := q.Enqueue(ctx, KindExecute, `{}`, Options{MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		t.Fatal("job never dead-lettered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	// Gaps must honor base*2^(n-1): at least base, then at least 2*base.
	if gap := stamps[1].Sub(stamps[0]); gap < base {
		t.Fatalf("first retry after %v, want >= %v", gap, base)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 2*base {
		t.Fatalf("second retry after %v, want >= %v", gap, 2*base)
	}
}

func TestWorker_TimeoutCountsAsFailure(t *testing.T) {
	q := openTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	dead := make(chan error, 1)
	q.OnDeadLetter(func(_ Job, err error) { dead <- err })
	startTestPool(t, q, 1)

	if _, err := q.Enqueue(ctx, KindExecute, `{}`, Options{MaxAttempts: 1, Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-dead:
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("dead letter error = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed-out job never dead-lettered")
	}
}

func TestWorker_PanicIsContained(t *testing.T) {
	q := openTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		panic("boom")
	})
	dead := make(chan error, 1)
	q.OnDeadLetter(func(_ Job, err error) { dead <- err })
	startTestPool(t, q, 1)

	if _, err := q.Enqueue(ctx, KindExecute, `{}`, Options{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-dead:
		if err == nil {
			t.Fatal("expected panic error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("panicking job never dead-lettered")
	}
}

func TestPause_StopsDequeueOnly(t *testing.T) {
	q := openTestQueue(t, time.Second)
	ctx := context.Background()

	ran := make(chan struct{}, 4)
	q.Register(KindExecute, func(ctx context.Context, job Job) error {
		ran <- struct{}{}
		return nil
	})
	startTestPool(t, q, 1)

	q.Pause()
	if _, err := q.Enqueue(ctx, KindExecute, `{}`, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Enqueue still works while paused; the job just waits.
	select {
	case <-ran:
		t.Fatal("handler ran while paused")
	case <-time.After(150 * time.Millisecond):
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("depth while paused = %d, want 1", depth)
	}

	q.Resume()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran after resume")
	}
}

func TestUnknownKindDeadLetters(t *testing.T) {
	q := openTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	dead := make(chan error, 1)
	q.OnDeadLetter(func(_ Job, err error) { dead <- err })
	startTestPool(t, q, 1)

	if _, err := q.Enqueue(ctx, Kind("mystery"), `{}`, Options{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-dead:
		if !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("error = %v, want ErrUnknownKind", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("unknown-kind job never dead-lettered")
	}
}

func TestRequeueExpired(t *testing.T) {
	q := openTestQueue(t, time.Second)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, KindExecute, `{}`, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.claimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	// Simulate a crashed worker by expiring the lease.
	if _, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ? WHERE id = ?;
	`, time.Now().UTC().Add(-time.Minute), job.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	n, err := q.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	// The job is claimable again; its attempt counter keeps the prior try.
	job2, err := q.claimNext(ctx)
	if err != nil || job2 == nil {
		t.Fatalf("reclaim: job=%v err=%v", job2, err)
	}
	if job2.ID != job.ID {
		t.Fatalf("reclaimed id = %s, want %s", job2.ID, job.ID)
	}
	if job2.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", job2.Attempt)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

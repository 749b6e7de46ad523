// Package queue is a durable, retryable job queue backed by sqlite. Jobs
// carry opaque payloads; callers register a handler per job kind and the
// worker pool drains the table. Delivery is at-least-once: a job whose
// handler fails or times out is requeued with exponential backoff until its
// attempt budget is exhausted, then dead-lettered through the failure hook.
// Successful jobs are deleted; durable outcomes live in the session store,
// not here.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	fmotel "github.com/hatch/foreman/internal/otel"
)

// Kind names the handler a job is routed to.
type Kind string

const (
	KindExecute  Kind = "execute"
	KindFeedback Kind = "feedback"
	KindRetry    Kind = "retry"
)

// Job states. Completed jobs have no state: the row is deleted.
const (
	statusWaiting = "WAITING"
	statusActive  = "ACTIVE"
	statusDead    = "DEAD"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second
	defaultTimeout     = 10 * time.Minute
	leaseGrace         = 30 * time.Second
)

// ErrUnknownKind is returned by the worker when a claimed job has no
// registered handler.
var ErrUnknownKind = errors.New("no handler registered for job kind")

// Job is a unit of queued work as seen by handlers and hooks.
type Job struct {
	ID          string
	Kind        Kind
	Payload     string
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
	LastError   string
	CreatedAt   time.Time
}

// Options control a single enqueue. Zero values take queue defaults.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Handler processes one job end-to-end. Returning an error triggers the
// retry policy; exceeding the job timeout does the same.
type Handler func(ctx context.Context, job Job) error

// FailureHook is invoked after a job exhausts its attempts and is
// dead-lettered.
type FailureHook func(job Job, err error)

// Queue owns the jobs table and all retry/backoff bookkeeping.
type Queue struct {
	db        *sql.DB
	logger    *slog.Logger
	baseDelay time.Duration
	metrics   *fmotel.Metrics

	mu       sync.RWMutex
	handlers map[Kind]Handler
	onDead   FailureHook

	paused atomic.Bool
	active atomic.Int64
}

// Config holds the queue's dependencies.
type Config struct {
	DB        *sql.DB
	Logger    *slog.Logger
	BaseDelay time.Duration   // retry backoff base; defaults to 5s
	Metrics   *fmotel.Metrics // optional
}

// New creates the queue and its table.
func New(cfg Config) (*Queue, error) {
	if cfg.DB == nil {
		return nil, errors.New("queue requires a database")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	q := &Queue{
		db:        cfg.DB,
		logger:    logger,
		baseDelay: baseDelay,
		metrics:   cfg.Metrics,
		handlers:  make(map[Kind]Handler),
	}
	if err := q.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempt         INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			available_at    DATETIME NOT NULL,
			lease_owner     TEXT,
			lease_expires_at DATETIME,
			last_error      TEXT,
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_jobs_status_available
			ON jobs(status, available_at);
	`); err != nil {
		return fmt.Errorf("create jobs index: %w", err)
	}
	return nil
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// OnDeadLetter sets the hook invoked when a job is terminally failed.
func (q *Queue) OnDeadLetter(hook FailureHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead = hook
}

// Enqueue adds a job and returns its id immediately. The queue performs no
// deduplication: preventing double-processing of a work item is the
// discovery poller's claim transition, not the queue.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload string, opts Options) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempt, max_attempts, timeout_seconds, available_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP);
	`, id, string(kind), payload, statusWaiting, maxAttempts, int(timeout.Seconds()))
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Depth returns the number of jobs waiting or being processed.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE status IN (?, ?);
	`, statusWaiting, statusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Pending reports whether a job is still in the queue, either waiting or
// claimed by a worker. Completed and dead-lettered jobs are not pending.
func (q *Queue) Pending(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE id = ? AND status IN (?, ?);
	`, jobID, statusWaiting, statusActive).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending job: %w", err)
	}
	return n > 0, nil
}

// DeadLetters returns terminally failed jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempt, max_attempts, timeout_seconds, last_error, created_at
		FROM jobs
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?;
	`, statusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		var kind string
		var timeoutSec int
		var lastErr sql.NullString
		if err := rows.Scan(&job.ID, &kind, &job.Payload, &job.Attempt,
			&job.MaxAttempts, &timeoutSec, &lastErr, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		job.Kind = Kind(kind)
		job.Timeout = time.Duration(timeoutSec) * time.Second
		job.LastError = lastErr.String
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}

// Pause stops workers from claiming new jobs. In-flight jobs run to
// completion; they are never interrupted by a pause.
func (q *Queue) Pause() {
	q.paused.Store(true)
}

// Resume re-enables claiming.
func (q *Queue) Resume() {
	q.paused.Store(false)
}

// Paused reports whether dequeue is currently disabled.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// ActiveCount returns the number of jobs currently held by workers.
func (q *Queue) ActiveCount() int {
	return int(q.active.Load())
}

// claimNext transactionally claims the oldest due waiting job, or returns
// nil when none is due.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job Job
	var kind string
	var timeoutSec int
	var lastErr sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, kind, payload, attempt, max_attempts, timeout_seconds, last_error, created_at
		FROM jobs
		WHERE status = ? AND available_at <= CURRENT_TIMESTAMP
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`, statusWaiting).Scan(&job.ID, &kind, &job.Payload, &job.Attempt,
		&job.MaxAttempts, &timeoutSec, &lastErr, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select waiting job: %w", err)
	}
	job.Kind = Kind(kind)
	job.Timeout = time.Duration(timeoutSec) * time.Second
	job.LastError = lastErr.String

	leaseOwner := uuid.NewString()
	leaseExpires := time.Now().UTC().Add(job.Timeout + leaseGrace)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempt = attempt + 1, lease_owner = ?, lease_expires_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, statusActive, leaseOwner, leaseExpires, job.ID, statusWaiting)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	job.Attempt++
	return &job, nil
}

// complete removes a successfully processed job. No completed-job history
// is retained at this layer.
func (q *Queue) complete(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, jobID); err != nil {
		return fmt.Errorf("delete completed job: %w", err)
	}
	return nil
}

// fail applies the retry policy to an active job: requeue with backoff while
// attempts remain, otherwise dead-letter. Returns true when the job was
// dead-lettered.
func (q *Queue) fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	if job.Attempt < job.MaxAttempts {
		delay := RetryDelay(q.baseDelay, job.Attempt)
		availableAt := time.Now().UTC().Add(delay)
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, available_at = ?, lease_owner = NULL, lease_expires_at = NULL,
				last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, statusWaiting, availableAt, jobErr.Error(), job.ID)
		if err != nil {
			return false, fmt.Errorf("requeue job: %w", err)
		}
		q.logger.Warn("job failed, retrying",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay,
			"error", jobErr,
		)
		if q.metrics != nil {
			q.metrics.JobsRetried.Add(ctx, 1)
		}
		return false, nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, statusDead, jobErr.Error(), job.ID)
	if err != nil {
		return false, fmt.Errorf("dead-letter job: %w", err)
	}
	q.logger.Error("job dead-lettered",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempts", job.Attempt,
		"error", jobErr,
	)
	if q.metrics != nil {
		q.metrics.JobsDeadLettered.Add(ctx, 1)
	}
	q.mu.RLock()
	hook := q.onDead
	q.mu.RUnlock()
	if hook != nil {
		hook(*job, jobErr)
	}
	return true, nil
}

// RequeueExpired returns ACTIVE jobs whose lease has lapsed to WAITING. Run
// at startup and periodically from the worker loop, it is the crash-recovery
// half of at-least-once delivery: a worker that died mid-job leaves an
// expired lease behind.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, statusWaiting, statusActive)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

// RetryDelay computes the backoff before retry number attempt+1, after
// attempt failures: base, 2*base, 4*base, ... Deterministic so operators
// can predict the schedule (base 5s, 3 attempts ⇒ retries at 5s and 10s).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	leaseSweepInterval  = 30 * time.Second
	errHandlerPanic     = "handler panic"
	errHandlerTimeout   = "handler timed out"
	defaultWorkerCount  = 2
)

// WorkerPool drains the queue with a fixed set of goroutines. Each worker
// polls for a due job, runs its handler under the job's timeout, and applies
// the outcome. Stop waits for in-flight handlers to finish.
type WorkerPool struct {
	queue        *Queue
	workers      int
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool wires a pool to a queue. Zero values take defaults.
func NewWorkerPool(q *Queue, workers int, pollInterval time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &WorkerPool{queue: q, workers: workers, pollInterval: pollInterval}
}

// Start launches the workers plus a lease sweeper. Stale leases from a
// previous run are requeued before the first claim.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("worker pool already started")
	}

	if n, err := p.queue.RequeueExpired(ctx); err != nil {
		return fmt.Errorf("requeue stale leases: %w", err)
	} else if n > 0 {
		p.queue.logger.Info("requeued stale jobs from previous run", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(runCtx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runLeaseSweeper(runCtx)
	}()
	return nil
}

// Stop cancels the claim loops and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.queue.Paused() {
			continue
		}
		// Drain all due jobs before sleeping again.
		for {
			job, err := p.queue.claimNext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.queue.logger.Error("claim failed", "worker", id, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			p.runJob(ctx, id, job)
			if ctx.Err() != nil || p.queue.Paused() {
				break
			}
		}
	}
}

// runJob executes a claimed job's handler under its timeout and records the
// outcome. The handler context is derived from the background context, not
// the claim loop's, so a graceful shutdown lets in-flight jobs finish.
func (p *WorkerPool) runJob(ctx context.Context, workerID int, job *Job) {
	p.queue.active.Add(1)
	defer p.queue.active.Add(-1)
	if p.queue.metrics != nil {
		p.queue.metrics.ActiveTasks.Add(ctx, 1)
		defer p.queue.metrics.ActiveTasks.Add(context.Background(), -1)
	}

	p.queue.mu.RLock()
	handler, ok := p.queue.handlers[job.Kind]
	p.queue.mu.RUnlock()

	if !ok {
		if _, err := p.queue.fail(context.Background(), job, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)); err != nil {
			p.queue.logger.Error("record unknown-kind failure", "job_id", job.ID, "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	start := time.Now()
	err := runHandler(jobCtx, handler, *job)
	elapsed := time.Since(start)
	if p.queue.metrics != nil {
		p.queue.metrics.JobDuration.Record(context.Background(), elapsed.Seconds())
	}

	if err == nil {
		if derr := p.queue.complete(context.Background(), job.ID); derr != nil {
			p.queue.logger.Error("delete completed job", "job_id", job.ID, "error", derr)
		}
		p.queue.logger.Info("job completed",
			"worker", workerID,
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempt,
			"duration", elapsed,
		)
		return
	}

	if jobCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s after %s: %w", errHandlerTimeout, job.Timeout, err)
	}
	if _, ferr := p.queue.fail(context.Background(), job, err); ferr != nil {
		p.queue.logger.Error("record job failure", "job_id", job.ID, "error", ferr)
	}
}

// runHandler isolates handler panics so one bad job cannot take down a
// worker goroutine.
func runHandler(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, job)
}

func (p *WorkerPool) runLeaseSweeper(ctx context.Context) {
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.RequeueExpired(ctx); err != nil {
				if ctx.Err() == nil {
					p.queue.logger.Error("lease sweep failed", "error", err)
				}
			} else if n > 0 {
				p.queue.logger.Warn("requeued jobs with expired leases", "count", n)
			}
		}
	}
}

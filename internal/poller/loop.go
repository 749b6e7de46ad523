// Package poller contains the periodic sweeps against the external tracker:
// discovery claims ready work, review collects human feedback. Both run as
// plain ticker loops with an overlap guard; a sweep that is still running
// when the next tick fires causes that tick to be skipped entirely.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop drives one named sweep on an interval. The interval is re-read on
// every tick so runtime config overrides apply without a restart.
type Loop struct {
	name     string
	interval func() time.Duration
	run      func(ctx context.Context) error
	logger   *slog.Logger

	inFlight atomic.Bool
	skipped  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop builds a sweep loop. interval must return a positive duration.
func NewLoop(name string, interval func() time.Duration, run func(ctx context.Context) error, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		interval: interval,
		run:      run,
		logger:   logger,
	}
}

// Start launches the loop. The first sweep happens after one interval, not
// immediately, so startup ordering stays predictable.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return fmt.Errorf("poller %s already started", l.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			interval := l.interval()
			if interval <= 0 {
				interval = time.Minute
			}
			timer := time.NewTimer(interval)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			l.tick(runCtx)
		}
	}()
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}

// TickNow runs one sweep immediately, honoring the overlap guard. Used at
// startup and from tests.
func (l *Loop) TickNow(ctx context.Context) {
	l.tick(ctx)
}

// SkippedTicks reports how many ticks were dropped because the previous
// sweep was still running.
func (l *Loop) SkippedTicks() int64 {
	return l.skipped.Load()
}

func (l *Loop) tick(ctx context.Context) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.logger.Warn("sweep still running, skipping tick", "poller", l.name)
		return
	}
	defer l.inFlight.Store(false)

	start := time.Now()
	if err := l.run(ctx); err != nil {
		if ctx.Err() == nil {
			l.logger.Error("sweep failed", "poller", l.name, "error", err)
		}
		return
	}
	l.logger.Debug("sweep finished", "poller", l.name, "duration", time.Since(start))
}

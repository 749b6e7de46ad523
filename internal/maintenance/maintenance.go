// Package maintenance runs the housekeeping that keeps the local database
// small: a cron-scheduled sweep purging completed sessions older than the
// retention window.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Purger is the retention operation the sweeper drives.
type Purger interface {
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds the sweeper's dependencies.
type Config struct {
	Purger    Purger
	Logger    *slog.Logger
	Schedule  string        // cron expression; when the sweep runs
	Retention time.Duration // completed sessions older than this are purged
	Interval  time.Duration // schedule check period; defaults to 1 minute
}

// Sweeper fires the retention purge on a cron schedule.
type Sweeper struct {
	purger    Purger
	logger    *slog.Logger
	schedule  cronlib.Schedule
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper parses the schedule and builds a sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Purger == nil {
		return nil, fmt.Errorf("sweeper requires a purger")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Sweeper{
		purger:    cfg.Purger,
		logger:    logger,
		schedule:  sched,
		retention: retention,
		interval:  interval,
		nextRun:   sched.Next(time.Now()),
	}, nil
}

// Start begins the schedule loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "next_run", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

// NextRun reports when the next sweep is due.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.RunOnce(ctx)
}

// RunOnce performs one purge immediately, outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) {
	purged, err := s.purger.PurgeCompleted(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("retention purge finished",
			"purged", purged,
			"retention", s.retention,
		)
	}
}

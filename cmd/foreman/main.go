// Command foreman runs the work orchestrator: it discovers ready items in
// the project tracker, delegates them to a coding agent through a durable
// job queue, routes finished work through an optional review gate, and
// feeds reviewer comments back into the agent's session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/hatch/foreman/internal/bus"
	"github.com/hatch/foreman/internal/config"
	"github.com/hatch/foreman/internal/gateway"
	"github.com/hatch/foreman/internal/maintenance"
	"github.com/hatch/foreman/internal/monitor"
	fmotel "github.com/hatch/foreman/internal/otel"
	"github.com/hatch/foreman/internal/poller"
	"github.com/hatch/foreman/internal/processor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/runner"
	"github.com/hatch/foreman/internal/store"
	"github.com/hatch/foreman/internal/telemetry"
	"github.com/hatch/foreman/internal/tracker"
)

const version = "0.1.0-dev"

const (
	trackerTimeout  = 15 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "foreman:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeFlag    = flag.String("home", "", "home directory (default ~/.foreman)")
		quietFlag   = flag.Bool("quiet", false, "log to file only, not stdout")
		versionFlag = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Println("foreman", version)
		return nil
	}

	homeDir := *homeFlag
	if homeDir == "" {
		var err error
		homeDir, err = config.DefaultHomeDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	// Piped output means a supervisor is capturing stdout already.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("foreman starting", "version", version, "home", homeDir)

	if cfg.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is not configured")
	}
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is not configured")
	}

	otelProvider, err := fmotel.Init(ctx, fmotel.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry export: %w", err)
	}
	metrics, err := fmotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(filepath.Join(homeDir, "foreman.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	settings := config.NewSettings(cfg, st, logger)
	eventBus := bus.New()

	q, err := queue.New(queue.Config{
		DB:        st.DB(),
		Logger:    logger,
		BaseDelay: time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	trackerClient := tracker.NewHTTPClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, trackerTimeout)
	agentRunner, err := runner.NewCLIRunner(cfg.Agent.Command, cfg.Agent.Args, logger)
	if err != nil {
		return fmt.Errorf("init agent runner: %w", err)
	}

	mon := monitor.New(st, q, eventBus, logger)
	proc, err := processor.New(processor.Config{
		Tracker:  trackerClient,
		Runner:   agentRunner,
		Monitor:  mon,
		Sessions: st,
		Logger:   logger,
		WorkDir:  cfg.Agent.WorkDir,
		Triggers: func() []string { return settings.ReviewTriggers(context.Background()) },
	})
	if err != nil {
		return err
	}
	proc.Register(q)

	pool := queue.NewWorkerPool(q, settings.WorkerCount(ctx), 0)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer pool.Stop()

	// Resolved per enqueue so settings overrides apply without a restart.
	jobOpts := func() queue.Options {
		return queue.Options{
			Timeout:     settings.JobTimeout(context.Background()),
			MaxAttempts: settings.MaxAttempts(context.Background()),
		}
	}
	discovery := poller.NewDiscovery(trackerClient, q, jobOpts, logger)
	review := poller.NewReview(trackerClient, q, st, mon, jobOpts, logger)

	discoveryLoop := poller.NewLoop("discovery",
		func() time.Duration { return settings.PollInterval(context.Background()) },
		withPollMetric(ctx, metrics, discovery.Run),
		logger,
	)
	reviewLoop := poller.NewLoop("review",
		func() time.Duration { return settings.ReviewInterval(context.Background()) },
		withPollMetric(ctx, metrics, review.Run),
		logger,
	)
	if err := discoveryLoop.Start(ctx); err != nil {
		return err
	}
	defer discoveryLoop.Stop()
	if err := reviewLoop.Start(ctx); err != nil {
		return err
	}
	defer reviewLoop.Stop()
	// First sweep right away; the loops wait a full interval.
	go discoveryLoop.TickNow(ctx)

	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		Purger:    st,
		Logger:    logger,
		Schedule:  cfg.RetentionSchedule,
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed; file-level changes apply on restart, runtime overrides apply live")
			}
		}()
	}

	go trackDroppedEvents(ctx, eventBus, metrics)

	gw, err := gateway.New(gateway.Config{
		BindAddr:  cfg.Gateway.BindAddr,
		AuthToken: cfg.Gateway.AuthToken,
		Monitor:   mon,
		Queue:     q,
		Sessions:  st,
		Bus:       eventBus,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-gwErr:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	logger.Info("foreman stopped")
	return nil
}

// withPollMetric counts completed sweeps.
func withPollMetric(ctx context.Context, metrics *fmotel.Metrics, run func(context.Context) error) func(context.Context) error {
	return func(runCtx context.Context) error {
		err := run(runCtx)
		if err == nil {
			metrics.PollRuns.Add(ctx, 1)
		}
		return err
	}
}

// trackDroppedEvents samples the bus drop counter and exports deltas.
func trackDroppedEvents(ctx context.Context, b *bus.Bus, metrics *fmotel.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.DroppedCount()
			if delta := now - last; delta > 0 {
				metrics.EventsDropped.Add(ctx, delta)
			}
			last = now
		}
	}
}

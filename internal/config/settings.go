package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Override keys recognized in the settings table and their matching env
// variables.
const (
	KeyPollInterval   = "poll_interval_seconds"
	KeyReviewInterval = "review_interval_seconds"
	KeyWorkerCount    = "worker_count"
	KeyJobTimeout     = "job_timeout_seconds"
	KeyMaxAttempts    = "max_attempts"
	KeyReviewTriggers = "review_triggers"
)

// Overrides is the store surface the resolver reads. A nil Overrides means
// file and env only.
type Overrides interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Settings resolves effective values in precedence order: database override,
// environment, config file, built-in default. Every accessor reads fresh.
type Settings struct {
	cfg       *Config
	overrides Overrides
	logger    *slog.Logger
}

// NewSettings builds a resolver over a loaded config.
func NewSettings(cfg *Config, overrides Overrides, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{cfg: cfg, overrides: overrides, logger: logger}
}

func (s *Settings) resolve(ctx context.Context, key, envVar string) (string, bool) {
	if s.overrides != nil {
		v, ok, err := s.overrides.Setting(ctx, key)
		if err != nil {
			s.logger.Warn("read setting override", "key", key, "error", err)
		} else if ok {
			return v, true
		}
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, true
		}
	}
	return "", false
}

func (s *Settings) resolveInt(ctx context.Context, key, envVar string, fileValue int) int {
	raw, ok := s.resolve(ctx, key, envVar)
	if !ok {
		return fileValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		s.logger.Warn("ignoring invalid setting", "key", key, "value", raw)
		return fileValue
	}
	return n
}

// PollInterval is the discovery sweep period.
func (s *Settings) PollInterval(ctx context.Context) time.Duration {
	return time.Duration(s.resolveInt(ctx, KeyPollInterval, "FOREMAN_POLL_INTERVAL_SECONDS", s.cfg.PollIntervalSeconds)) * time.Second
}

// ReviewInterval is the review sweep period.
func (s *Settings) ReviewInterval(ctx context.Context) time.Duration {
	return time.Duration(s.resolveInt(ctx, KeyReviewInterval, "FOREMAN_REVIEW_INTERVAL_SECONDS", s.cfg.ReviewIntervalSeconds)) * time.Second
}

// WorkerCount is the queue worker pool size. Read once at startup; changing
// it at runtime requires a restart.
func (s *Settings) WorkerCount(ctx context.Context) int {
	return s.resolveInt(ctx, KeyWorkerCount, "FOREMAN_WORKER_COUNT", s.cfg.WorkerCount)
}

// JobTimeout bounds one agent run.
func (s *Settings) JobTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.resolveInt(ctx, KeyJobTimeout, "FOREMAN_JOB_TIMEOUT_SECONDS", s.cfg.JobTimeoutSeconds)) * time.Second
}

// MaxAttempts is the per-job attempt budget.
func (s *Settings) MaxAttempts(ctx context.Context) int {
	return s.resolveInt(ctx, KeyMaxAttempts, "FOREMAN_MAX_ATTEMPTS", s.cfg.MaxAttempts)
}

// ReviewTriggers returns the review-gate phrases. Overrides use a
// comma-separated list.
func (s *Settings) ReviewTriggers(ctx context.Context) []string {
	raw, ok := s.resolve(ctx, KeyReviewTriggers, "FOREMAN_REVIEW_TRIGGERS")
	if !ok {
		return s.cfg.ReviewTriggers
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Package config loads the orchestrator's file configuration and resolves
// runtime settings. File values are the baseline; environment variables
// override the file, and operator overrides stored in the database override
// both. Resolution happens on every read so a changed override takes effect
// on the next poll cycle without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file, env, nor override provides a value.
const (
	DefaultBindAddr          = "127.0.0.1:8790"
	DefaultLogLevel          = "info"
	DefaultWorkerCount       = 2
	DefaultPollSeconds       = 60
	DefaultReviewSeconds     = 60
	DefaultJobTimeoutSeconds = 600
	DefaultMaxAttempts       = 3
	DefaultBackoffSeconds    = 5
	DefaultRetentionDays     = 7
	DefaultRetentionCron     = "0 3 * * *"
)

// TrackerConfig points at the external project tracker.
type TrackerConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is read from config.yaml; FOREMAN_TRACKER_TOKEN overrides it.
	Token string `yaml:"token"`
}

// AgentConfig describes the coding-agent CLI.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
}

// GatewayConfig controls the HTTP/WebSocket surface.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	WorkerCount int    `yaml:"worker_count"`

	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	ReviewIntervalSeconds int `yaml:"review_interval_seconds"`
	JobTimeoutSeconds     int `yaml:"job_timeout_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	BackoffBaseSeconds    int `yaml:"backoff_base_seconds"`

	// ReviewTriggers are the phrases whose presence in an item's title or
	// description routes finished work to human review instead of closing it.
	ReviewTriggers []string `yaml:"review_triggers"`

	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`

	Tracker TrackerConfig `yaml:"tracker"`
	Agent   AgentConfig   `yaml:"agent"`
	Gateway GatewayConfig `yaml:"gateway"`
	Otel    OtelConfig    `yaml:"otel"`
}

// DefaultHomeDir returns ~/.foreman.
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".foreman"), nil
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir, applies defaults, and then applies
// environment overrides. A missing file is not an error.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{
		HomeDir:               homeDir,
		LogLevel:              DefaultLogLevel,
		WorkerCount:           DefaultWorkerCount,
		PollIntervalSeconds:   DefaultPollSeconds,
		ReviewIntervalSeconds: DefaultReviewSeconds,
		JobTimeoutSeconds:     DefaultJobTimeoutSeconds,
		MaxAttempts:           DefaultMaxAttempts,
		BackoffBaseSeconds:    DefaultBackoffSeconds,
		RetentionDays:         DefaultRetentionDays,
		RetentionSchedule:     DefaultRetentionCron,
		Gateway:               GatewayConfig{BindAddr: DefaultBindAddr},
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_TRACKER_URL"); v != "" {
		cfg.Tracker.BaseURL = v
	}
	if v := os.Getenv("FOREMAN_TRACKER_TOKEN"); v != "" {
		cfg.Tracker.Token = v
	}
	if v := os.Getenv("FOREMAN_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("FOREMAN_BIND_ADDR"); v != "" {
		cfg.Gateway.BindAddr = v
	}
	if v := os.Getenv("FOREMAN_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBaseSeconds < 1 {
		return fmt.Errorf("backoff_base_seconds must be at least 1, got %d", c.BackoffBaseSeconds)
	}
	if c.PollIntervalSeconds < 1 || c.ReviewIntervalSeconds < 1 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}

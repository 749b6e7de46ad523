// Package telemetry configures structured logging. Logs are JSON lines
// written to ~/.foreman/logs/system.jsonl and mirrored to stdout unless
// quiet mode is on. Values that look like credentials are redacted before
// they reach any sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NewLogger opens the log file and builds the process logger. The returned
// closer owns the file handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := NewHandler(w, ParseLevel(level))
	logger := slog.New(handler).With("component", "foreman")
	return logger, file, nil
}

// NewHandler builds the redacting JSON handler used by NewLogger. Exposed
// separately so tests can capture output.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// keyPattern matches provider-style secret literals that can leak through
// error strings.
var keyPattern = regexp.MustCompile(`\b(sk-|ghp_|xox[bap]-)[A-Za-z0-9_-]{8,}`)

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := keyPattern.ReplaceAllString(v, "[REDACTED]"); redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

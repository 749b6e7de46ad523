package runner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Buffer for one JSONL line; agent text events can be large.
const maxLineBytes = 4 * 1024 * 1024

// CLIRunner drives an agent CLI as a subprocess. The prompt goes to stdin;
// flags select resume and system-prompt behavior; stdout is a JSONL event
// stream validated line by line.
type CLIRunner struct {
	command   string
	baseArgs  []string
	logger    *slog.Logger
	validator *streamValidator
}

// NewCLIRunner compiles the stream schema and prepares an invoker for the
// given agent binary.
func NewCLIRunner(command string, baseArgs []string, logger *slog.Logger) (*CLIRunner, error) {
	if command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newStreamValidator()
	if err != nil {
		return nil, err
	}
	return &CLIRunner{
		command:   command,
		baseArgs:  baseArgs,
		logger:    logger,
		validator: v,
	}, nil
}

func (r *CLIRunner) buildArgs(req Request) []string {
	args := append([]string(nil), r.baseArgs...)
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	return args
}

// Run starts the agent process and streams its events. The channel closes
// after a terminal result event; if the process exits without emitting one,
// a failure result is synthesized from the exit status.
func (r *CLIRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, r.command, r.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", r.command, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			ev, err := r.validator.parseLine(line)
			if err != nil {
				r.logger.Warn("dropping malformed agent event", "error", err)
				continue
			}
			if ev.Kind == EventResult {
				sawResult = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Error("agent stream read failed", "error", err)
		}

		waitErr := cmd.Wait()
		if sawResult {
			return
		}
		// The process died without a verdict. Report the exit status so the
		// retry policy sees a failure rather than a hang.
		detail := "agent exited without a result event"
		if waitErr != nil {
			detail = fmt.Sprintf("agent exited abnormally: %v", waitErr)
		}
		select {
		case events <- Event{Kind: EventResult, Success: false, Detail: detail}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// Package processor turns queued jobs into agent runs and tracker updates.
// It owns the side-effect ordering for completed work: the tracker status
// changes first, the explanatory note second, and the local record last, so
// an interruption can leave the tracker ahead of local state but never
// behind it.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hatch/foreman/internal/monitor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/runner"
	"github.com/hatch/foreman/internal/store"
	"github.com/hatch/foreman/internal/tracker"
)

// deadLetterTimeout bounds the tracker cleanup performed for a job whose
// attempts are exhausted.
const deadLetterTimeout = 30 * time.Second

// Payload is the job body shared by all job kinds. Item is always present;
// Comments only on feedback jobs; PreviousError only on operator retries.
type Payload struct {
	Item          tracker.WorkItem  `json:"item"`
	Comments      []tracker.Comment `json:"comments,omitempty"`
	PreviousError string            `json:"previous_error,omitempty"`
}

// EncodePayload serializes a payload for Enqueue.
func EncodePayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload parses a job body.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.Item.ID == "" {
		return Payload{}, fmt.Errorf("job payload missing work item id")
	}
	return p, nil
}

// SessionReader is the slice of the session store the processor needs.
type SessionReader interface {
	GetSession(ctx context.Context, workItemID string) (*store.SessionRecord, error)
	MarkCommentsProcessed(ctx context.Context, workItemID string, commentIDs []string) error
}

// Processor executes work items through the agent runner.
type Processor struct {
	tracker  tracker.Client
	runner   runner.Runner
	monitor  *monitor.Monitor
	sessions SessionReader
	logger   *slog.Logger
	workDir  string

	// triggers is resolved on every gate decision so runtime config
	// changes take effect without a restart.
	triggers func() []string
}

// Config wires the processor's collaborators.
type Config struct {
	Tracker  tracker.Client
	Runner   runner.Runner
	Monitor  *monitor.Monitor
	Sessions SessionReader
	Logger   *slog.Logger
	WorkDir  string
	Triggers func() []string
}

// New validates and assembles a processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Tracker == nil || cfg.Runner == nil || cfg.Monitor == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("processor requires tracker, runner, monitor, and sessions")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	triggers := cfg.Triggers
	if triggers == nil {
		triggers = func() []string { return nil }
	}
	return &Processor{
		tracker:  cfg.Tracker,
		runner:   cfg.Runner,
		monitor:  cfg.Monitor,
		sessions: cfg.Sessions,
		logger:   logger,
		workDir:  cfg.WorkDir,
		triggers: triggers,
	}, nil
}

// Register binds the processor's handlers and dead-letter hook to a queue.
func (p *Processor) Register(q *queue.Queue) {
	q.Register(queue.KindExecute, p.HandleExecute)
	q.Register(queue.KindFeedback, p.HandleFeedback)
	q.Register(queue.KindRetry, p.HandleRetry)
	q.OnDeadLetter(p.HandleDeadLetter)
}

// HandleExecute runs the agent against a freshly claimed work item. A retry
// attempt resumes the previous session, when one was captured, with a
// diagnose-first prompt.
func (p *Processor) HandleExecute(ctx context.Context, job queue.Job) error {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return err
	}
	item := payload.Item
	p.monitor.Start(ctx, item.ID, item.Identifier, item.Title)

	req := runner.Request{
		Prompt:  buildExecutePrompt(item),
		WorkDir: p.workDir,
	}
	if job.Attempt > 1 {
		req.Prompt = buildRetryPrompt(item, job.LastError, job.Attempt-1)
		if rec, err := p.sessions.GetSession(ctx, item.ID); err == nil && rec != nil && rec.SessionID != "" {
			req.ResumeSessionID = rec.SessionID
		}
	}
	return p.runAndFinish(ctx, item, req, nil)
}

// HandleFeedback resumes the item's session with merged reviewer comments.
// The comment ids are marked processed only after the agent run succeeds,
// inside a single batch, so a mid-run crash reprocesses the whole batch
// rather than half of it.
func (p *Processor) HandleFeedback(ctx context.Context, job queue.Job) error {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return err
	}
	item := payload.Item
	if len(payload.Comments) == 0 {
		return fmt.Errorf("feedback job for %s has no comments", item.Identifier)
	}

	rec, err := p.sessions.GetSession(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load session for %s: %w", item.Identifier, err)
	}
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("no resumable session for %s", item.Identifier)
	}

	p.monitor.Start(ctx, item.ID, item.Identifier, item.Title)
	p.monitor.Progress(ctx, item.ID, "[feedback] applying reviewer comments", -1)

	// The item leaves in-review while the agent reworks it.
	if err := p.tracker.SetStatus(ctx, item.ID, tracker.StatusClaimed); err != nil {
		return fmt.Errorf("reclaim %s for feedback: %w", item.Identifier, err)
	}

	req := runner.Request{
		Prompt:          buildFeedbackPrompt(item, payload.Comments),
		ResumeSessionID: rec.SessionID,
		WorkDir:         p.workDir,
	}
	commentIDs := make([]string, 0, len(payload.Comments))
	for _, c := range payload.Comments {
		commentIDs = append(commentIDs, c.ID)
	}
	return p.runAndFinish(ctx, item, req, func(ctx context.Context) {
		if err := p.sessions.MarkCommentsProcessed(ctx, item.ID, commentIDs); err != nil {
			p.logger.Error("mark comments processed",
				"item", item.Identifier,
				"comments", len(commentIDs),
				"error", err,
			)
		}
	})
}

// HandleRetry is the operator-triggered second chance for an item that
// already failed terminally. It resumes the old session when possible and
// leads with the previous error.
func (p *Processor) HandleRetry(ctx context.Context, job queue.Job) error {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return err
	}
	item := payload.Item
	p.monitor.Start(ctx, item.ID, item.Identifier, item.Title)
	p.monitor.Progress(ctx, item.ID, "[retry] diagnosing previous failure", -1)

	if err := p.tracker.SetStatus(ctx, item.ID, tracker.StatusClaimed); err != nil {
		return fmt.Errorf("reclaim %s for retry: %w", item.Identifier, err)
	}

	prevErr := payload.PreviousError
	if prevErr == "" {
		prevErr = "unknown failure"
	}
	req := runner.Request{
		Prompt:  buildRetryPrompt(item, prevErr, 1),
		WorkDir: p.workDir,
	}
	if rec, err := p.sessions.GetSession(ctx, item.ID); err == nil && rec != nil && rec.SessionID != "" {
		req.ResumeSessionID = rec.SessionID
	}
	return p.runAndFinish(ctx, item, req, nil)
}

// runAndFinish drives one agent run and, on success, applies the completion
// side effects in order. onSuccess, when set, runs between the tracker note
// and the local completion record.
func (p *Processor) runAndFinish(ctx context.Context, item tracker.WorkItem, req runner.Request, onSuccess func(context.Context)) error {
	result, err := p.runAgent(ctx, item, req)
	if err != nil {
		p.monitor.Progress(ctx, item.ID, "attempt failed, awaiting retry", -1)
		return err
	}
	if !result.Success {
		p.monitor.Progress(ctx, item.ID, "attempt failed, awaiting retry", -1)
		detail := result.Detail
		if detail == "" {
			detail = "agent reported failure"
		}
		return fmt.Errorf("agent failed on %s: %s", item.Identifier, detail)
	}

	gated := NeedsReview(item.Title+"\n"+item.Description, p.triggers())
	status := tracker.StatusDone
	if gated {
		status = tracker.StatusInReview
	}

	// Tracker first. A failure here retries the whole job; the tracker is
	// the source of truth and must not lag a local "done".
	if err := p.tracker.SetStatus(ctx, item.ID, status); err != nil {
		return fmt.Errorf("set status %s on %s: %w", status, item.Identifier, err)
	}
	note := completionNote(status, result.Detail)
	if err := p.tracker.AddNote(ctx, item.ID, note); err != nil {
		// The status already changed; a missing note is not worth a re-run.
		p.logger.Warn("post completion note", "item", item.Identifier, "error", err)
	}
	if onSuccess != nil {
		onSuccess(ctx)
	}
	p.monitor.Complete(ctx, item.ID, true, result.Detail)
	p.logger.Info("work item finished",
		"item", item.Identifier,
		"status", status,
		"review_gated", gated,
	)
	return nil
}

// runAgent consumes the event stream, folding progress and session capture
// into the monitor, and returns the terminal result event.
func (p *Processor) runAgent(ctx context.Context, item tracker.WorkItem, req runner.Request) (runner.Event, error) {
	events, err := p.runner.Run(ctx, req)
	if err != nil {
		return runner.Event{}, fmt.Errorf("start agent for %s: %w", item.Identifier, err)
	}

	var result runner.Event
	sawResult := false
	for ev := range events {
		switch ev.Kind {
		case runner.EventSession:
			p.monitor.CaptureSession(ctx, item.ID, ev.SessionID)
		case runner.EventText:
			p.monitor.Progress(ctx, item.ID, firstLine(ev.Text), -1)
		case runner.EventTool:
			p.monitor.Progress(ctx, item.ID, "tool: "+ev.Tool, -1)
		case runner.EventResult:
			result = ev
			sawResult = true
		}
	}
	if !sawResult {
		return runner.Event{}, fmt.Errorf("agent stream for %s ended without result", item.Identifier)
	}
	return result, nil
}

// HandleDeadLetter records terminal failure on the tracker and locally. It
// runs outside any job context, so failures here are logged and dropped.
func (p *Processor) HandleDeadLetter(job queue.Job, jobErr error) {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		p.logger.Error("dead letter with undecodable payload", "job_id", job.ID, "error", err)
		return
	}
	item := payload.Item
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()

	if err := p.tracker.SetStatus(ctx, item.ID, tracker.StatusFailed); err != nil {
		p.logger.Error("mark item failed", "item", item.Identifier, "error", err)
	}
	note := fmt.Sprintf("%s giving up after %d attempts: %v", tracker.NoteMarker, job.Attempt, jobErr)
	if err := p.tracker.AddNote(ctx, item.ID, note); err != nil {
		p.logger.Error("post failure note", "item", item.Identifier, "error", err)
	}
	p.monitor.Complete(ctx, item.ID, false, jobErr.Error())
}

func completionNote(status tracker.Status, detail string) string {
	verb := "completed"
	if status == tracker.StatusInReview {
		verb = "completed, awaiting review"
	}
	if detail == "" {
		return fmt.Sprintf("%s work %s", tracker.NoteMarker, verb)
	}
	return fmt.Sprintf("%s work %s: %s", tracker.NoteMarker, verb, detail)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}

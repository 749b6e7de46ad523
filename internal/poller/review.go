package poller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hatch/foreman/internal/processor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/store"
	"github.com/hatch/foreman/internal/tracker"
)

// ReviewSessions is the store surface the review sweep reads.
type ReviewSessions interface {
	GetSession(ctx context.Context, workItemID string) (*store.SessionRecord, error)
	FilterUnprocessedComments(ctx context.Context, commentIDs []string) ([]string, error)
}

// RunningChecker reports whether an item is being worked on right now.
type RunningChecker interface {
	Running(taskID string) bool
}

// Review sweeps items sitting in review for fresh human comments and turns
// each batch into one feedback job. System-authored and already-processed
// comments are excluded; an item with no resumable session is skipped
// because there is no conversation to continue.
type Review struct {
	tracker  tracker.Client
	queue    JobQueue
	sessions ReviewSessions
	running  RunningChecker
	logger   *slog.Logger
	jobOpts  func() queue.Options

	// queued remembers the feedback job enqueued per item so a sweep that
	// fires before a worker claims it does not enqueue the batch again.
	// Only the loop goroutine touches it; the overlap guard serializes runs.
	queued map[string]string
}

// NewReview wires a review sweep.
func NewReview(tc tracker.Client, q JobQueue, sessions ReviewSessions, running RunningChecker, jobOpts func() queue.Options, logger *slog.Logger) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	if jobOpts == nil {
		jobOpts = func() queue.Options { return queue.Options{} }
	}
	return &Review{
		tracker:  tc,
		queue:    q,
		sessions: sessions,
		running:  running,
		logger:   logger,
		jobOpts:  jobOpts,
		queued:   make(map[string]string),
	}
}

// Run performs one sweep over all in-review items.
func (r *Review) Run(ctx context.Context) error {
	items, err := r.tracker.ListByStatus(ctx, tracker.StatusInReview)
	if err != nil {
		return fmt.Errorf("list in-review items: %w", err)
	}
	for _, item := range items {
		if err := r.processItem(ctx, item); err != nil {
			r.logger.Error("review item failed", "item", item.Identifier, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Review) processItem(ctx context.Context, item tracker.WorkItem) error {
	if r.running != nil && r.running.Running(item.ID) {
		r.logger.Debug("item busy, feedback deferred", "item", item.Identifier)
		return nil
	}
	if jobID, ok := r.queued[item.ID]; ok {
		pending, err := r.queue.Pending(ctx, jobID)
		if err != nil {
			return fmt.Errorf("check queued feedback: %w", err)
		}
		if pending {
			r.logger.Debug("feedback already queued", "item", item.Identifier, "job_id", jobID)
			return nil
		}
		delete(r.queued, item.ID)
	}

	rec, err := r.sessions.GetSession(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil || rec.SessionID == "" {
		r.logger.Debug("no session for in-review item", "item", item.Identifier)
		return nil
	}

	comments, err := r.tracker.ListComments(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}

	human := comments[:0:0]
	ids := make([]string, 0, len(comments))
	byID := make(map[string]tracker.Comment, len(comments))
	for _, c := range comments {
		if tracker.IsSystemComment(c) {
			continue
		}
		human = append(human, c)
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}
	if len(human) == 0 {
		return nil
	}

	fresh, err := r.sessions.FilterUnprocessedComments(ctx, ids)
	if err != nil {
		return fmt.Errorf("filter processed comments: %w", err)
	}
	if len(fresh) == 0 {
		return nil
	}

	// One job per batch, oldest comment first; FilterUnprocessedComments
	// preserves the tracker's ordering.
	batch := make([]tracker.Comment, 0, len(fresh))
	for _, id := range fresh {
		batch = append(batch, byID[id])
	}
	payload, err := processor.EncodePayload(processor.Payload{Item: item, Comments: batch})
	if err != nil {
		return err
	}
	jobID, err := r.queue.Enqueue(ctx, queue.KindFeedback, payload, r.jobOpts())
	if err != nil {
		return fmt.Errorf("enqueue feedback: %w", err)
	}
	r.queued[item.ID] = jobID
	r.logger.Info("feedback queued", "item", item.Identifier, "comments", len(batch))
	return nil
}

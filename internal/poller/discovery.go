package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hatch/foreman/internal/processor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/tracker"
)

// JobQueue is the queue surface the pollers need.
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload string, opts queue.Options) (string, error)
	Pending(ctx context.Context, jobID string) (bool, error)
}

// Discovery claims ready work items and feeds them to the queue. Claiming
// is the mutual-exclusion point: the tracker grants each item to exactly
// one claimant, so two orchestrator instances can sweep the same project
// without double-processing.
type Discovery struct {
	tracker tracker.Client
	queue   JobQueue
	logger  *slog.Logger
	jobOpts func() queue.Options
}

// NewDiscovery wires a discovery sweep. jobOpts supplies the timeout and
// attempt budget stamped on each enqueued job; it is called per enqueue so
// settings overrides apply without a restart.
func NewDiscovery(tc tracker.Client, q JobQueue, jobOpts func() queue.Options, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	if jobOpts == nil {
		jobOpts = func() queue.Options { return queue.Options{} }
	}
	return &Discovery{tracker: tc, queue: q, logger: logger, jobOpts: jobOpts}
}

// Run performs one sweep: list ready items, claim each, acknowledge, and
// enqueue an execute job. A claim conflict means another claimant won and
// is skipped silently. Per-item errors are logged and do not stop the sweep.
func (d *Discovery) Run(ctx context.Context) error {
	items, err := d.tracker.ListByStatus(ctx, tracker.StatusReady)
	if err != nil {
		return fmt.Errorf("list ready items: %w", err)
	}
	for _, item := range items {
		if err := d.processItem(ctx, item); err != nil {
			d.logger.Error("discovery item failed", "item", item.Identifier, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Discovery) processItem(ctx context.Context, item tracker.WorkItem) error {
	if err := d.tracker.Claim(ctx, item.ID); err != nil {
		if errors.Is(err, tracker.ErrConflict) {
			d.logger.Debug("item claimed elsewhere", "item", item.Identifier)
			return nil
		}
		return fmt.Errorf("claim: %w", err)
	}

	note := fmt.Sprintf("%s picked up %s, work is queued", tracker.NoteMarker, item.Identifier)
	if err := d.tracker.AddNote(ctx, item.ID, note); err != nil {
		// The claim already succeeded; keep going so the work is not lost.
		d.logger.Warn("post pickup note", "item", item.Identifier, "error", err)
	}

	payload, err := processor.EncodePayload(processor.Payload{Item: item})
	if err != nil {
		return err
	}
	if _, err := d.queue.Enqueue(ctx, queue.KindExecute, payload, d.jobOpts()); err != nil {
		// The item is claimed but has no job. There is no compensating
		// un-claim; an operator resets the item in the tracker.
		return fmt.Errorf("claimed %s but enqueue failed: %w", item.Identifier, err)
	}
	d.logger.Info("work item queued", "item", item.Identifier, "title", item.Title)
	return nil
}

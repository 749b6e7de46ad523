// Package tracker defines the project-tracking collaborator: the work items
// the orchestrator discovers, claims, and transitions. The core only ever
// requests status transitions through a Client; it never mutates items
// directly.
package tracker

import (
	"context"
	"errors"
	"time"
)

// Status is a work item's lifecycle state in the external tracker.
type Status string

const (
	StatusReady    Status = "ready"
	StatusClaimed  Status = "claimed"
	StatusInReview Status = "in-review"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// NoteMarker prefixes every note the orchestrator posts. The review poller
// uses it to exclude the system's own comments from human feedback.
const NoteMarker = "[foreman]"

// ErrConflict is returned by Claim when another actor already holds the item.
// It is an expected outcome, not a failure.
var ErrConflict = errors.New("work item already claimed")

// WorkItem is a unit of work owned by the external tracker.
type WorkItem struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Status      Status `json:"status"`
}

// Comment is a note attached to a work item.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the tracker API surface the orchestration core consumes.
type Client interface {
	// ListByStatus returns all work items currently in the given status.
	ListByStatus(ctx context.Context, status Status) ([]WorkItem, error)

	// Claim atomically transitions an item from ready to claimed. It
	// returns ErrConflict when another caller won the transition; exactly
	// one concurrent caller succeeds.
	Claim(ctx context.Context, id string) error

	// SetStatus requests a status transition for the item.
	SetStatus(ctx context.Context, id string, status Status) error

	// AddNote posts a comment on the item. The orchestrator prefixes its
	// notes with NoteMarker.
	AddNote(ctx context.Context, id, text string) error

	// ListComments returns the item's comments, oldest first.
	ListComments(ctx context.Context, id string) ([]Comment, error)
}

// IsSystemComment reports whether a comment was authored by the orchestrator
// itself.
func IsSystemComment(c Comment) bool {
	return len(c.Body) >= len(NoteMarker) && c.Body[:len(NoteMarker)] == NoteMarker
}

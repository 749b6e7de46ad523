package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hatch/foreman/internal/processor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/store"
	"github.com/hatch/foreman/internal/tracker"
)

var discardLogger = slog.New(slog.DiscardHandler)

type fakeTracker struct {
	mu        sync.Mutex
	ready     []tracker.WorkItem
	inReview  []tracker.WorkItem
	comments  map[string][]tracker.Comment
	claimed   map[string]bool
	conflicts map[string]bool
	notes     []string
	listErr   error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		comments:  make(map[string][]tracker.Comment),
		claimed:   make(map[string]bool),
		conflicts: make(map[string]bool),
	}
}

func (f *fakeTracker) ListByStatus(ctx context.Context, status tracker.Status) ([]tracker.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	switch status {
	case tracker.StatusReady:
		return append([]tracker.WorkItem(nil), f.ready...), nil
	case tracker.StatusInReview:
		return append([]tracker.WorkItem(nil), f.inReview...), nil
	}
	return nil, nil
}

func (f *fakeTracker) Claim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[id] {
		return tracker.ErrConflict
	}
	f.claimed[id] = true
	return nil
}

func (f *fakeTracker) SetStatus(ctx context.Context, id string, status tracker.Status) error {
	return nil
}

func (f *fakeTracker) AddNote(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, id+":"+text)
	return nil
}

func (f *fakeTracker) ListComments(ctx context.Context, id string) ([]tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Comment(nil), f.comments[id]...), nil
}

type enqueued struct {
	id      string
	kind    queue.Kind
	payload processor.Payload
	opts    queue.Options
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []enqueued
	pending map[string]bool
	err     error
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind queue.Kind, payload string, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	p, err := processor.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("job-%d", len(f.jobs)+1)
	f.jobs = append(f.jobs, enqueued{id: id, kind: kind, payload: p, opts: opts})
	if f.pending == nil {
		f.pending = make(map[string]bool)
	}
	f.pending[id] = true
	return id, nil
}

func (f *fakeQueue) Pending(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[jobID], nil
}

func (f *fakeQueue) finish(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, jobID)
}

type fakeSessions struct {
	recs      map[string]*store.SessionRecord
	processed map[string]bool
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	return f.recs[id], nil
}

func (f *fakeSessions) FilterUnprocessedComments(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if !f.processed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeRunning struct{ busy map[string]bool }

func (f *fakeRunning) Running(id string) bool { return f.busy[id] }

func staticOpts(opts queue.Options) func() queue.Options {
	return func() queue.Options { return opts }
}

func TestDiscovery_ClaimsAndEnqueues(t *testing.T) {
	tc := newFakeTracker()
	tc.ready = []tracker.WorkItem{
		{ID: "w1", Identifier: "X-1", Title: "First"},
		{ID: "w2", Identifier: "X-2", Title: "Second"},
	}
	tc.conflicts["w2"] = true // another claimant wins this one
	q := &fakeQueue{}

	d := NewDiscovery(tc, q, staticOpts(queue.Options{Timeout: time.Minute, MaxAttempts: 3}), discardLogger)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !tc.claimed["w1"] || tc.claimed["w2"] {
		t.Fatalf("claimed = %v", tc.claimed)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %+v, want 1 (conflict skipped)", q.jobs)
	}
	job := q.jobs[0]
	if job.kind != queue.KindExecute || job.payload.Item.ID != "w1" {
		t.Fatalf("job = %+v", job)
	}
	// Pickup note carries the system marker so review sweeps ignore it.
	if len(tc.notes) != 1 || !strings.HasPrefix(tc.notes[0], "w1:"+tracker.NoteMarker) {
		t.Fatalf("notes = %v", tc.notes)
	}
}

func TestDiscovery_EnqueueFailureAfterClaim(t *testing.T) {
	tc := newFakeTracker()
	tc.ready = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	q := &fakeQueue{err: errors.New("disk full")}

	d := NewDiscovery(tc, q, staticOpts(queue.Options{Timeout: time.Minute}), discardLogger)
	// The sweep itself succeeds; the per-item failure is logged, and the
	// item stays claimed for an operator to reset.
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !tc.claimed["w1"] {
		t.Fatal("claim should have happened before the enqueue attempt")
	}
}

func TestReview_EnqueuesFreshHumanComments(t *testing.T) {
	tc := newFakeTracker()
	tc.inReview = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	tc.comments["w1"] = []tracker.Comment{
		{ID: "c1", Body: tracker.NoteMarker + " picked up X-1", Author: "foreman"},
		{ID: "c2", Body: "old feedback, already handled", Author: "alex"},
		{ID: "c3", Body: "please add a test", Author: "alex"},
		{ID: "c4", Body: "and update the docs", Author: "sam"},
	}
	sessions := &fakeSessions{
		recs:      map[string]*store.SessionRecord{"w1": {WorkItemID: "w1", SessionID: "sess-1"}},
		processed: map[string]bool{"c2": true},
	}
	q := &fakeQueue{}

	r := NewReview(tc, q, sessions, &fakeRunning{busy: map[string]bool{}}, staticOpts(queue.Options{Timeout: time.Minute}), discardLogger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %+v, want one batch", q.jobs)
	}
	job := q.jobs[0]
	if job.kind != queue.KindFeedback {
		t.Fatalf("kind = %s", job.kind)
	}
	got := job.payload.Comments
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c4" {
		t.Fatalf("batch = %+v, want [c3 c4] oldest first", got)
	}
}

func TestReview_SkipsWithoutSession(t *testing.T) {
	tc := newFakeTracker()
	tc.inReview = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	tc.comments["w1"] = []tracker.Comment{{ID: "c1", Body: "feedback", Author: "alex"}}
	q := &fakeQueue{}

	r := NewReview(tc, q, &fakeSessions{recs: map[string]*store.SessionRecord{}}, nil, staticOpts(queue.Options{Timeout: time.Minute}), discardLogger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs = %+v, want none without a session", q.jobs)
	}
}

func TestReview_SkipsBusyItems(t *testing.T) {
	tc := newFakeTracker()
	tc.inReview = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	tc.comments["w1"] = []tracker.Comment{{ID: "c1", Body: "feedback", Author: "alex"}}
	sessions := &fakeSessions{
		recs: map[string]*store.SessionRecord{"w1": {WorkItemID: "w1", SessionID: "sess-1"}},
	}
	q := &fakeQueue{}

	r := NewReview(tc, q, sessions, &fakeRunning{busy: map[string]bool{"w1": true}}, staticOpts(queue.Options{Timeout: time.Minute}), discardLogger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs = %+v, want none while item is busy", q.jobs)
	}
}

func TestDiscovery_JobOptionsResolvedPerSweep(t *testing.T) {
	tc := newFakeTracker()
	tc.ready = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	q := &fakeQueue{}

	var mu sync.Mutex
	opts := queue.Options{Timeout: time.Minute, MaxAttempts: 3}
	d := NewDiscovery(tc, q, func() queue.Options {
		mu.Lock()
		defer mu.Unlock()
		return opts
	}, discardLogger)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// A changed setting applies to the next sweep without rebuilding the poller.
	mu.Lock()
	opts = queue.Options{Timeout: 2 * time.Minute, MaxAttempts: 5}
	mu.Unlock()
	tc.mu.Lock()
	tc.ready = []tracker.WorkItem{{ID: "w2", Identifier: "X-2", Title: "Second"}}
	tc.mu.Unlock()

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("jobs = %+v", q.jobs)
	}
	if q.jobs[0].opts.MaxAttempts != 3 || q.jobs[1].opts.MaxAttempts != 5 {
		t.Fatalf("opts = %v then %v", q.jobs[0].opts, q.jobs[1].opts)
	}
	if q.jobs[1].opts.Timeout != 2*time.Minute {
		t.Fatalf("second timeout = %v", q.jobs[1].opts.Timeout)
	}
}

func TestReview_SkipsItemsWithQueuedFeedback(t *testing.T) {
	tc := newFakeTracker()
	tc.inReview = []tracker.WorkItem{{ID: "w1", Identifier: "X-1", Title: "First"}}
	tc.comments["w1"] = []tracker.Comment{{ID: "c1", Body: "please add a test", Author: "alex"}}
	sessions := &fakeSessions{
		recs: map[string]*store.SessionRecord{"w1": {WorkItemID: "w1", SessionID: "sess-1"}},
	}
	q := &fakeQueue{}

	r := NewReview(tc, q, sessions, &fakeRunning{busy: map[string]bool{}}, staticOpts(queue.Options{Timeout: time.Minute}), discardLogger)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %+v, want 1", q.jobs)
	}

	// The comments are not marked processed until the job succeeds; a second
	// sweep before a worker claims the job must not enqueue the batch again.
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %+v, want still 1 while job-1 is pending", q.jobs)
	}

	// Once the job leaves the queue the comments are marked processed, so a
	// third sweep enqueues nothing for the now-stale batch either.
	q.finish("job-1")
	sessions.processed = map[string]bool{"c1": true}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %+v, want no re-enqueue of processed comments", q.jobs)
	}
}

func TestLoop_OverlapGuardSkipsTicks(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	loop := NewLoop("test", func() time.Duration { return time.Hour }, func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}, discardLogger)

	go loop.TickNow(context.Background())
	<-started

	// A tick while the sweep is running is dropped, not queued.
	loop.TickNow(context.Background())
	loop.TickNow(context.Background())
	if got := loop.SkippedTicks(); got != 2 {
		t.Fatalf("skipped = %d, want 2", got)
	}
	close(block)
}

func TestLoop_StartStop(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	loop := NewLoop("test", func() time.Duration { return 10 * time.Millisecond }, func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}, discardLogger)

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := loop.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	mu.Lock()
	after := runs
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	final := runs
	mu.Unlock()
	if final != after {
		t.Fatalf("loop kept running after Stop: %d -> %d", after, final)
	}
}

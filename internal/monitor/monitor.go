// Package monitor tracks the live state of in-flight work. It is the
// volatile, fast-read complement to the session store: pollers and job
// handlers report transitions here, dashboards read snapshots and subscribe
// to the bus for push updates. Monitor methods never fail the caller; a
// persistence error is logged and the in-memory view stays authoritative
// for the current process.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hatch/foreman/internal/bus"
)

// completedCacheSize bounds the terminal-state history kept in memory.
// Older entries fall off; the session store keeps the durable record.
const completedCacheSize = 50

// TaskState is the monitor's view of one work item.
type TaskState struct {
	TaskID      string     `json:"task_id"`
	Identifier  string     `json:"identifier"`
	Title       string     `json:"title"`
	Step        string     `json:"step,omitempty"`
	Progress    int        `json:"progress"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// Snapshot is a point-in-time copy of everything the monitor knows.
type Snapshot struct {
	Running    []TaskState `json:"running"`
	Completed  []TaskState `json:"completed"`
	QueueDepth int         `json:"queue_depth"`
	Paused     bool        `json:"paused"`
}

// SessionStore is the durable half of task tracking.
type SessionStore interface {
	UpsertSession(ctx context.Context, workItemID, identifier, title string) error
	SetSessionID(ctx context.Context, workItemID, sessionID string) error
	CompleteSession(ctx context.Context, workItemID string, success bool) error
}

// QueueStats exposes the queue numbers included in stats broadcasts.
type QueueStats interface {
	Depth(ctx context.Context) (int, error)
	Paused() bool
}

// Monitor holds running tasks and a bounded cache of recent completions.
type Monitor struct {
	store  SessionStore
	queue  QueueStats
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	running   map[string]*TaskState
	completed []TaskState // newest first
}

// New wires the monitor to its collaborators. Any of store, queue, and bus
// may be nil in tests; the monitor degrades to pure in-memory tracking.
func New(store SessionStore, queue QueueStats, b *bus.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:   store,
		queue:   queue,
		bus:     b,
		logger:  logger,
		running: make(map[string]*TaskState),
	}
}

// Start registers a work item as running and persists its session row.
// Restarting an already-running id resets its progress.
func (m *Monitor) Start(ctx context.Context, taskID, identifier, title string) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.running[taskID] = &TaskState{
		TaskID:     taskID,
		Identifier: identifier,
		Title:      title,
		StartedAt:  now,
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertSession(ctx, taskID, identifier, title); err != nil {
			m.logger.Error("persist session start", "task_id", taskID, "error", err)
		}
	}
	m.publish(bus.TopicWorkStarted, bus.WorkStartedEvent{
		TaskID:     taskID,
		Identifier: identifier,
		Title:      title,
		StartedAt:  now,
	})
	m.broadcastStats(ctx)
}

// Progress updates a running task's step and percentage. Updates for
// unknown or already-completed ids are dropped: progress must never
// resurrect a task.
func (m *Monitor) Progress(ctx context.Context, taskID, step string, progress int) {
	m.mu.Lock()
	st, ok := m.running[taskID]
	if ok {
		st.Step = step
		if progress >= 0 && progress <= 100 {
			st.Progress = progress
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.publish(bus.TopicWorkProgress, bus.WorkProgressEvent{
		TaskID:   taskID,
		Step:     step,
		Progress: progress,
	})
}

// CaptureSession records the agent's session id the moment it is announced,
// both in memory and durably. Eager persistence means a later crash still
// leaves enough state to resume the conversation.
func (m *Monitor) CaptureSession(ctx context.Context, taskID, sessionID string) {
	m.mu.Lock()
	if st, ok := m.running[taskID]; ok {
		st.SessionID = sessionID
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetSessionID(ctx, taskID, sessionID); err != nil {
			m.logger.Error("persist session id", "task_id", taskID, "error", err)
		}
	}
	m.publish(bus.TopicWorkSession, bus.WorkSessionEvent{
		TaskID:    taskID,
		SessionID: sessionID,
	})
}

// Complete moves a task from running to the completed cache and persists
// the outcome. Completing an unknown id still records a cache entry so the
// terminal event is never silently lost.
func (m *Monitor) Complete(ctx context.Context, taskID string, success bool, detail string) {
	now := time.Now().UTC()

	m.mu.Lock()
	st, ok := m.running[taskID]
	if ok {
		delete(m.running, taskID)
	} else {
		st = &TaskState{TaskID: taskID, StartedAt: now}
	}
	st.CompletedAt = &now
	st.Success = &success
	st.Detail = detail
	if success {
		st.Progress = 100
	}
	m.completed = append([]TaskState{*st}, m.completed...)
	if len(m.completed) > completedCacheSize {
		m.completed = m.completed[:completedCacheSize]
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CompleteSession(ctx, taskID, success); err != nil {
			m.logger.Error("persist session completion", "task_id", taskID, "error", err)
		}
	}
	m.publish(bus.TopicWorkCompleted, bus.WorkCompletedEvent{
		TaskID:  taskID,
		Success: success,
		Detail:  detail,
	})
	m.broadcastStats(ctx)
}

// Running reports whether a task is currently tracked as in flight.
func (m *Monitor) Running(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.running[taskID]
	return ok
}

// Snapshot returns a copy of the current state plus queue numbers.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	m.mu.RLock()
	snap := Snapshot{
		Running:   make([]TaskState, 0, len(m.running)),
		Completed: append([]TaskState(nil), m.completed...),
	}
	for _, st := range m.running {
		snap.Running = append(snap.Running, *st)
	}
	m.mu.RUnlock()

	if m.queue != nil {
		if depth, err := m.queue.Depth(ctx); err == nil {
			snap.QueueDepth = depth
		}
		snap.Paused = m.queue.Paused()
	}
	return snap
}

func (m *Monitor) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload)
}

func (m *Monitor) broadcastStats(ctx context.Context) {
	if m.bus == nil {
		return
	}
	m.mu.RLock()
	runningCount := len(m.running)
	counts := map[string]int{"running": runningCount}
	for _, st := range m.completed {
		if st.Success != nil && *st.Success {
			counts["succeeded"]++
		} else {
			counts["failed"]++
		}
	}
	m.mu.RUnlock()

	depth := 0
	if m.queue != nil {
		if d, err := m.queue.Depth(ctx); err == nil {
			depth = d
		}
	}
	m.bus.Publish(bus.TopicWorkStats, bus.StatsEvent{
		QueueDepth:   depth,
		Running:      runningCount,
		StatusCounts: counts,
	})
}

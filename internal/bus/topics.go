package bus

import "time"

// Work lifecycle event topics. Events for a single task id are published in
// order because only the worker that owns the task emits them; ordering
// across different task ids is unspecified.
const (
	TopicWorkStarted   = "work.started"
	TopicWorkProgress  = "work.progress"
	TopicWorkSession   = "work.session"
	TopicWorkCompleted = "work.completed"
	TopicWorkStats     = "work.stats"
)

// WorkStartedEvent is published when the processor begins a task.
type WorkStartedEvent struct {
	TaskID     string    `json:"task_id"`
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
	StartedAt  time.Time `json:"started_at"`
}

// WorkProgressEvent is published on each progress update folded out of the
// agent stream.
type WorkProgressEvent struct {
	TaskID   string `json:"task_id"`
	Step     string `json:"step"`
	Progress int    `json:"progress"`
}

// WorkSessionEvent is published when the agent's session id is captured.
type WorkSessionEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// WorkCompletedEvent is the terminal event for a task.
type WorkCompletedEvent struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// StatsEvent carries recomputed dashboard aggregates.
type StatsEvent struct {
	QueueDepth   int            `json:"queue_depth"`
	Running      int            `json:"running"`
	StatusCounts map[string]int `json:"status_counts,omitempty"`
}

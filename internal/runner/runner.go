// Package runner abstracts the coding agent the system delegates work to.
// The agent is an external program that streams its activity as JSON lines;
// the runner turns that stream into typed events the rest of the system can
// consume without knowing which agent binary is installed.
package runner

import "context"

// EventKind discriminates stream events.
type EventKind string

const (
	// EventText is a chunk of assistant output.
	EventText EventKind = "text"
	// EventTool reports a tool invocation by the agent.
	EventTool EventKind = "tool"
	// EventSession announces the agent's session id, used later to resume
	// the conversation with feedback.
	EventSession EventKind = "session"
	// EventResult is the terminal event of a run.
	EventResult EventKind = "result"
)

// Event is one unit of agent activity.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      string
	SessionID string
	Success   bool
	Detail    string
}

// Request describes one agent invocation.
type Request struct {
	Prompt          string
	SystemPrompt    string
	ResumeSessionID string
	WorkDir         string
}

// Runner executes an agent request and streams its events. The returned
// channel is closed after the terminal result event. Run returns an error
// only when the agent could not be started; execution failures arrive as a
// result event with Success false.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

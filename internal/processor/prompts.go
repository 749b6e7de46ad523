package processor

import (
	"fmt"
	"strings"

	"github.com/hatch/foreman/internal/tracker"
)

// buildExecutePrompt turns a work item into the agent's initial instruction.
func buildExecutePrompt(item tracker.WorkItem) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Work on %s: %s\n\n", item.Identifier, item.Title))
	if item.Description != "" {
		sb.WriteString(item.Description)
		sb.WriteString("\n\n")
	}
	sb.WriteString("When you are done, summarize what you changed and how you verified it.")
	return sb.String()
}

// buildFeedbackPrompt merges reviewer comments, oldest first, into a single
// follow-up instruction for the resumed session.
func buildFeedbackPrompt(item tracker.WorkItem, comments []tracker.Comment) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Reviewer feedback on %s: %s\n\n", item.Identifier, item.Title))
	for _, c := range comments {
		if c.Author != "" {
			sb.WriteString(fmt.Sprintf("From %s:\n", c.Author))
		}
		sb.WriteString(c.Body)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Address every point above, then summarize what you changed.")
	return sb.String()
}

// buildRetryPrompt asks the agent to diagnose its previous failure before
// trying again.
func buildRetryPrompt(item tracker.WorkItem, previousError string, attempt int) string {
	var sb strings.Builder
	sb.WriteString("Your previous attempt at this task failed.\n\n")
	sb.WriteString(fmt.Sprintf("Original task %s: %s\n\n", item.Identifier, item.Title))
	sb.WriteString(fmt.Sprintf("Error from attempt %d:\n%s\n\n", attempt, previousError))
	sb.WriteString("Analyze the error, adjust your approach, and try again.\n")
	sb.WriteString("Be explicit about what you are changing and why.")
	return sb.String()
}

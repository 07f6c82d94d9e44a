package state

import (
	"strings"

	"relay/pkg/tasks"
)

// TaskContext is derived, never stored: it is rebuilt from the comment log on
// every poll cycle so a restarted process picks up exactly where the log says
// the task is.
type TaskContext struct {
	HasBeenProcessedBefore bool
	PreviousAttempts       []AttemptSummary
	UserFeedback           []string
	SystemUnderstanding    string
}

// AttemptSummary captures one earlier processing attempt found in the log.
type AttemptSummary struct {
	Failed  bool
	Summary string
}

// DeriveContext rebuilds the working context for a task from its comments.
func DeriveContext(task *tasks.Task, opts *Options) *TaskContext {
	tc := &TaskContext{}

	lastCompletion := -1
	lastStart := -1
	for i := range task.Comments {
		c := &task.Comments[i]
		if isStartMarker(c.Body) {
			tc.HasBeenProcessedBefore = true
			lastStart = i
		}
		if isCompletionMarker(c.Body) {
			lastCompletion = i
			tc.PreviousAttempts = append(tc.PreviousAttempts, AttemptSummary{
				Failed:  isFailureMarker(c.Body),
				Summary: firstLine(c.Body),
			})
		}
	}

	// Feedback is what a human said after the most recent attempt boundary;
	// anything earlier was already incorporated by a previous attempt. The
	// boundary is the last completion, or the last start when a run ended
	// without one, so that an override comment on a stuck run survives into
	// the retry's context.
	boundary := lastCompletion
	if lastStart > boundary {
		boundary = lastStart
	}
	for i := boundary + 1; i < len(task.Comments) && boundary >= 0; i++ {
		c := &task.Comments[i]
		if !opts.isHumanComment(c) || isApprovalOnly(c.Body) || IsShipItPhrase(c.Body) {
			continue
		}
		tc.UserFeedback = append(tc.UserFeedback, c.Body)
	}

	// System understanding: the most recent posted plan summary, if any.
	for i := len(task.Comments) - 1; i >= 0; i-- {
		if strings.Contains(task.Comments[i].Body, "## Implementation Plan") {
			tc.SystemUnderstanding = task.Comments[i].Body
			break
		}
	}

	return tc
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

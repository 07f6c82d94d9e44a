package state

import (
	"time"

	"relay/pkg/tasks"
)

// Status classifies what phase a task is in, inferred from its comment log.
type Status string

const (
	// StatusUnclaimed means no processing attempt has ever started.
	StatusUnclaimed Status = "unclaimed"
	// StatusActive means a run started recently and has not finished.
	StatusActive Status = "active"
	// StatusCompletedNoFeedback means the last attempt finished and no human
	// has said anything actionable since. The task is left alone.
	StatusCompletedNoFeedback Status = "completed-no-feedback"
	// StatusCompletedWithFeedback means a human replied after completion.
	// The task is eligible for reprocessing.
	StatusCompletedWithFeedback Status = "completed-with-feedback"
	// StatusShipRequested means a human replied "ship it" after completion
	// and no deployment has happened yet.
	StatusShipRequested Status = "ship-requested"
	// StatusStuck means a start marker exists with no completion and the run
	// is presumed dead: either it is older than the staleness window, or a
	// human commented over it asking for different work. Eligible for
	// reprocessing.
	StatusStuck Status = "stuck"
)

// Eligible reports whether the orchestrator should pick up a task in this state.
func (s Status) Eligible() bool {
	switch s {
	case StatusUnclaimed, StatusCompletedWithFeedback, StatusStuck:
		return true
	default:
		return false
	}
}

// Options configures classification.
type Options struct {
	// AgentIdentities are author identities recognized as backend workers.
	// Their comments never count as human feedback.
	AgentIdentities map[string]bool
	// StalenessWindow bounds how long a start marker is believed to represent
	// live work. This is a tunable, not an invariant: its right value tracks
	// expected phase duration.
	StalenessWindow time.Duration
	// Now is the classification clock. Zero means time.Now().
	Now time.Time
}

func (o *Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// isHumanComment reports whether a comment is genuine human input: not
// system-authored, not written by a recognized agent identity, and not
// system-patterned text.
func (o *Options) isHumanComment(c *tasks.Comment) bool {
	if c.Author == "" {
		return false
	}
	if o.AgentIdentities[c.Author] {
		return false
	}
	return !isSystemText(c.Body)
}

// Classify replays the task's comment log and returns its workflow status.
// The function is pure and total over (task, opts): replaying the same
// comments always yields the same classification.
func Classify(task *tasks.Task, opts *Options) Status {
	comments := task.Comments

	lastStart := -1
	lastCompletion := -1
	for i := range comments {
		if isStartMarker(comments[i].Body) {
			lastStart = i
		}
		if isCompletionMarker(comments[i].Body) {
			lastCompletion = i
		}
	}

	// Ship-it takes priority: it is handled by the deployment driver, not by
	// planning/execution, so check it before anything else.
	if lastCompletion >= 0 && shipRequested(comments, lastCompletion) {
		return StatusShipRequested
	}

	// A start marker with no completion after it: live, stale, or overridden.
	if lastStart >= 0 && lastCompletion < lastStart {
		for i := lastStart + 1; i < len(comments); i++ {
			if opts.isHumanComment(&comments[i]) && !isApprovalOnly(comments[i].Body) {
				// The user commented over an unfinished run: they want a retry.
				return StatusStuck
			}
		}
		if opts.now().Sub(comments[lastStart].CreatedAt) < opts.StalenessWindow {
			return StatusActive
		}
		return StatusStuck
	}

	if lastCompletion >= 0 {
		for i := lastCompletion + 1; i < len(comments); i++ {
			c := &comments[i]
			if !opts.isHumanComment(c) {
				continue
			}
			// Ship-it was already handled above; reaching here means the
			// deployment happened, so a stray "ship it" is a no-op.
			if isApprovalOnly(c.Body) || IsShipItPhrase(c.Body) {
				continue
			}
			return StatusCompletedWithFeedback
		}
		return StatusCompletedNoFeedback
	}

	return StatusUnclaimed
}

// shipRequested reports whether a "ship it" reply appears after the given
// completion index with no deployment marker anywhere in the log.
func shipRequested(comments []tasks.Comment, completionIdx int) bool {
	for i := range comments {
		if isDeploymentMarker(comments[i].Body) {
			return false
		}
	}
	for i := completionIdx + 1; i < len(comments); i++ {
		if IsShipItPhrase(comments[i].Body) {
			return true
		}
	}
	return false
}

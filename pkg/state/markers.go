// Package state reconstructs a task's workflow phase by replaying its comment
// history. There is no dedicated workflow-state store: classification is a
// pure function of (assignee, ordered comments).
package state

import (
	"regexp"
	"strings"
)

// Marker text is a versioned contract. The reconstructor recognizes workflow
// phase purely by these patterns, so changing any of them is a breaking
// change: old comments written with the previous text will stop being
// recognized. Change them only together with a migration note.
const (
	// MarkerWorkStart is posted when a run claims a task and begins planning.
	MarkerWorkStart = "🤖 Starting work on this task"
	// MarkerExecutionStart is posted when a run moves from planning to execution.
	MarkerExecutionStart = "🔨 Implementing the plan"
	// MarkerComplete is posted when a run finishes and a PR exists.
	MarkerComplete = "✅ Implementation complete"
	// MarkerFailed is posted when a phase fails terminally for this run.
	MarkerFailed = "❌ Task processing failed"
	// MarkerDeployed is posted after a production deployment finishes.
	MarkerDeployed = "Deployment Complete"
	// MarkerEscalation prefixes a budget escalation request comment.
	MarkerEscalation = "⏸️ Budget approval needed"
)

// startMarkers are recognized as the beginning of a processing attempt.
//
//nolint:gochecknoglobals // Static marker contract
var startMarkers = []string{
	MarkerWorkStart,
	MarkerExecutionStart,
}

// completionMarkers end a processing attempt, successfully or not. A pull
// request link counts as completion even without the explicit marker, since
// PR creation is the last externally visible step of a successful run.
//
//nolint:gochecknoglobals // Static marker contract
var completionMarkers = []string{
	MarkerComplete,
	MarkerFailed,
}

//nolint:gochecknoglobals // Static marker contract
var (
	prLinkRe       = regexp.MustCompile(`https?://\S+/pull/\d+`)
	approvalOnlyRe = regexp.MustCompile(`(?i)^\s*(approved?|yes|ok(ay)?|lgtm|sounds good|go ahead|sure|👍)\s*[.!]*\s*$`)
	shipItRe       = regexp.MustCompile(`(?i)^\s*ship\s+it\s*[.!🚀]*\s*$`)
	systemPrefixRe = regexp.MustCompile(`^\s*\[(relay|system|ci|bot)\]`)
)

// isStartMarker reports whether a comment begins a processing attempt.
func isStartMarker(body string) bool {
	for _, m := range startMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// isCompletionMarker reports whether a comment ends a processing attempt.
func isCompletionMarker(body string) bool {
	for _, m := range completionMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return prLinkRe.MatchString(body)
}

// isFailureMarker reports whether a comment records a failed attempt.
func isFailureMarker(body string) bool {
	return strings.Contains(body, MarkerFailed)
}

// isDeploymentMarker reports whether a comment records a finished deployment.
func isDeploymentMarker(body string) bool {
	return strings.Contains(body, MarkerDeployed) ||
		strings.Contains(body, "Deployed to production")
}

// isApprovalOnly reports whether a comment consists solely of an approval
// phrase. Such comments acknowledge completed work and are not treated as
// actionable feedback.
func isApprovalOnly(body string) bool {
	return approvalOnlyRe.MatchString(body)
}

// IsShipItPhrase reports whether a comment is exactly the "ship it" approval.
func IsShipItPhrase(body string) bool {
	return shipItRe.MatchString(body)
}

// isSystemText reports whether the comment body matches a system pattern
// regardless of author.
func isSystemText(body string) bool {
	return systemPrefixRe.MatchString(body) || strings.Contains(body, MarkerEscalation)
}

// Package approval implements the budget escalation protocol: when a phase
// exhausts its turn or cost ceiling, a structured request is posted on the
// task and the comment stream is polled for a human verdict. No reply within
// the timeout window resolves to denial.
package approval

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"relay/pkg/logx"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// Decision is the outcome of one escalation.
type Decision string

// Decision values. A timed-out escalation is handled identically to an
// explicit denial; the distinct value exists so callers can word the final
// comment accurately.
const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimedOut Decision = "timed-out"
)

// Request describes the exhausted phase and the limits being asked for.
type Request struct {
	TaskID        string
	Phase         string // "planning" or "execution"
	Reason        string // "turns" or "cost"
	SpentTurns    int
	SpentCostUSD  float64
	CurrentTurns  int
	CurrentCost   float64
	ProposedTurns int
	ProposedCost  float64
}

//nolint:gochecknoglobals // Static reply vocabulary
var (
	approveRe = regexp.MustCompile(`(?i)^\s*(approved?|yes|ok(ay)?|go ahead|proceed|continue|lgtm|👍)\s*[.!]*\s*$`)
	denyRe    = regexp.MustCompile(`(?i)^\s*(no|den(y|ied)|reject(ed)?|stop|cancel|abort|don'?t)\b`)
)

// Protocol runs escalations against the task store.
type Protocol struct {
	store           tasks.Store
	agentIdentities map[string]bool
	pollInterval    time.Duration
	timeout         time.Duration
	logger          *logx.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewProtocol creates the escalation protocol. agentIdentities lists the
// identities whose comments are never taken as human verdicts.
func NewProtocol(store tasks.Store, agentIdentities map[string]bool, pollInterval, timeout time.Duration) *Protocol {
	return &Protocol{
		store:           store,
		agentIdentities: agentIdentities,
		pollInterval:    pollInterval,
		timeout:         timeout,
		logger:          logx.NewLogger("approval"),
		now:             time.Now,
	}
}

// Escalate posts the request comment and polls for a verdict. The returned
// decision is DecisionTimedOut when the window closes without a reply; callers
// must treat that as denial.
func (p *Protocol) Escalate(ctx context.Context, req *Request) (Decision, error) {
	postedAt := p.now()
	if err := p.store.CreateComment(ctx, req.TaskID, requestBody(req), nil); err != nil {
		return DecisionDenied, fmt.Errorf("failed to post escalation request: %w", err)
	}
	p.logger.Info("escalation posted on task %s (%s phase, %s exhausted)", req.TaskID, req.Phase, req.Reason)

	deadline := postedAt.Add(p.timeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return DecisionDenied, ctx.Err()
		case <-ticker.C:
		}

		if p.now().After(deadline) {
			p.confirm(ctx, req.TaskID, DecisionTimedOut)
			p.logger.Info("escalation on task %s timed out after %s, defaulting to denial", req.TaskID, p.timeout)
			return DecisionTimedOut, nil
		}

		task, err := p.store.GetTask(ctx, req.TaskID)
		if err != nil {
			p.logger.Warn("escalation poll for task %s failed: %v", req.TaskID, err)
			continue
		}

		if decision, found := p.findVerdict(task.Comments, postedAt); found {
			p.confirm(ctx, req.TaskID, decision)
			p.logger.Info("escalation on task %s resolved: %s", req.TaskID, decision)
			return decision, nil
		}
	}
}

// findVerdict scans comments newer than the request for the first human reply
// matching the approval or denial vocabulary.
func (p *Protocol) findVerdict(comments []tasks.Comment, postedAt time.Time) (Decision, bool) {
	for i := range comments {
		c := &comments[i]
		if !c.CreatedAt.After(postedAt) {
			continue
		}
		if p.agentIdentities[c.Author] {
			continue
		}
		switch {
		case approveRe.MatchString(c.Body):
			return DecisionApproved, true
		case denyRe.MatchString(c.Body):
			return DecisionDenied, true
		}
	}
	return "", false
}

// confirm posts the resolution comment. Best-effort: the decision stands even
// if the comment cannot be written.
func (p *Protocol) confirm(ctx context.Context, taskID string, decision Decision) {
	var body string
	switch decision {
	case DecisionApproved:
		body = "Budget increase approved. Retrying with raised limits."
	case DecisionDenied:
		body = "Budget increase denied. Stopping work on this task."
	case DecisionTimedOut:
		body = "No response to the budget request; treating as denied and stopping work."
	}
	if err := p.store.CreateComment(ctx, taskID, body, nil); err != nil {
		p.logger.Warn("failed to post escalation resolution on task %s: %v", taskID, err)
	}
}

// requestBody renders the structured escalation request.
func requestBody(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", state.MarkerEscalation)
	fmt.Fprintf(&b, "The %s phase ran out of budget (%s).\n\n", req.Phase, req.Reason)
	fmt.Fprintf(&b, "Spent so far: %d turns, $%.2f\n", req.SpentTurns, req.SpentCostUSD)
	fmt.Fprintf(&b, "Current limits: %d turns, $%.2f\n", req.CurrentTurns, req.CurrentCost)
	fmt.Fprintf(&b, "Proposed limits: %d turns, $%.2f\n\n", req.ProposedTurns, req.ProposedCost)
	b.WriteString("Reply \"approve\" to continue with the raised limits, or \"deny\" to stop.")
	return b.String()
}

package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/pkg/approval"
	"relay/pkg/backend"
	"relay/pkg/persistence"
	"relay/pkg/plan"
	"relay/pkg/sandbox"
	"relay/pkg/state"
	"relay/pkg/tasks"
)

// process drives one task through the full pipeline: start marker, workspace
// clone, planning, plan comment, execution, PR publication. Each phase runs
// to completion before the next begins; a failure at any point posts a
// failure marker and hands the task back to its creator.
func (o *Orchestrator) process(ctx context.Context, task *tasks.Task, assignee string) {
	entry, ok := o.router.Registry().Resolve(assignee)
	if !ok {
		o.logger.Error("no backend mapping for assignee %s, skipping task %s", assignee, task.ID)
		return
	}

	o.logger.Info("🤖 processing task %s (%q) with %s/%s", task.ID, task.Title, entry.Backend, entry.Model)
	o.post(ctx, task.ID, state.MarkerWorkStart)

	// Ledger trouble degrades accounting, not processing: a missing database
	// leaves runID empty and every later write is skipped.
	var runID string
	if persistence.Ready() {
		var err error
		runID, err = persistence.StartRun(task.ID, assignee, entry.Backend, entry.Model)
		if err != nil {
			o.logger.Warn("starting run ledger entry for task %s: %v", task.ID, err)
		}
	}

	taskCtx := state.DeriveContext(task, o.classifyOptions())
	if taskCtx.HasBeenProcessedBefore {
		o.logger.Info("task %s has %d previous attempts, %d feedback comments",
			task.ID, len(taskCtx.PreviousAttempts), len(taskCtx.UserFeedback))
	}

	dir, cleanup, err := o.clones.CloneForTask(ctx, task.ID, task.WorkingBranch)
	if err != nil {
		o.fail(ctx, task, runID, backend.Usage{}, 0, fmt.Sprintf("workspace clone failed: %v", err))
		return
	}
	defer cleanup()

	ws := sandbox.NewWorkspace(dir, sandbox.NewPolicy(o.cfg.Policy))
	adapter, budget, err := o.router.AdapterFor(assignee, task.ID, ws)
	if err != nil {
		o.fail(ctx, task, runID, backend.Usage{}, 0, fmt.Sprintf("backend unavailable: %v", err))
		return
	}

	planReq := &backend.PlanRequest{
		Title:       task.Title,
		Description: task.Description,
		Feedback:    taskCtx.UserFeedback,
		Config:      budget,
	}
	planRes := o.runPlanning(ctx, task, runID, adapter, planReq)
	usage := planRes.Usage
	turns := planRes.Turns
	if !planRes.Success {
		reason := planRes.Error
		if reason == "" {
			reason = "planning did not produce a usable plan"
		}
		o.fail(ctx, task, runID, usage, turns, "Planning failed: "+reason)
		return
	}

	o.post(ctx, task.ID, renderPlanComment(planRes.Plan, planRes.Warnings))
	if runID != "" {
		if uerr := persistence.UpdateRunStatus(runID, persistence.RunStatusPlanned, planRes.Plan.Summary); uerr != nil {
			o.logger.Warn("updating run %s: %v", runID, uerr)
		}
	}

	o.post(ctx, task.ID, state.MarkerExecutionStart)
	execReq := &backend.ExecuteRequest{
		Plan:        planRes.Plan,
		Title:       task.Title,
		Description: task.Description,
		Feedback:    taskCtx.UserFeedback,
		Config:      budget,
	}
	execRes := o.runExecution(ctx, task, runID, adapter, execReq)
	usage.Add(execRes.Usage)
	turns += execRes.Turns
	if !execRes.Success {
		reason := execRes.Error
		if reason == "" {
			reason = "execution did not complete"
		}
		o.fail(ctx, task, runID, usage, turns, "Execution failed: "+reason)
		return
	}

	pr, err := o.driver.PublishResult(ctx, task, execRes)
	if err != nil {
		o.fail(ctx, task, runID, usage, turns, fmt.Sprintf("publishing results failed: %v", err))
		return
	}

	o.logger.Info("✅ task %s done: %s ($%.4f, %d turns)", task.ID, pr.URL, usage.CostUSD, turns)
	if runID != "" {
		if ferr := persistence.FinishRun(runID, persistence.RunStatusPROpened, pr.URL, "",
			turns, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD); ferr != nil {
			o.logger.Warn("finishing run %s: %v", runID, ferr)
		}
	}
}

// runPlanning runs the planning phase, escalating once on budget exhaustion.
// An approved escalation retries the phase with raised ceilings; a second
// exhaustion, a denial, or a timeout is terminal.
func (o *Orchestrator) runPlanning(ctx context.Context, task *tasks.Task, runID string,
	adapter backend.Adapter, req *backend.PlanRequest) *backend.PlanResult {
	res, err := adapter.Plan(ctx, req)

	var budgetErr *backend.BudgetExhaustedError
	if !errors.As(err, &budgetErr) {
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}

	if !o.escalate(ctx, task, runID, "planning", budgetErr) {
		res.Error = "budget escalation was not approved: " + budgetErr.Error()
		return res
	}

	req.Config.MaxTurns = o.cfg.Budget.EscalatedTurns
	req.Config.MaxCostUSD = o.cfg.Budget.EscalatedCost
	retry, err := adapter.Plan(ctx, req)
	if err != nil && retry.Error == "" {
		retry.Error = err.Error()
	}
	retry.Usage.Add(res.Usage)
	retry.Turns += res.Turns
	return retry
}

// runExecution mirrors runPlanning for the execution phase.
func (o *Orchestrator) runExecution(ctx context.Context, task *tasks.Task, runID string,
	adapter backend.Adapter, req *backend.ExecuteRequest) *backend.ExecuteResult {
	res, err := adapter.Execute(ctx, req)

	var budgetErr *backend.BudgetExhaustedError
	if !errors.As(err, &budgetErr) {
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}

	if !o.escalate(ctx, task, runID, "execution", budgetErr) {
		res.Error = "budget escalation was not approved: " + budgetErr.Error()
		return res
	}

	req.Config.MaxTurns = o.cfg.Budget.EscalatedTurns
	req.Config.MaxCostUSD = o.cfg.Budget.EscalatedCost
	retry, err := adapter.Execute(ctx, req)
	if err != nil && retry.Error == "" {
		retry.Error = err.Error()
	}
	retry.Usage.Add(res.Usage)
	retry.Turns += res.Turns
	return retry
}

// escalate posts a budget-approval request and blocks until a verdict or the
// approval timeout. Only an explicit approval returns true; silence denies.
func (o *Orchestrator) escalate(ctx context.Context, task *tasks.Task, runID, phase string,
	budgetErr *backend.BudgetExhaustedError) bool {
	o.logger.Warn("⏸️ %s phase on task %s exhausted its %s budget (%d turns, $%.4f)",
		phase, task.ID, budgetErr.Reason, budgetErr.Turns, budgetErr.CostUSD)

	if o.spend != nil {
		qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if tm, err := o.spend.GetTaskMetrics(qctx, task.ID); err == nil {
			o.logger.Info("task %s lifetime spend across runs: %d tokens, $%.4f",
				task.ID, tm.TotalTokens, tm.TotalCost)
		} else {
			o.logger.Debug("spend query for task %s: %v", task.ID, err)
		}
		cancel()
	}

	var escID string
	if runID != "" {
		if uerr := persistence.UpdateRunStatus(runID, persistence.RunStatusEscalated, ""); uerr != nil {
			o.logger.Warn("updating run %s: %v", runID, uerr)
		}
		var err error
		escID, err = persistence.RecordEscalation(runID, task.ID, phase, budgetErr.Reason)
		if err != nil {
			o.logger.Warn("recording escalation for task %s: %v", task.ID, err)
		}
	}

	decision, err := o.approval.Escalate(ctx, &approval.Request{
		TaskID:        task.ID,
		Phase:         phase,
		Reason:        budgetErr.Reason,
		SpentTurns:    budgetErr.Turns,
		SpentCostUSD:  budgetErr.CostUSD,
		CurrentTurns:  o.cfg.Budget.MaxTurns,
		CurrentCost:   o.cfg.Budget.MaxCostUSD,
		ProposedTurns: o.cfg.Budget.EscalatedTurns,
		ProposedCost:  o.cfg.Budget.EscalatedCost,
	})
	if escID != "" {
		if rerr := persistence.ResolveEscalation(escID, string(decision)); rerr != nil {
			o.logger.Warn("resolving escalation %s: %v", escID, rerr)
		}
	}
	if err != nil {
		o.logger.Error("escalation on task %s: %v", task.ID, err)
		return false
	}
	if decision != approval.DecisionApproved {
		if runID != "" {
			if uerr := persistence.UpdateRunStatus(runID, persistence.RunStatusDenied, ""); uerr != nil {
				o.logger.Warn("updating run %s: %v", runID, uerr)
			}
		}
		return false
	}
	o.logger.Info("escalation approved on task %s, retrying %s with %d turns / $%.2f",
		task.ID, phase, o.cfg.Budget.EscalatedTurns, o.cfg.Budget.EscalatedCost)
	return true
}

// fail posts the failure marker with the reason, closes the ledger entry, and
// reassigns the task to its human creator so it leaves the polling set.
func (o *Orchestrator) fail(ctx context.Context, task *tasks.Task, runID string,
	usage backend.Usage, turns int, reason string) {
	o.logger.Error("❌ task %s failed: %s", task.ID, reason)
	o.post(ctx, task.ID, state.MarkerFailed+"\n\n"+reason)

	if runID != "" {
		if err := persistence.FinishRun(runID, persistence.RunStatusFailed, "", reason,
			turns, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD); err != nil {
			o.logger.Warn("finishing run %s: %v", runID, err)
		}
	}

	if task.Creator != "" && task.Creator != task.Assignee {
		if err := o.store.UpdateAssignee(ctx, task.ID, task.Creator); err != nil {
			o.logger.Warn("reassigning task %s to %s: %v", task.ID, task.Creator, err)
		}
	}
}

// post writes a comment with a short independent deadline so a canceled
// processing context cannot strand a half-told story in the comment log.
func (o *Orchestrator) post(ctx context.Context, taskID, body string) {
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.store.CreateComment(postCtx, taskID, body, nil); err != nil {
		o.logger.Warn("posting comment on task %s: %v", taskID, err)
	}
}

// renderPlanComment turns a plan into its durable comment form. Execution and
// later attempts re-read the plan from this comment, so the heading is part
// of the replay contract.
func renderPlanComment(p *plan.Plan, warnings []string) string {
	var b strings.Builder
	b.WriteString("## Implementation Plan\n\n")
	b.WriteString(p.Summary)
	b.WriteString("\n")
	if p.Approach != "" {
		b.WriteString("\n**Approach:** " + p.Approach + "\n")
	}
	if p.Complexity != "" {
		b.WriteString("\n**Complexity:** " + string(p.Complexity) + "\n")
	}
	if len(p.Files) > 0 {
		b.WriteString("\n**Files:**\n")
		for _, f := range p.Files {
			line := "- `" + f.Path + "`"
			if f.Purpose != "" {
				line += ": " + f.Purpose
			}
			b.WriteString(line + "\n")
		}
	}
	if len(p.Considerations) > 0 {
		b.WriteString("\n**Considerations:**\n")
		for _, c := range p.Considerations {
			b.WriteString("- " + c + "\n")
		}
	}
	for _, w := range warnings {
		b.WriteString("\n> ⚠️ " + w + "\n")
	}
	return b.String()
}

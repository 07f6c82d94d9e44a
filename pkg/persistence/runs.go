package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses recorded in the ledger.
const (
	RunStatusStarted   = "started"
	RunStatusPlanned   = "planned"
	RunStatusExecuted  = "executed"
	RunStatusPROpened  = "pr_opened"
	RunStatusShipped   = "shipped"
	RunStatusFailed    = "failed"
	RunStatusEscalated = "escalated"
	RunStatusDenied    = "denied"
)

// Run is one ledger row: a single processing attempt against a task.
type Run struct {
	RunID            string
	SessionID        string
	TaskID           string
	Assignee         string
	Backend          string
	Model            string
	Status           string
	PlanSummary      string
	PRURL            string
	Turns            int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Error            string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// StartRun inserts a new run row and returns its id.
func StartRun(taskID, assignee, backendName, model string) (string, error) {
	runID := uuid.NewString()
	_, err := GetDB().Exec(
		`INSERT INTO runs (run_id, session_id, task_id, assignee, backend, model, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, GetSessionID(), taskID, assignee, backendName, model, RunStatusStarted, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	return runID, nil
}

// UpdateRunStatus moves a run to a new status, optionally recording the plan
// summary produced along the way.
func UpdateRunStatus(runID, status, planSummary string) error {
	var err error
	if planSummary != "" {
		_, err = GetDB().Exec(`UPDATE runs SET status = ?, plan_summary = ? WHERE run_id = ?`, status, planSummary, runID)
	} else {
		_, err = GetDB().Exec(`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return nil
}

// FinishRun closes out a run with final accounting.
func FinishRun(runID, status, prURL, errMsg string, turns, promptTokens, completionTokens int, costUSD float64) error {
	_, err := GetDB().Exec(
		`UPDATE runs SET status = ?, pr_url = ?, error = ?, turns = ?,
		 prompt_tokens = ?, completion_tokens = ?, cost_usd = ?, finished_at = ?
		 WHERE run_id = ?`,
		status, prURL, errMsg, turns, promptTokens, completionTokens, costUSD, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// RecordEscalation inserts an escalation row tied to a run.
func RecordEscalation(runID, taskID, phase, reason string) (string, error) {
	id := uuid.NewString()
	_, err := GetDB().Exec(
		`INSERT INTO escalations (id, run_id, task_id, phase, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, runID, taskID, phase, reason, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record escalation: %w", err)
	}
	return id, nil
}

// ResolveEscalation records the human decision on an escalation.
func ResolveEscalation(id, decision string) error {
	_, err := GetDB().Exec(
		`UPDATE escalations SET decision = ?, resolved_at = ? WHERE id = ?`,
		decision, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation %s: %w", id, err)
	}
	return nil
}

// TaskCost sums the recorded spend across all runs of a task.
func TaskCost(taskID string) (float64, error) {
	var cost sql.NullFloat64
	err := GetDB().QueryRow(`SELECT SUM(cost_usd) FROM runs WHERE task_id = ?`, taskID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost for task %s: %w", taskID, err)
	}
	return cost.Float64, nil
}

// RunsForTask returns the ledger rows for a task, newest first.
func RunsForTask(taskID string) ([]Run, error) {
	rows, err := GetDB().Query(
		`SELECT run_id, session_id, task_id, assignee, backend, model, status,
		        COALESCE(plan_summary, ''), COALESCE(pr_url, ''), turns,
		        prompt_tokens, completion_tokens, cost_usd, COALESCE(error, ''),
		        started_at, finished_at
		 FROM runs WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.TaskID, &r.Assignee, &r.Backend, &r.Model,
			&r.Status, &r.PlanSummary, &r.PRURL, &r.Turns, &r.PromptTokens, &r.CompletionTokens,
			&r.CostUSD, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/pkg/config"
	"relay/pkg/logx"
	"relay/pkg/plan"
	"relay/pkg/sandbox"
	"relay/pkg/utils"
)

// planningTools is the read-only subset available during planning.
//
//nolint:gochecknoglobals // Static tool allow list
var planningTools = []string{
	sandbox.ToolReadFile,
	sandbox.ToolListFiles,
	sandbox.ToolSearch,
	sandbox.ToolShell,
}

// executionTools adds the mutating tools and the terminal done tool.
//
//nolint:gochecknoglobals // Static tool allow list
var executionTools = []string{
	sandbox.ToolReadFile,
	sandbox.ToolWriteFile,
	sandbox.ToolEditFile,
	sandbox.ToolListFiles,
	sandbox.ToolSearch,
	sandbox.ToolShell,
	sandbox.ToolDone,
}

// maxNudges bounds how many corrective prompts a loop injects before the
// stall is treated as a structural failure.
const maxNudges = 3

// BudgetExhaustedError signals that a phase ran out of turns or cost budget.
/// This is not a failure: the orchestrator routes it through the approval
// protocol, which may grant one retry with raised ceilings.
type BudgetExhaustedError struct {
	Reason  string // "turns" or "cost"
	Turns   int
	CostUSD float64
	Usage   Usage
}

// Error implements the error interface.
func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("phase budget exhausted (%s): %d turns, $%.4f spent", e.Reason, e.Turns, e.CostUSD)
}

// Observer receives per-turn accounting. Implemented by the metrics recorder.
type Observer interface {
	ObserveTurn(model, taskID, phase string, usage Usage, duration time.Duration, err error)
}

// Engine drives the iterative exploration loop for one task against one LLM
// client. It implements Adapter; the router builds one per eligible task.
type Engine struct {
	client    LLMClient
	workspace *sandbox.Workspace
	taskID    string
	observer  Observer
	counter   *utils.TokenCounter
	logger    *logx.Logger

	// Prompt overrides; empty means the package defaults.
	PlanningPrompt  string
	ExecutionPrompt string
}

// NewEngine creates a turn-loop engine for a task workspace.
func NewEngine(client LLMClient, ws *sandbox.Workspace, taskID string) *Engine {
	// Tokenizer failure only disables the usage fallback for vendors that
	// omit token counts.
	counter, _ := utils.NewTokenCounter(client.GetModelName())
	return &Engine{
		client:    client,
		workspace: ws,
		taskID:    taskID,
		counter:   counter,
		logger:    logx.NewLogger("engine"),
	}
}

// WithObserver attaches a metrics observer.
func (e *Engine) WithObserver(obs Observer) *Engine {
	e.observer = obs
	return e
}

// turnState is the accumulator carried across loop iterations: the full
// message transcript, summed usage, and tool results pending delivery on the
// next turn.
type turnState struct {
	transcript         []CompletionMessage
	usage              Usage
	pendingToolResults []ToolResult
	turns              int
	nudges             int
}

// Plan implements Adapter. It explores with read-only tools and terminates
// when the response parses into a valid plan. A plan below the minimum file
// count is retried exactly once with a clarifying prompt.
func (e *Engine) Plan(ctx context.Context, req *PlanRequest) (*PlanResult, error) {
	provider := sandbox.NewProvider(e.workspace, planningTools)

	systemPrompt := e.PlanningPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultPlanningPrompt
	}

	st := &turnState{
		transcript: []CompletionMessage{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: planUserPrompt(req)},
		},
	}

	retriedMinFiles := false
	var result *PlanResult

	err := e.runLoop(ctx, st, provider, &req.Config, "planning", func(content string) (bool, string) {
		parsed, strategy, parseErr := plan.Extract(content)
		if parseErr != nil {
			return false, nudgePlanFormat
		}

		validation, valErr := plan.Validate(parsed, e.workspace.Policy())
		if valErr != nil {
			if strings.Contains(valErr.Error(), "below the minimum") && !retriedMinFiles {
				retriedMinFiles = true
				return false, nudgePlanTooFew
			}
			result = &PlanResult{Success: false, RawResponse: content, Error: valErr.Error()}
			return true, ""
		}

		e.logger.Info("plan extracted via %s strategy: %d files, complexity %s",
			strategy, len(parsed.Files), parsed.Complexity)
		result = &PlanResult{
			Success:     true,
			Plan:        parsed,
			RawResponse: content,
			Warnings:    validation.Warnings,
		}
		return true, ""
	})

	if result == nil {
		result = &PlanResult{Success: false}
		if err != nil {
			result.Error = err.Error()
		}
	}
	result.Usage = st.usage
	result.Turns = st.turns

	var budgetErr *BudgetExhaustedError
	if errors.As(err, &budgetErr) {
		budgetErr.Usage = st.usage
		return result, budgetErr
	}
	return result, err
}

// Execute implements Adapter. It runs with the full tool set and terminates
// when the done tool records completion metadata.
func (e *Engine) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	e.workspace.Reset()
	provider := sandbox.NewProvider(e.workspace, executionTools)

	systemPrompt := e.ExecutionPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultExecutionPrompt
	}

	st := &turnState{
		transcript: []CompletionMessage{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: executeUserPrompt(req)},
		},
	}

	err := e.runLoop(ctx, st, provider, &req.Config, "execution", func(string) (bool, string) {
		if e.workspace.Completion() != nil {
			return true, ""
		}
		return false, nudgeExecuteTool
	})

	result := &ExecuteResult{Usage: st.usage, Turns: st.turns}

	if completion := e.workspace.Completion(); completion != nil {
		changes := e.workspace.Changes()
		validation, valErr := plan.ValidateResult(changes, req.Plan, e.workspace.Policy())
		if valErr != nil {
			result.Error = valErr.Error()
			return result, nil
		}
		result.Success = true
		result.FileChanges = changes
		result.CommitMessage = completion.CommitMessage
		result.PRTitle = completion.PRTitle
		result.PRDescription = completion.PRDescription
		result.Warnings = validation.Warnings
		if result.PRTitle == "" {
			result.PRTitle = req.Title
		}
		if result.PRDescription == "" {
			result.PRDescription = completion.Summary
		}
		return result, nil
	}

	var budgetErr *BudgetExhaustedError
	if errors.As(err, &budgetErr) {
		budgetErr.Usage = st.usage
		return result, budgetErr
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Error = "execution loop ended without declaring completion"
	return result, nil
}

// runLoop is the bounded iteration engine shared by both phases. checkDone is
// consulted only when a response carries no tool calls: a response with both
// tool calls and terminal-looking text favors the tool calls, which must be
// executed before terminal output can be trusted. checkDone returns either
// done, or a corrective nudge to inject.
func (e *Engine) runLoop(
	ctx context.Context,
	st *turnState,
	provider *sandbox.Provider,
	cfg *Config,
	phase string,
	checkDone func(content string) (bool, string),
) error {
	deadline := time.Now().Add(cfg.Timeout)
	loopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	toolDefs := provider.Definitions()
	pricing := config.ModelInfoFor(e.client.GetModelName())

	for {
		// Ceilings are checked at the top of every iteration so a raise via
		// the approval protocol can simply re-enter with a bigger config.
		if st.turns >= cfg.MaxTurns {
			return &BudgetExhaustedError{Reason: "turns", Turns: st.turns, CostUSD: st.usage.CostUSD}
		}
		if cfg.MaxCostUSD > 0 && st.usage.CostUSD >= cfg.MaxCostUSD {
			return &BudgetExhaustedError{Reason: "cost", Turns: st.turns, CostUSD: st.usage.CostUSD}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s phase exceeded its %s wall-clock budget", phase, cfg.Timeout)
		}

		// Deliver pending tool results as the next user turn.
		if len(st.pendingToolResults) > 0 {
			st.transcript = append(st.transcript, CompletionMessage{
				Role:        RoleUser,
				ToolResults: st.pendingToolResults,
			})
			st.pendingToolResults = nil
		}

		req := CompletionRequest{
			Messages:    st.transcript,
			Tools:       toolDefs,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}

		start := time.Now()
		resp, err := e.client.Complete(loopCtx, req)
		duration := time.Since(start)
		st.turns++

		turnUsage := resp.Usage
		if turnUsage.PromptTokens == 0 && turnUsage.CompletionTokens == 0 && e.counter != nil {
			// Some runtimes report no token counts at all; estimate so budget
			// ceilings still bite.
			turnUsage.CompletionTokens = e.counter.CountTokens(resp.Content)
		}
		if turnUsage.CostUSD == 0 {
			turnUsage.CostUSD = utils.EstimateCostUSD(turnUsage.PromptTokens, turnUsage.CompletionTokens,
				pricing.InputCPM, pricing.OutputCPM)
		}
		st.usage.Add(turnUsage)

		if e.observer != nil {
			e.observer.ObserveTurn(e.client.GetModelName(), e.taskID, phase, turnUsage, duration, err)
		}

		if err != nil {
			return fmt.Errorf("%s turn %d failed: %w", phase, st.turns, err)
		}

		e.logger.Info("🔄 %s turn %d: %d chars, %d tool calls, $%.4f total",
			phase, st.turns, len(resp.Content), len(resp.ToolCalls), st.usage.CostUSD)

		st.transcript = append(st.transcript, CompletionMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls take precedence over any terminal text in the response.
		if len(resp.ToolCalls) > 0 {
			e.execToolCalls(loopCtx, st, provider, resp.ToolCalls)

			// The done tool may have fired within this batch.
			if done, _ := checkDone(resp.Content); done {
				return nil
			}
			continue
		}

		done, nudge := checkDone(resp.Content)
		if done {
			return nil
		}

		st.nudges++
		if st.nudges > maxNudges {
			return fmt.Errorf("%s loop stalled: model produced neither tool calls nor terminal output after %d corrections", phase, maxNudges)
		}
		e.logger.Warn("%s turn %d produced no tool call and no terminal output, nudging", phase, st.turns)
		st.transcript = append(st.transcript, CompletionMessage{Role: RoleUser, Content: nudge})
	}
}

// execToolCalls runs every tool call in the batch and queues the results.
// Every tool_use must receive a tool_result, including failures.
func (e *Engine) execToolCalls(ctx context.Context, st *turnState, provider *sandbox.Provider, calls []ToolCall) {
	for i := range calls {
		call := &calls[i]

		tool, err := provider.Get(call.Name)
		if err != nil {
			st.pendingToolResults = append(st.pendingToolResults, ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()),
				IsError:    true,
			})
			continue
		}

		start := time.Now()
		result, err := tool.Exec(ctx, call.Parameters)
		duration := time.Since(start)

		if err != nil {
			e.logger.Error("tool %s failed after %.2fs: %v", call.Name, duration.Seconds(), err)
			st.pendingToolResults = append(st.pendingToolResults, ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()),
				IsError:    true,
			})
			continue
		}

		e.logger.Debug("tool %s completed in %.2fs", call.Name, duration.Seconds())
		st.pendingToolResults = append(st.pendingToolResults, ToolResult{
			ToolCallID: call.ID,
			Content:    result.Content,
			IsError:    result.IsError,
		})
	}
}

// planUserPrompt renders the planning request into the opening user message.
func planUserPrompt(req *PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", req.Description)
	}
	if len(req.Feedback) > 0 {
		b.WriteString("\nFeedback on previous attempts (address all of it):\n")
		for _, fb := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", fb)
		}
	}
	b.WriteString("\nExplore the repository and produce the implementation plan.")
	return b.String()
}

// executeUserPrompt renders the execution request into the opening user message.
func executeUserPrompt(req *ExecuteRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", req.Description)
	}
	if req.Plan != nil {
		fmt.Fprintf(&b, "\nApproved plan:\n%s\n", req.Plan.Summary)
		if req.Plan.Approach != "" {
			fmt.Fprintf(&b, "\nApproach:\n%s\n", req.Plan.Approach)
		}
		b.WriteString("\nFiles to change:\n")
		for i := range req.Plan.Files {
			f := &req.Plan.Files[i]
			fmt.Fprintf(&b, "- %s: %s\n", f.Path, f.Changes)
		}
	}
	if len(req.Feedback) > 0 {
		b.WriteString("\nFeedback on previous attempts (address all of it):\n")
		for _, fb := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", fb)
		}
	}
	b.WriteString("\nImplement the plan now.")
	return b.String()
}

// Package backend defines the uniform "explore + propose/implement" contract
// every AI provider adapter satisfies, and the turn-loop engine that drives
// it. Vendor-specific request/response shapes stay entirely inside the
// per-provider subpackages; everything above this package sees only
// CompletionRequest/CompletionResponse and the Plan/Execute results.
package backend

import (
	"context"
	"time"

	"relay/pkg/plan"
	"relay/pkg/sandbox"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role        CompletionRole
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall represents a tool call made by the LLM.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult feeds a tool's output back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Usage accumulates token and cost accounting across a turn loop.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add merges another usage sample into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CostUSD += other.CostUSD
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []sandbox.ToolDefinition
	Temperature float32
	MaxTokens   int
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// LLMClient is the vendor-neutral chat-completion interface. Each provider
// subpackage implements it; middleware (retry, metrics) wraps it.
type LLMClient interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model identifier this client talks to.
	GetModelName() string
}

// Config is the per-task resolved backend configuration.
type Config struct {
	Model       string
	MaxTurns    int
	MaxCostUSD  float64
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// PlanRequest asks a backend to explore the repository and propose a plan.
type PlanRequest struct {
	Title       string
	Description string
	// Feedback from earlier attempts, newest last.
	Feedback []string
	Config   Config
}

// PlanResult is the outcome of a planning phase.
type PlanResult struct {
	Success     bool       `json:"success"`
	Plan        *plan.Plan `json:"plan,omitempty"`
	RawResponse string     `json:"raw_response,omitempty"`
	Usage       Usage      `json:"usage"`
	Turns       int        `json:"turns"`
	Error       string     `json:"error,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// ExecuteRequest asks a backend to implement an approved plan.
type ExecuteRequest struct {
	Plan        *plan.Plan
	Title       string
	Description string
	Feedback    []string
	Config      Config
}

// ExecuteResult is the outcome of an execution phase.
type ExecuteResult struct {
	Success       bool                 `json:"success"`
	FileChanges   []sandbox.FileChange `json:"file_changes,omitempty"`
	CommitMessage string               `json:"commit_message,omitempty"`
	PRTitle       string               `json:"pr_title,omitempty"`
	PRDescription string               `json:"pr_description,omitempty"`
	Usage         Usage                `json:"usage"`
	Turns         int                  `json:"turns"`
	Error         string               `json:"error,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// Adapter is the capability surface the router hands the orchestrator: one
// planning operation and one execution operation per provider.
type Adapter interface {
	// Plan explores the repository and proposes an implementation plan.
	Plan(ctx context.Context, req *PlanRequest) (*PlanResult, error)

	// Execute implements a plan, producing a set of file changes.
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error)
}

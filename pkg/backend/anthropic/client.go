// Package anthropic provides the Anthropic Claude client implementation of
// the backend.LLMClient interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"relay/pkg/backend"
	"relay/pkg/backend/llmerrors"
	"relay/pkg/config"
	"relay/pkg/sandbox"
)

// ClaudeClient wraps the Anthropic API client to implement backend.LLMClient.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a new Claude client wrapper (raw client, middleware
// applied at higher level).
func NewClaudeClient(apiKey string) backend.LLMClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeClient{
		client: client,
		model:  config.ModelClaudeSonnetLatest,
	}
}

// NewClaudeClientWithModel creates a new Claude client with a specific model.
func NewClaudeClientWithModel(apiKey, model string) backend.LLMClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeClient{
		client: client,
		model:  anthropic.Model(model),
	}
}

// extractSystem pulls system messages out of the transcript. Anthropic takes
// the system prompt as a top-level parameter, never in the messages array.
func extractSystem(messages []backend.CompletionMessage) (string, []backend.CompletionMessage) {
	var systemParts []string
	var rest []backend.CompletionMessage

	for i := range messages {
		msg := &messages[i]
		if msg.Role == backend.RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			rest = append(rest, *msg)
		}
	}
	return strings.Join(systemParts, "\n\n"), rest
}

// toMessageParams converts transcript messages to Anthropic MessageParams.
// Assistant tool calls become tool_use blocks; user-side tool results become
// tool_result blocks. Consecutive same-role messages are merged because the
// API requires strict user/assistant alternation.
func toMessageParams(messages []backend.CompletionMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for i := range messages {
		msg := &messages[i]

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for j := range msg.ToolResults {
			tr := &msg.ToolResults[j]
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for j := range msg.ToolCalls {
			tc := &msg.ToolCalls[j]
			input, err := json.Marshal(tc.Parameters)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool call input for %s: %w", tc.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == backend.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		// Merge into the previous message when roles repeat.
		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		return nil, fmt.Errorf("first message must be user role, got: %s", out[0].Role)
	}
	return out, nil
}

// toToolParams converts tool definitions to the Anthropic tool schema.
func toToolParams(defs []sandbox.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]

		var properties any
		if len(def.InputSchema.Properties) > 0 {
			props := make(map[string]any)
			for name := range def.InputSchema.Properties { //nolint:gocritic // Need to copy properties
				prop := def.InputSchema.Properties[name]
				propMap := make(map[string]any)
				propMap["type"] = prop.Type
				if prop.Description != "" {
					propMap["description"] = prop.Description
				}
				if len(prop.Enum) > 0 {
					propMap["enum"] = prop.Enum
				}
				props[name] = propMap
			}
			properties = props
		}

		schema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: properties,
			Required:   def.InputSchema.Required,
		}
		tools = append(tools, anthropic.ToolUnionParamOfTool(schema, def.Name))
	}
	return tools
}

// Complete implements the backend.LLMClient interface.
//
//nolint:gocritic // Passing request by value matches the interface
func (c *ClaudeClient) Complete(ctx context.Context, in backend.CompletionRequest) (backend.CompletionResponse, error) {
	systemPrompt, rest := extractSystem(in.Messages)

	messages, err := toMessageParams(rest)
	if err != nil {
		return backend.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: systemPrompt,
			Type: "text",
		}}
	}

	if len(in.Tools) > 0 {
		params.Tools = toToolParams(in.Tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return backend.CompletionResponse{}, llmerrors.Classify(err)
	}

	if resp == nil || len(resp.Content) == 0 {
		return backend.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var responseText string
	var toolCalls []backend.ToolCall

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			responseText += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return backend.CompletionResponse{}, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, backend.ToolCall{
				ID:         toolUse.ID,
				Name:       toolUse.Name,
				Parameters: args,
			})
		}
	}

	return backend.CompletionResponse{
		Content:    responseText,
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
		Usage: backend.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

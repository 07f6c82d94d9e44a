// Package selfhosted provides the Ollama client implementation of the
// backend.LLMClient interface. Ollama is a local LLM runtime for running
// open-source models on the operator's own hardware.
//
// Unlike the hosted vendors, the self-hosted worker does not perform
// request/response turns directly: it opens one persistent session per
// client, submits each turn into that session, and polls for completion.
// The session keeps the model resident between turns and records a
// history of completed turns.
package selfhosted

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"relay/pkg/backend"
	"relay/pkg/backend/llmerrors"
	"relay/pkg/sandbox"
)

// sessionPollInterval is how often Complete checks a submitted turn
// for completion.
const sessionPollInterval = 100 * time.Millisecond

// sessionKeepAlive keeps the model loaded on the Ollama server between
// turns of the same session.
const sessionKeepAlive = 10 * time.Minute

// Client wraps the Ollama API client to implement backend.LLMClient.
type Client struct {
	client  *api.Client
	model   string
	hostURL string

	sessionOnce sync.Once
	session     *session
}

// NewClientWithModel creates a new Ollama client with a specific model.
// hostURL is the Ollama server URL (e.g., "http://localhost:11434").
func NewClientWithModel(hostURL, model string) backend.LLMClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	client := api.NewClient(parsedURL, http.DefaultClient)

	return &Client{
		client:  client,
		model:   model,
		hostURL: hostURL,
	}
}

// Complete implements the backend.LLMClient interface. The first call
// creates the session; every call submits a turn and polls it until the
// worker marks it done.
//
//nolint:gocritic // Passing request by value matches the interface
func (o *Client) Complete(ctx context.Context, in backend.CompletionRequest) (backend.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return backend.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	stream := false
	req := &api.ChatRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: sessionKeepAlive},
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	if len(in.Tools) > 0 {
		req.Tools = convertTools(in.Tools)
	}

	o.sessionOnce.Do(func() {
		o.session = newSession(o.client)
	})

	turn, err := o.session.submit(ctx, req)
	if err != nil {
		return backend.CompletionResponse{}, classifyError(err)
	}

	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()

	var response api.ChatResponse
	for {
		select {
		case <-ctx.Done():
			return backend.CompletionResponse{}, classifyError(ctx.Err())
		case <-ticker.C:
		}

		resp, done, turnErr := turn.poll()
		if !done {
			continue
		}
		if turnErr != nil {
			return backend.CompletionResponse{}, classifyError(turnErr)
		}
		response = resp
		break
	}

	result := backend.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
		Usage: backend.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}

	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = convertToolCalls(response.Message.ToolCalls)
	}

	return result, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// CompletedTurns reports how many turns the session has finished
// successfully. Zero before the first Complete call.
func (o *Client) CompletedTurns() int {
	if o.session == nil {
		return 0
	}
	return o.session.completedTurns()
}

// session owns the persistent connection to the Ollama server. A single
// worker goroutine processes submitted turns in order, so concurrent
// Complete calls on one client serialize onto one loaded model.
type session struct {
	client *api.Client
	turns  chan *sessionTurn

	mu      sync.Mutex
	history []api.ChatResponse
}

func newSession(client *api.Client) *session {
	s := &session{
		client: client,
		turns:  make(chan *sessionTurn),
	}
	go s.run()
	return s
}

// submit enqueues a turn for the session worker.
func (s *session) submit(ctx context.Context, req *api.ChatRequest) (*sessionTurn, error) {
	turn := &sessionTurn{ctx: ctx, req: req}
	select {
	case s.turns <- turn:
		return turn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) run() {
	for turn := range s.turns {
		var last api.ChatResponse
		err := s.client.Chat(turn.ctx, turn.req, func(resp api.ChatResponse) error {
			last = resp
			return nil
		})
		if err == nil {
			s.mu.Lock()
			s.history = append(s.history, last)
			s.mu.Unlock()
		}
		turn.finish(last, err)
	}
}

func (s *session) completedTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// sessionTurn is one submitted request and its eventual outcome. Callers
// poll it rather than blocking on the worker.
type sessionTurn struct {
	ctx context.Context
	req *api.ChatRequest

	mu   sync.Mutex
	done bool
	resp api.ChatResponse
	err  error
}

func (t *sessionTurn) finish(resp api.ChatResponse, err error) {
	t.mu.Lock()
	t.resp = resp
	t.err = err
	t.done = true
	t.mu.Unlock()
}

func (t *sessionTurn) poll() (api.ChatResponse, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp, t.done, t.err
}

// convertMessages converts transcript messages to Ollama's Message format.
// Tool results become separate messages with role "tool".
func convertMessages(messages []backend.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))

	for i := range messages {
		msg := &messages[i]

		ollamaMsg := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}

		if len(msg.ToolCalls) > 0 {
			ollamaMsg.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				ollamaMsg.ToolCalls[j] = api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: convertArguments(tc.Parameters),
					},
				}
			}
		}

		if len(msg.ToolResults) > 0 {
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				result = append(result, api.Message{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if msg.Content != "" {
				result = append(result, ollamaMsg)
			}
			continue
		}

		result = append(result, ollamaMsg)
	}

	return result, nil
}

// convertArguments builds Ollama's ordered argument map from a plain
// parameter map. Keys are inserted in sorted order so serialization is
// stable.
func convertArguments(params map[string]any) api.ToolCallFunctionArguments {
	args := api.NewToolCallFunctionArguments()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args.Set(k, params[k])
	}
	return args
}

// convertTools converts tool definitions to Ollama's Tool format.
func convertTools(toolDefs []sandbox.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(toolDefs))

	for i := range toolDefs {
		td := &toolDefs[i]
		properties := api.NewToolPropertiesMap()
		names := make([]string, 0, len(td.InputSchema.Properties))
		for name := range td.InputSchema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			prop := td.InputSchema.Properties[name]
			properties.Set(name, convertProperty(&prop))
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       td.InputSchema.Type,
					Properties: properties,
					Required:   td.InputSchema.Required,
				},
			},
		}
	}

	return ollamaTools
}

// convertProperty converts a tool property to Ollama format.
func convertProperty(prop *sandbox.Property) api.ToolProperty {
	ollamaProp := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}

	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		ollamaProp.Enum = enumVals
	}

	if prop.Properties != nil {
		nested := api.NewToolPropertiesMap()
		names := make([]string, 0, len(prop.Properties))
		for name := range prop.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			nested.Set(name, convertProperty(prop.Properties[name]))
		}
		ollamaProp.Properties = nested
	}

	if prop.Items != nil {
		ollamaProp.Items = convertProperty(prop.Items)
	}

	return ollamaProp
}

// convertToolCalls extracts tool calls from an Ollama response.
func convertToolCalls(calls []api.ToolCall) []backend.ToolCall {
	result := make([]backend.ToolCall, len(calls))

	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}

		result[i] = backend.ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: call.Function.Arguments.ToMap(),
		}
	}

	return result
}

// stopReason converts Ollama's done_reason to the neutral stop reason format.
func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}

	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to the structured error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("Ollama server not reachable: %v", err))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("Ollama model not found: %v", err))
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("request canceled: %v", err))
	case strings.Contains(errStr, "timeout"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("request timeout: %v", err))
	default:
		return llmerrors.NewError(llmerrors.ErrorTypeUnknown, fmt.Sprintf("Ollama API error: %v", err))
	}
}

// Package sandbox executes individual repository operations (read/write/edit
// file, glob, search, shell) under a safety policy. It knows nothing about AI
// backends or workflow state: callers hand it tool names and argument maps,
// it hands back structured results. Failures are returned as results, never
// as Go errors, so a calling turn loop can feed them back to the model.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Property describes a single parameter in a tool's input schema.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// InputSchema is the JSON-schema-shaped parameter declaration for a tool.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is the vendor-neutral tool declaration handed to backends.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ExecResult carries a tool's output back to the turn loop. Content is a JSON
// document; IsError marks policy rejections and other failures the model is
// expected to self-correct from.
type ExecResult struct {
	Content string
	IsError bool
}

// Tool is a single sandboxed operation.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// Tool names.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
	ToolListFiles = "list_files"
	ToolSearch    = "search"
	ToolShell     = "shell"
	ToolDone      = "done"
)

// jsonResult marshals a response map into an ExecResult.
func jsonResult(resp map[string]any) *ExecResult {
	data, err := json.Marshal(resp)
	if err != nil {
		return &ExecResult{Content: fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()), IsError: true}
	}
	isErr := false
	if success, ok := resp["success"].(bool); ok && !success {
		isErr = true
	}
	return &ExecResult{Content: string(data), IsError: isErr}
}

// errorResult builds a structured failure result.
func errorResult(msg string) *ExecResult {
	return jsonResult(map[string]any{"success": false, "error": msg})
}

// ToolFactory creates a tool bound to a specific workspace.
type ToolFactory func(ws *Workspace) Tool

// toolDescriptor pairs a factory with the tool name it produces.
type toolDescriptor struct {
	name    string
	factory ToolFactory
}

// registry is the global, sealed-after-startup tool registry.
type registry struct {
	mu     sync.RWMutex
	sealed bool
	tools  []toolDescriptor
}

//nolint:gochecknoglobals // Factory pattern requires a global registry
var globalRegistry = &registry{}

// Register adds a tool factory to the global registry.
// Panics if called after the registry is sealed.
func Register(name string, factory ToolFactory) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool '%s'", name))
	}
	globalRegistry.tools = append(globalRegistry.tools, toolDescriptor{name: name, factory: factory})
}

// Seal prevents further registrations. Called on first Provider creation.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// Provider instantiates and owns the tool set for one workspace.
type Provider struct {
	tools map[string]Tool
	order []string
}

// NewProvider creates tools for the given workspace, restricted to the
// allowed list. A nil allow list means every registered tool.
func NewProvider(ws *Workspace, allowed []string) *Provider {
	Seal()

	var allowSet map[string]struct{}
	if allowed != nil {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			allowSet[name] = struct{}{}
		}
	}

	p := &Provider{tools: make(map[string]Tool)}

	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	for _, desc := range globalRegistry.tools {
		if allowSet != nil {
			if _, ok := allowSet[desc.name]; !ok {
				continue
			}
		}
		tool := desc.factory(ws)
		p.tools[desc.name] = tool
		p.order = append(p.order, desc.name)
	}
	return p
}

// Get returns the named tool.
func (p *Provider) Get(name string) (Tool, error) {
	tool, ok := p.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s not available", name)
	}
	return tool, nil
}

// Definitions returns tool declarations in registration order.
func (p *Provider) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(p.order))
	for _, name := range p.order {
		defs = append(defs, p.tools[name].Definition())
	}
	return defs
}

//nolint:gochecknoinits // Tool registration at package load mirrors the registry pattern
func init() {
	Register(ToolReadFile, func(ws *Workspace) Tool { return NewReadFileTool(ws) })
	Register(ToolWriteFile, func(ws *Workspace) Tool { return NewWriteFileTool(ws) })
	Register(ToolEditFile, func(ws *Workspace) Tool { return NewEditFileTool(ws) })
	Register(ToolListFiles, func(ws *Workspace) Tool { return NewListFilesTool(ws) })
	Register(ToolSearch, func(ws *Workspace) Tool { return NewSearchTool(ws) })
	Register(ToolShell, func(ws *Workspace) Tool { return NewShellTool(ws) })
	Register(ToolDone, func(ws *Workspace) Tool { return NewDoneTool(ws) })
}

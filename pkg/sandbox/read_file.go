package sandbox

import (
	"context"
	"fmt"
	"os"

	"relay/pkg/utils"
)

// maxReadBytes caps how much of a file a single read returns.
const maxReadBytes = 256 * 1024

// ReadFileTool returns the contents of a file in the workspace.
type ReadFileTool struct {
	ws *Workspace
}

// NewReadFileTool creates a new read_file tool.
func NewReadFileTool(ws *Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string { return ToolReadFile }

// Definition returns the tool definition for the LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read the contents of a file. Use this to understand existing code before changing it.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Relative path to the file within the repository"},
			},
			Required: []string{"path"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := utils.SafeAssert[string](args["path"])
	if !ok || path == "" {
		return errorResult("path is required and must be a string"), nil
	}

	abs, err := t.ws.ResolvePath(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("file not found: %s", path)), nil
	}
	if info.IsDir() {
		return errorResult(fmt.Sprintf("%s is a directory, not a file", path)), nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read %s: %v", path, err)), nil
	}

	truncated := false
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		truncated = true
	}

	return jsonResult(map[string]any{
		"success":   true,
		"path":      path,
		"content":   string(content),
		"truncated": truncated,
	}), nil
}

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"relay/pkg/utils"
)

// WriteFileTool creates or overwrites a file in the workspace.
type WriteFileTool struct {
	ws *Workspace
}

// NewWriteFileTool creates a new write_file tool.
func NewWriteFileTool(ws *Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string { return ToolWriteFile }

// Definition returns the tool definition for the LLM.
func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Create a new file or completely replace an existing file's contents. For small changes to existing files prefer edit_file.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Relative path to the file within the repository"},
				"content": {Type: "string", Description: "Full new contents of the file"},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := utils.SafeAssert[string](args["path"])
	if !ok || path == "" {
		return errorResult("path is required and must be a string"), nil
	}
	content, ok := utils.SafeAssert[string](args["content"])
	if !ok {
		return errorResult("content is required and must be a string"), nil
	}

	// Policy check before any mutation.
	if err := t.ws.Policy().CheckWrite(path, len(content)); err != nil {
		return errorResult(err.Error()), nil
	}

	abs, err := t.ws.ResolvePath(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	action := ActionCreate
	if _, statErr := os.Stat(abs); statErr == nil {
		action = ActionModify
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errorResult(fmt.Sprintf("failed to create parent directory: %v", err)), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return errorResult(fmt.Sprintf("failed to write %s: %v", path, err)), nil
	}

	t.ws.RecordChange(FileChange{Path: path, Content: content, Action: action})

	return jsonResult(map[string]any{
		"success": true,
		"path":    path,
		"action":  string(action),
		"bytes":   len(content),
	}), nil
}

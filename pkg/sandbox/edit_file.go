package sandbox

import (
	"context"
	"fmt"
	"os"

	"relay/pkg/utils"
)

// EditFileTool performs targeted old-string → new-string replacements.
type EditFileTool struct {
	ws *Workspace
}

// NewEditFileTool creates a new edit_file tool.
func NewEditFileTool(ws *Workspace) *EditFileTool {
	return &EditFileTool{ws: ws}
}

// Name returns the tool name.
func (t *EditFileTool) Name() string { return ToolEditFile }

// Definition returns the tool definition for the LLM.
func (t *EditFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolEditFile,
		Description: "Replace a specific string in a file with new content. The old_string should match exactly one location; minor whitespace drift is tolerated. Use this for targeted edits instead of rewriting entire files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Relative path to the file within the repository"},
				"old_string": {Type: "string", Description: "The string to find in the file"},
				"new_string": {Type: "string", Description: "The replacement string. Use empty string to delete the matched text."},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *EditFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := utils.SafeAssert[string](args["path"])
	if !ok || path == "" {
		return errorResult("path is required and must be a string"), nil
	}
	oldString, ok := utils.SafeAssert[string](args["old_string"])
	if !ok || oldString == "" {
		return errorResult("old_string is required and must be a non-empty string"), nil
	}
	// new_string can be empty (deletion), so just check the type.
	newString, ok := utils.SafeAssert[string](args["new_string"])
	if !ok {
		return errorResult("new_string is required and must be a string"), nil
	}

	abs, err := t.ws.ResolvePath(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult(fmt.Sprintf("file not found or not readable: %s", path)), nil
	}
	content := string(data)

	match, err := matchOldString(content, oldString)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	newContent := content[:match.start] + newString + content[match.end:]
	if newContent == content {
		return errorResult("edit produces no change: old_string and new_string are effectively identical"), nil
	}

	// Policy check covers the resulting content, not just the delta.
	if err := t.ws.Policy().CheckWrite(path, len(newContent)); err != nil {
		return errorResult(err.Error()), nil
	}

	if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
		return errorResult(fmt.Sprintf("failed to write %s: %v", path, err)), nil
	}

	t.ws.RecordChange(FileChange{Path: path, Content: newContent, Action: ActionModify})

	return jsonResult(map[string]any{
		"success":  true,
		"path":     path,
		"strategy": string(match.strategy),
		"message":  "Edit applied successfully",
	}), nil
}

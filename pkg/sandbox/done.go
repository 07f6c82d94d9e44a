package sandbox

import (
	"context"

	"relay/pkg/utils"
)

// DoneTool is the terminal operation: it mutates nothing and instead records
// structured completion metadata for the run. The turn loop treats a done
// call as the exit signal.
type DoneTool struct {
	ws *Workspace
}

// NewDoneTool creates a new done tool.
func NewDoneTool(ws *Workspace) *DoneTool {
	return &DoneTool{ws: ws}
}

// Name returns the tool name.
func (t *DoneTool) Name() string { return ToolDone }

// Definition returns the tool definition for the LLM.
func (t *DoneTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolDone,
		Description: "Declare the task complete. Call this exactly once, after all file changes are made, with a summary and the commit/PR metadata.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"summary":        {Type: "string", Description: "Short summary of what was changed and why"},
				"commit_message": {Type: "string", Description: "Commit message for the change set"},
				"pr_title":       {Type: "string", Description: "Pull request title"},
				"pr_description": {Type: "string", Description: "Pull request description in markdown"},
			},
			Required: []string{"summary", "commit_message"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *DoneTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	summary, ok := utils.SafeAssert[string](args["summary"])
	if !ok || summary == "" {
		return errorResult("summary is required and must be a string"), nil
	}
	commitMessage, ok := utils.SafeAssert[string](args["commit_message"])
	if !ok || commitMessage == "" {
		return errorResult("commit_message is required and must be a string"), nil
	}
	prTitle, _ := utils.SafeAssert[string](args["pr_title"])
	prDescription, _ := utils.SafeAssert[string](args["pr_description"])

	t.ws.SetCompletion(&Completion{
		Summary:       summary,
		CommitMessage: commitMessage,
		PRTitle:       prTitle,
		PRDescription: prDescription,
	})

	return jsonResult(map[string]any{
		"success": true,
		"message": "completion recorded",
	}), nil
}

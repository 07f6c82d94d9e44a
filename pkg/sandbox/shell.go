package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"relay/pkg/logx"
	"relay/pkg/utils"
)

// defaultShellTimeout bounds a single shell invocation.
const defaultShellTimeout = 120 * time.Second

// maxShellOutputBytes caps how much stdout/stderr is returned to the model.
const maxShellOutputBytes = 64 * 1024

// ShellTool runs a shell command in the workspace root.
type ShellTool struct {
	ws     *Workspace
	logger *logx.Logger
}

// NewShellTool creates a new shell tool.
func NewShellTool(ws *Workspace) *ShellTool {
	return &ShellTool{
		ws:     ws,
		logger: logx.NewLogger("sandbox-shell"),
	}
}

// Name returns the tool name.
func (t *ShellTool) Name() string { return ToolShell }

// Definition returns the tool definition for the LLM.
func (t *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolShell,
		Description: "Run a shell command in the repository root. Use for builds, tests, and git inspection. Destructive commands are blocked by policy.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command":         {Type: "string", Description: "The shell command to run"},
				"timeout_seconds": {Type: "number", Description: "Optional timeout, default 120"},
			},
			Required: []string{"command"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, ok := utils.SafeAssert[string](args["command"])
	if !ok || command == "" {
		return errorResult("command is required and must be a string"), nil
	}

	if err := t.ws.Policy().CheckShellCommand(command); err != nil {
		return errorResult(err.Error()), nil
	}

	timeout := defaultShellTimeout
	if secs, ok := utils.SafeAssert[float64](args["timeout_seconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.ws.Root()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if runCtx.Err() == context.DeadlineExceeded {
			return errorResult(fmt.Sprintf("command timed out after %s", timeout)), nil
		} else {
			return errorResult(fmt.Sprintf("failed to run command: %v", err)), nil
		}
	}

	t.logger.Debug("shell command %q exited %d in %.2fs", command, exitCode, duration.Seconds())

	return jsonResult(map[string]any{
		"success":   exitCode == 0,
		"exit_code": exitCode,
		"stdout":    truncateOutput(stdout.String()),
		"stderr":    truncateOutput(stderr.String()),
	}), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutputBytes {
		return s
	}
	return s[:maxShellOutputBytes] + fmt.Sprintf("\n... [%d bytes truncated]", len(s)-maxShellOutputBytes)
}

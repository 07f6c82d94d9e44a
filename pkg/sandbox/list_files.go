package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"relay/pkg/utils"
)

// skipDirs are never descended into when walking the workspace.
//
//nolint:gochecknoglobals // Static walk exclusions
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".relay":       true,
	"vendor":       true,
}

// ListFilesTool lists workspace files matching a glob pattern.
type ListFilesTool struct {
	ws *Workspace
}

// NewListFilesTool creates a new list_files tool.
func NewListFilesTool(ws *Workspace) *ListFilesTool {
	return &ListFilesTool{ws: ws}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string { return ToolListFiles }

// Definition returns the tool definition for the LLM.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List repository files matching a glob pattern. ** matches any number of directories, * matches within one path segment. Use pattern \"**\" to list everything.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Glob pattern, e.g. \"src/**/*.ts\""},
			},
			Required: []string{"pattern"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	pattern, ok := utils.SafeAssert[string](args["pattern"])
	if !ok || pattern == "" {
		return errorResult("pattern is required and must be a string"), nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return errorResult(fmt.Sprintf("invalid glob pattern: %s", pattern)), nil
	}

	var matches []string
	err := filepath.WalkDir(t.ws.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(t.ws.Root(), path)
		if relErr != nil {
			return nil //nolint:nilerr // outside workspace, skip
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return errorResult(fmt.Sprintf("failed to walk workspace: %v", err)), nil
	}

	capped, overflow := capResults(matches, t.ws.Policy().MaxResults())

	resp := map[string]any{
		"success": true,
		"pattern": pattern,
		"files":   capped,
		"count":   len(matches),
	}
	if overflow > 0 {
		resp["summary"] = fmt.Sprintf("showing first %d of %d matches (%d more omitted)", len(capped), len(matches), overflow)
	}
	return jsonResult(resp), nil
}

// capResults truncates results to the cap and reports how many were omitted.
// Excess results are summarized with a count rather than dropped silently.
func capResults(results []string, maxResults int) ([]string, int) {
	if len(results) <= maxResults {
		return results, 0
	}
	return results[:maxResults], len(results) - maxResults
}

// isTextFile is a cheap binary sniff: NUL byte in the first chunk means skip.
func isTextFile(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	return !strings.ContainsRune(string(data[:limit]), '\x00')
}

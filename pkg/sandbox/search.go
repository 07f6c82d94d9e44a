package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"relay/pkg/utils"
)

// maxSearchFileBytes skips files larger than this during search.
const maxSearchFileBytes = 1024 * 1024

// SearchTool searches workspace file contents by regular expression.
type SearchTool struct {
	ws *Workspace
}

// NewSearchTool creates a new search tool.
func NewSearchTool(ws *Workspace) *SearchTool {
	return &SearchTool{ws: ws}
}

// Name returns the tool name.
func (t *SearchTool) Name() string { return ToolSearch }

// Definition returns the tool definition for the LLM.
func (t *SearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolSearch,
		Description: "Search file contents with a regular expression. Returns matching lines with file paths and line numbers.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern":   {Type: "string", Description: "Regular expression to search for"},
				"path_glob": {Type: "string", Description: "Optional glob restricting which files are searched"},
			},
			Required: []string{"pattern"},
		},
	}
}

// searchHit is one matching line.
type searchHit struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Exec executes the tool with the given arguments.
func (t *SearchTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	pattern, ok := utils.SafeAssert[string](args["pattern"])
	if !ok || pattern == "" {
		return errorResult("pattern is required and must be a string"), nil
	}
	pathGlob, _ := utils.SafeAssert[string](args["path_glob"])

	re, err := regexp.Compile(pattern)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid regular expression: %v", err)), nil
	}

	var hits []searchHit
	total := 0
	walkErr := filepath.WalkDir(t.ws.Root(), func(path string, d fs.DirEntry, err error) error {
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
		if pathGlob != "" {
			if matched, _ := doublestar.Match(pathGlob, rel); !matched {
				return nil
			}
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxSearchFileBytes {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil || !isTextFile(data) {
			return nil
		}

		for num, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				total++
				if len(hits) < t.ws.Policy().MaxResults() {
					hits = append(hits, searchHit{Path: rel, Line: num + 1, Text: strings.TrimRight(line, "\r")})
				}
			}
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return errorResult(fmt.Sprintf("search failed: %v", walkErr)), nil
	}

	resp := map[string]any{
		"success": true,
		"pattern": pattern,
		"matches": hits,
		"count":   total,
	}
	if total > len(hits) {
		resp["summary"] = fmt.Sprintf("showing first %d of %d matches (%d more omitted)", len(hits), total, total-len(hits))
	}
	return jsonResult(resp), nil
}

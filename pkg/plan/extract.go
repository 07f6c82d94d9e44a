package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractStrategy identifies which parsing strategy produced a plan.
type ExtractStrategy string

const (
	ExtractDirect     ExtractStrategy = "direct"
	ExtractFenced     ExtractStrategy = "fenced-block"
	ExtractBraceScan  ExtractStrategy = "brace-scan"
	ExtractBraceSlice ExtractStrategy = "brace-slice"
	ExtractMarkdown   ExtractStrategy = "markdown"
)

//nolint:gochecknoglobals // Static extraction patterns
var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
	// A markdown header or bold line naming something path-shaped.
	mdFileHeaderRe = regexp.MustCompile(`(?m)^(?:#{1,4}\s+|\*\*)\x60?([\w./-]+\.[\w]+)\x60?(?:\*\*)?\s*$`)
)

// Extract parses a JSON plan object out of free-form model text. Strategies
// are tried in order; the first one yielding a structurally valid object
// wins. Returns the plan and the strategy that produced it.
func Extract(text string) (*Plan, ExtractStrategy, error) {
	// Strategy 1: the whole response is the JSON object.
	if p := tryParse(strings.TrimSpace(text)); p != nil {
		return p, ExtractDirect, nil
	}

	// Strategy 2: fenced code blocks.
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		if p := tryParse(strings.TrimSpace(m[1])); p != nil {
			return p, ExtractFenced, nil
		}
	}

	// Strategy 3: balanced-brace scan for an object containing a "files" key.
	for _, candidate := range scanBalancedObjects(text) {
		if !gjson.Valid(candidate) || !gjson.Get(candidate, "files").Exists() {
			continue
		}
		if p := tryParse(candidate); p != nil {
			return p, ExtractBraceScan, nil
		}
	}

	// Strategy 4: first brace to last brace.
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first >= 0 && last > first {
		if p := tryParse(text[first : last+1]); p != nil {
			return p, ExtractBraceSlice, nil
		}
	}

	// Strategy 5: markdown structure - file-path headers followed by fences.
	if p := parseMarkdownPlan(text); p != nil {
		return p, ExtractMarkdown, nil
	}

	return nil, "", fmt.Errorf("no JSON plan object found in response (%d chars)", len(text))
}

// tryParse unmarshals a candidate and checks minimal structure.
func tryParse(candidate string) *Plan {
	if candidate == "" || candidate[0] != '{' {
		return nil
	}
	var p Plan
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return nil
	}
	if p.Summary == "" && len(p.Files) == 0 {
		return nil
	}
	p.Complexity = normalizeComplexity(p.Complexity)
	return &p
}

// scanBalancedObjects walks the text tracking string state and escape
// sequences so braces inside string literals do not miscount, and returns
// every top-level balanced {...} slice found.
func scanBalancedObjects(text string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, text[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// parseMarkdownPlan recovers a plan from markdown where each file appears as
// a path-shaped header followed by prose or a code fence describing changes.
func parseMarkdownPlan(text string) *Plan {
	headers := mdFileHeaderRe.FindAllStringSubmatchIndex(text, -1)
	if len(headers) == 0 {
		return nil
	}

	p := &Plan{Complexity: ComplexityMedium}
	for i, loc := range headers {
		path := text[loc[2]:loc[3]]
		sectionEnd := len(text)
		if i+1 < len(headers) {
			sectionEnd = headers[i+1][0]
		}
		section := text[loc[1]:sectionEnd]
		p.Files = append(p.Files, File{
			Path:    path,
			Changes: strings.TrimSpace(section),
		})
	}

	// Whatever precedes the first header serves as the summary.
	summary := strings.TrimSpace(text[:headers[0][0]])
	if idx := strings.IndexByte(summary, '\n'); idx > 0 {
		summary = summary[:idx]
	}
	p.Summary = summary
	if p.Summary == "" {
		p.Summary = fmt.Sprintf("Plan touching %d files", len(p.Files))
	}
	return p
}

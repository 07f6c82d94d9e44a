package sandbox

import (
	"fmt"
	"strings"
)

// MatchStrategy identifies which tier of edit matching located the target.
type MatchStrategy string

const (
	// MatchExact is a verbatim substring match.
	MatchExact MatchStrategy = "exact"
	// MatchNormalized matches after normalizing line endings, trailing
	// whitespace, and repeated blank lines. Tolerates the whitespace drift
	// common in model-authored old strings.
	MatchNormalized MatchStrategy = "whitespace-normalized"
	// MatchAnchor locates only the first and last line of the target and
	// takes everything between them.
	MatchAnchor MatchStrategy = "anchor"
)

// anchorWindowSlack bounds how many extra lines the anchor strategy will scan
// past the target's own length when looking for the closing line.
const anchorWindowSlack = 20

// editMatch is a located target span in the original content.
type editMatch struct {
	start    int
	end      int
	strategy MatchStrategy
}

// matchOldString locates oldString in content using three tiers in order.
// The returned span always indexes the ORIGINAL content so the replacement
// preserves untouched bytes exactly.
func matchOldString(content, oldString string) (*editMatch, error) {
	// Tier 1: exact substring. Must be unique - an ambiguous target would
	// make the edit land somewhere the model did not intend.
	switch count := strings.Count(content, oldString); {
	case count == 1:
		start := strings.Index(content, oldString)
		return &editMatch{start: start, end: start + len(oldString), strategy: MatchExact}, nil
	case count > 1:
		return nil, fmt.Errorf("old_string matches %d locations; include more surrounding context to make it unique", count)
	}

	// Tier 2: whitespace-normalized line sequence.
	if m := matchNormalized(content, oldString); m != nil {
		return m, nil
	}

	// Tier 3: first/last line anchors within a bounded window.
	if m := matchAnchored(content, oldString); m != nil {
		return m, nil
	}

	return nil, fmt.Errorf("old_string not found in file. %s", nearestLineHint(content, oldString))
}

// lineSpan records where a content line sits in the original byte stream.
type lineSpan struct {
	text  string
	start int
	end   int // exclusive, not including the newline
}

func splitSpans(content string) []lineSpan {
	var spans []lineSpan
	start := 0
	for i := 0; i <= len(content); i++ {
		if i == len(content) || content[i] == '\n' {
			spans = append(spans, lineSpan{text: content[start:i], start: start, end: i})
			start = i + 1
		}
	}
	return spans
}

// normalizeLine strips carriage returns and trailing whitespace.
func normalizeLine(line string) string {
	return strings.TrimRight(strings.TrimSuffix(line, "\r"), " \t")
}

// normalizedSeq returns normalized lines plus the index of the original span
// each came from. Runs of blank lines collapse to a single empty entry.
func normalizedSeq(spans []lineSpan) (lines []string, origIdx []int) {
	prevBlank := false
	for i := range spans {
		norm := normalizeLine(spans[i].text)
		blank := norm == ""
		if blank && prevBlank {
			continue
		}
		lines = append(lines, norm)
		origIdx = append(origIdx, i)
		prevBlank = blank
	}
	return lines, origIdx
}

func matchNormalized(content, oldString string) *editMatch {
	contentSpans := splitSpans(content)
	targetSpans := splitSpans(oldString)

	contentLines, origIdx := normalizedSeq(contentSpans)
	targetLines, _ := normalizedSeq(targetSpans)
	if len(targetLines) == 0 || len(targetLines) > len(contentLines) {
		return nil
	}

	for i := 0; i+len(targetLines) <= len(contentLines); i++ {
		matched := true
		for j := range targetLines {
			if contentLines[i+j] != targetLines[j] {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		first := contentSpans[origIdx[i]]
		last := contentSpans[origIdx[i+len(targetLines)-1]]
		return &editMatch{start: first.start, end: last.end, strategy: MatchNormalized}
	}
	return nil
}

func matchAnchored(content, oldString string) *editMatch {
	targetLines := strings.Split(strings.ReplaceAll(oldString, "\r\n", "\n"), "\n")
	if len(targetLines) < 2 {
		return nil
	}
	firstAnchor := strings.TrimSpace(targetLines[0])
	lastAnchor := strings.TrimSpace(targetLines[len(targetLines)-1])
	if firstAnchor == "" || lastAnchor == "" {
		return nil
	}

	spans := splitSpans(content)
	window := len(targetLines) + anchorWindowSlack

	for i := range spans {
		if strings.TrimSpace(spans[i].text) != firstAnchor {
			continue
		}
		limit := i + window
		if limit > len(spans) {
			limit = len(spans)
		}
		for j := i + 1; j < limit; j++ {
			if strings.TrimSpace(spans[j].text) == lastAnchor {
				return &editMatch{start: spans[i].start, end: spans[j].end, strategy: MatchAnchor}
			}
		}
	}
	return nil
}

// nearestLineHint finds the content line most similar to the target's first
// line, to help a retrying model correct its old_string.
func nearestLineHint(content, oldString string) string {
	targetLine := strings.TrimSpace(strings.SplitN(oldString, "\n", 2)[0])
	if targetLine == "" {
		return "Make sure old_string matches the file content exactly."
	}

	bestScore := 0.0
	bestLine := ""
	bestNum := 0
	for num, line := range strings.Split(content, "\n") {
		score := lineSimilarity(targetLine, strings.TrimSpace(line))
		if score > bestScore {
			bestScore = score
			bestLine = strings.TrimSpace(line)
			bestNum = num + 1
		}
	}

	if bestScore < 0.5 {
		return "No similar line found; make sure old_string matches the file content exactly."
	}
	return fmt.Sprintf("Nearest similar line is %d: %q", bestNum, bestLine)
}

// lineSimilarity scores two lines by shared token overlap in [0,1].
func lineSimilarity(a, b string) float64 {
	if a == b && a != "" {
		return 1.0
	}
	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	set := make(map[string]bool, len(aTokens))
	for _, t := range aTokens {
		set[t] = true
	}
	shared := 0
	for _, t := range bTokens {
		if set[t] {
			shared++
		}
	}
	max := len(aTokens)
	if len(bTokens) > max {
		max = len(bTokens)
	}
	return float64(shared) / float64(max)
}

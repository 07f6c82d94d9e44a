package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const editFixture = `package main

import "fmt"

func main() {
	fmt.Println("hello")
	fmt.Println("world")
}
`

func TestMatchExactUnique(t *testing.T) {
	m, err := matchOldString(editFixture, `fmt.Println("hello")`)
	require.NoError(t, err)
	assert.Equal(t, MatchExact, m.strategy)
	assert.Equal(t, `fmt.Println("hello")`, editFixture[m.start:m.end])
}

func TestMatchExactAmbiguous(t *testing.T) {
	content := "x = 1\nx = 1\n"
	_, err := matchOldString(content, "x = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 locations")
}

func TestMatchNormalizedToleratesTrailingWhitespace(t *testing.T) {
	// The model reproduced the block with trailing spaces and CRLF endings.
	target := "func main() {  \r\n\tfmt.Println(\"hello\")\t"
	m, err := matchOldString(editFixture, target)
	require.NoError(t, err)
	assert.Equal(t, MatchNormalized, m.strategy)
	// The span indexes the original content, not the normalized form.
	assert.Equal(t, "func main() {\n\tfmt.Println(\"hello\")", editFixture[m.start:m.end])
}

func TestMatchNormalizedCollapsesBlankRuns(t *testing.T) {
	content := "a\n\n\n\nb\n"
	m, err := matchOldString(content, "a\n\nb")
	require.NoError(t, err)
	assert.Equal(t, MatchNormalized, m.strategy)
	assert.Equal(t, "a\n\n\n\nb", content[m.start:m.end])
}

func TestMatchAnchorFallback(t *testing.T) {
	// Interior lines are wrong, but the first and last lines pin the span.
	target := "func main() {\n\tsomething.Completely(\"different\")\n}"
	m, err := matchOldString(editFixture, target)
	require.NoError(t, err)
	assert.Equal(t, MatchAnchor, m.strategy)
	matched := editFixture[m.start:m.end]
	assert.True(t, strings.HasPrefix(matched, "func main() {"))
	assert.True(t, strings.HasSuffix(matched, "}"))
}

func TestMatchAnchorWindowBound(t *testing.T) {
	// The closing anchor exists but far beyond the window; the match fails
	// rather than swallowing half the file.
	var b strings.Builder
	b.WriteString("start line\n")
	for i := 0; i < 100; i++ {
		b.WriteString("filler\n")
	}
	b.WriteString("end line\n")

	_, err := matchOldString(b.String(), "start line\nmiddle\nend line")
	require.Error(t, err)
}

func TestMatchNotFoundIncludesNearestLineHint(t *testing.T) {
	_, err := matchOldString(editFixture, `import "fmtt"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nearest similar line")
}

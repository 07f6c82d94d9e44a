package plan

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
	"relay/pkg/sandbox"
)

func testPolicy() *sandbox.Policy {
	return sandbox.NewPolicy(config.PolicyConfig{
		ProtectedPaths:      []string{".env", ".env.*", "**/*.pem", ".github/workflows/**", "secrets/**"},
		MaxWriteBytes:       1024,
		MaxFilesPerPlan:     5,
		MinFilesPerPlan:     2,
		RequireNonEmptyPlan: true,
	})
}

func planWithFiles(paths ...string) *Plan {
	p := &Plan{Summary: "test plan"}
	for _, path := range paths {
		p.Files = append(p.Files, File{Path: path})
	}
	return p
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	res, err := Validate(planWithFiles("a.go", "b.go"), testPolicy())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.False(t, res.Truncated)
}

func TestValidateRejectsMissingSummary(t *testing.T) {
	p := planWithFiles("a.go", "b.go")
	p.Summary = ""
	_, err := Validate(p, testPolicy())
	require.Error(t, err)
}

func TestValidateRejectsBelowMinimum(t *testing.T) {
	_, err := Validate(planWithFiles("a.go"), testPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the minimum")
}

func TestValidateTruncatesAboveMaximum(t *testing.T) {
	var paths []string
	for i := 0; i < 8; i++ {
		paths = append(paths, fmt.Sprintf("file%d.go", i))
	}
	p := planWithFiles(paths...)

	res, err := Validate(p, testPolicy())
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Warnings, 1)
	// Truncation keeps the head of the list in order.
	assert.Len(t, p.Files, 5)
	assert.Equal(t, "file0.go", p.Files[0].Path)
	assert.Equal(t, "file4.go", p.Files[4].Path)
}

func TestValidateRejectsProtectedPaths(t *testing.T) {
	for _, path := range []string{".env", ".env.production", "certs/server.pem", ".github/workflows/ci.yml", "secrets/db.txt"} {
		_, err := Validate(planWithFiles(path, "ok.go"), testPolicy())
		require.Error(t, err, "path %s should be rejected", path)
		assert.Contains(t, err.Error(), "protected path")
	}
}

func TestValidateResultRejectsEmptyChangeSet(t *testing.T) {
	_, err := ValidateResult(nil, planWithFiles("a.go", "b.go"), testPolicy())
	require.Error(t, err)
}

func TestValidateResultRejectsOversizedContent(t *testing.T) {
	changes := []sandbox.FileChange{
		{Path: "big.go", Content: strings.Repeat("x", 2048), Action: sandbox.ActionModify},
	}
	_, err := ValidateResult(changes, nil, testPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "byte ceiling")
}

func TestValidateResultDeleteSkipsSizeCheck(t *testing.T) {
	changes := []sandbox.FileChange{
		{Path: "old.go", Content: strings.Repeat("x", 2048), Action: sandbox.ActionDelete},
	}
	_, err := ValidateResult(changes, nil, testPolicy())
	require.NoError(t, err)
}

func TestValidateResultDriftIsWarningsNotErrors(t *testing.T) {
	p := planWithFiles("planned.go", "both.go")
	changes := []sandbox.FileChange{
		{Path: "both.go", Content: "ok", Action: sandbox.ActionModify},
		{Path: "surprise.go", Content: "ok", Action: sandbox.ActionCreate},
	}
	res, err := ValidateResult(changes, p, testPolicy())
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
}

func TestValidateResultProtectedPathIsHardFailure(t *testing.T) {
	changes := []sandbox.FileChange{
		{Path: ".env", Content: "SECRET=1", Action: sandbox.ActionModify},
	}
	_, err := ValidateResult(changes, nil, testPolicy())
	require.Error(t, err)
}

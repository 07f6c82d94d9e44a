package plan

import (
	"fmt"

	"relay/pkg/sandbox"
)

// ValidationResult reports the non-fatal outcomes of validation.
type ValidationResult struct {
	Warnings  []string
	Truncated bool
}

// Validate checks a parsed plan against the policy. The plan may be mutated:
// a file list exceeding the ceiling is truncated in place (preserving order)
// rather than rejected. Protected paths and a below-minimum file count are
// hard rejections.
func Validate(p *Plan, policy *sandbox.Policy) (*ValidationResult, error) {
	res := &ValidationResult{}

	if p.Summary == "" {
		return nil, fmt.Errorf("plan has no summary")
	}
	if policy.RequireNonEmptyPlan() && len(p.Files) == 0 {
		return nil, fmt.Errorf("plan has no files")
	}
	if min := policy.MinFilesPerPlan(); len(p.Files) < min {
		return nil, fmt.Errorf("plan has %d files, below the minimum of %d", len(p.Files), min)
	}
	if max := policy.MaxFilesPerPlan(); max > 0 && len(p.Files) > max {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("plan had %d files, truncated to the first %d", len(p.Files), max))
		p.Files = p.Files[:max]
		res.Truncated = true
	}

	for i := range p.Files {
		f := &p.Files[i]
		if f.Path == "" {
			return nil, fmt.Errorf("plan file entry %d has no path", i)
		}
		if matched, pattern := policy.MatchProtectedPath(f.Path); matched {
			return nil, fmt.Errorf("plan targets protected path %q (pattern %q)", f.Path, pattern)
		}
	}

	return res, nil
}

// ValidateResult checks an execution change set. Protected paths and
// oversized files are hard rejections; drift between the plan and the actual
// change set (files planned but untouched, or touched but unplanned) is
// tolerated and reported as warnings.
func ValidateResult(changes []sandbox.FileChange, p *Plan, policy *sandbox.Policy) (*ValidationResult, error) {
	res := &ValidationResult{}

	if len(changes) == 0 {
		return nil, fmt.Errorf("execution produced no file changes")
	}

	for i := range changes {
		fc := &changes[i]
		if fc.Path == "" {
			return nil, fmt.Errorf("file change %d has no path", i)
		}
		if matched, pattern := policy.MatchProtectedPath(fc.Path); matched {
			return nil, fmt.Errorf("change targets protected path %q (pattern %q)", fc.Path, pattern)
		}
		if fc.Action != sandbox.ActionDelete && len(fc.Content) > policy.MaxWriteBytes() {
			return nil, fmt.Errorf("file %q content size %d exceeds the %d byte ceiling",
				fc.Path, len(fc.Content), policy.MaxWriteBytes())
		}
	}

	if p != nil {
		planned := make(map[string]bool, len(p.Files))
		for i := range p.Files {
			planned[p.Files[i].Path] = true
		}
		actual := make(map[string]bool, len(changes))
		for i := range changes {
			actual[changes[i].Path] = true
		}

		for path := range planned {
			if !actual[path] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("planned file %q was not modified", path))
			}
		}
		for path := range actual {
			if !planned[path] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("file %q was modified but not in the plan", path))
			}
		}
	}

	return res, nil
}

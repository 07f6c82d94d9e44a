package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"relay/pkg/config"
)

// Policy enforces the safety rules shared by the tool sandbox and the plan
// validator: protected paths, write-size ceilings, and shell command checks.
// Both components must consult the same Policy instance so a path rejected by
// one is rejected by the other.
type Policy struct {
	cfg config.PolicyConfig
}

// NewPolicy creates a policy from configuration.
func NewPolicy(cfg config.PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// MaxResults returns the glob/search result cap.
func (p *Policy) MaxResults() int {
	if p.cfg.MaxToolResults <= 0 {
		return 100
	}
	return p.cfg.MaxToolResults
}

// MaxFilesPerPlan returns the plan file-count ceiling (0 = unbounded).
func (p *Policy) MaxFilesPerPlan() int { return p.cfg.MaxFilesPerPlan }

// MinFilesPerPlan returns the plan file-count floor.
func (p *Policy) MinFilesPerPlan() int { return p.cfg.MinFilesPerPlan }

// RequireNonEmptyPlan reports whether empty plans are rejected.
func (p *Policy) RequireNonEmptyPlan() bool { return p.cfg.RequireNonEmptyPlan }

// MaxWriteBytes returns the content-size ceiling for a single write.
func (p *Policy) MaxWriteBytes() int { return p.cfg.MaxWriteBytes }

// MatchProtectedPath reports whether the path matches a protected-path
// pattern, and which one. Patterns match in three ways: exact path, path
// suffix (so "id_rsa" covers "keys/id_rsa"), or glob where `**` crosses
// directory boundaries and `*` stays within one segment.
func (p *Policy) MatchProtectedPath(path string) (bool, string) {
	clean := filepath.ToSlash(filepath.Clean(path))
	clean = strings.TrimPrefix(clean, "./")

	for _, pattern := range p.cfg.ProtectedPaths {
		if clean == pattern {
			return true, pattern
		}
		if strings.HasSuffix(clean, "/"+pattern) {
			return true, pattern
		}
		if ok, err := doublestar.Match(pattern, clean); err == nil && ok {
			return true, pattern
		}
	}
	return false, ""
}

// CheckWrite validates a mutating file operation. Returns a human-readable
// violation, or nil if the write is allowed.
func (p *Policy) CheckWrite(path string, contentSize int) error {
	if matched, pattern := p.MatchProtectedPath(path); matched {
		return fmt.Errorf("path %q is protected by pattern %q and may not be modified", path, pattern)
	}
	if contentSize > p.MaxWriteBytes() {
		return fmt.Errorf("content size %d exceeds the %d byte write ceiling", contentSize, p.MaxWriteBytes())
	}
	return nil
}

// CheckShellCommand validates a shell command against the allow list (checked
// first), the blocked-substring list, and quote balance. Malformed quoting
// both fails and can behave unpredictably in a shell, so it is rejected
// before execution rather than left to the shell.
func (p *Policy) CheckShellCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("command cannot be empty")
	}

	for _, allowed := range p.cfg.AllowedCommands {
		if strings.HasPrefix(trimmed, allowed) {
			return p.checkQuoteBalance(command)
		}
	}

	for _, blocked := range p.cfg.BlockedCommands {
		if strings.Contains(command, blocked) {
			return fmt.Errorf("command contains blocked pattern %q", blocked)
		}
	}

	return p.checkQuoteBalance(command)
}

// checkQuoteBalance rejects commands with unmatched single or double quotes.
// Single quotes in POSIX shells have no escape sequences; double quotes honor
// backslash escapes.
func (p *Policy) checkQuoteBalance(command string) error {
	inSingle := false
	inDouble := false
	escaped := false

	for _, r := range command {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if !inSingle {
				escaped = true
			}
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		}
	}

	if inSingle {
		return fmt.Errorf("command has an unmatched single quote")
	}
	if inDouble {
		return fmt.Errorf("command has an unmatched double quote")
	}
	return nil
}

package healer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/fsatomic"
	"github.com/loopwork-ai/loopwork/internal/task"
)

// Severity ranks a matched pattern. It drives monitor accounting, never
// termination.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ActionKind names the corrective action class.
type ActionKind string

const (
	ActionCreateSpecFile ActionKind = "create-spec-file"
	ActionEnhanceTask    ActionKind = "enhance-task"
	ActionClearCache     ActionKind = "clear-opencode-cache"
)

// Action is one executable corrective step derived from a match.
type Action struct {
	ID          string
	Kind        ActionKind
	Pattern     string
	Description string
	Apply       func(ctx context.Context) error
}

// Match is the result of MatchLine.
type Match struct {
	Pattern  string
	Severity Severity
	Line     string
	// Groups holds the regex capture groups, first capture at index 0.
	Groups []string

	src *Pattern
}

// Action builds the corrective action for this match, or nil when the
// pattern is informational.
func (m *Match) Action() *Action {
	if m.src == nil || m.src.AutoAction == nil {
		return nil
	}
	return m.src.AutoAction(*m)
}

// Pattern is one entry in the engine's ordered table.
type Pattern struct {
	Name     string
	Severity Severity
	Regex    *regexp.Regexp
	// AutoAction, when set, turns a match into a corrective action. A nil
	// return means the action does not apply to this particular match.
	AutoAction func(m Match) *Action
}

// Engine matches lines against an ordered pattern list. Ordering is load
// bearing: more specific patterns come before more general ones.
type Engine struct {
	patterns []Pattern
}

// NewEngine returns an engine over the given table.
func NewEngine(patterns []Pattern) *Engine {
	return &Engine{patterns: patterns}
}

// MatchLine returns the first matching pattern or nil.
func (e *Engine) MatchLine(line string) *Match {
	for i := range e.patterns {
		p := &e.patterns[i]
		groups := p.Regex.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		return &Match{
			Pattern:  p.Name,
			Severity: p.Severity,
			Line:     line,
			Groups:   groups[1:],
			src:      p,
		}
	}
	return nil
}

// Patterns exposes the table for the doctor command.
func (e *Engine) Patterns() []Pattern {
	return e.patterns
}

// ActionDeps supplies the collaborators pattern actions need. Nil fields
// disable the corresponding actions.
type ActionDeps struct {
	// SpecRoot anchors relative spec paths from missing-spec matches.
	SpecRoot string
	// Cache clears the opencode install cache.
	Cache *clispec.CacheHandler
	// Tasks receives enhance-task guidance.
	Tasks task.Backend
}

// firstGroup returns the first non-empty capture.
func firstGroup(groups []string) string {
	for _, g := range groups {
		if g != "" {
			return g
		}
	}
	return ""
}

const placeholderSpec = `# Placeholder spec

This file was created automatically because a task referenced it and it did
not exist. Replace this placeholder with the real requirements.
`

// DefaultPatterns builds the standard ordered table. The
// opencode-cache-corruption entry precedes missing-dependency because a
// corrupted cache surfaces as "Cannot find module .../.cache/opencode/...".
func DefaultPatterns(deps ActionDeps) []Pattern {
	return []Pattern{
		{
			Name:     "missing-spec",
			Severity: SeverityHigh,
			Regex:    regexp.MustCompile(`(?i)(?:spec(?:ification)? file not found(?: at)?|no spec file at)[: ]+['"]?([^'"\s]+)`),
			AutoAction: func(m Match) *Action {
				path := firstGroup(m.Groups)
				if path == "" {
					return nil
				}
				return &Action{
					ID:          ulid.Make().String(),
					Kind:        ActionCreateSpecFile,
					Pattern:     m.Pattern,
					Description: fmt.Sprintf("create placeholder spec at %s", path),
					Apply: func(ctx context.Context) error {
						return createPlaceholderSpec(deps.SpecRoot, path)
					},
				}
			},
		},
		{
			Name:     "rate-limit",
			Severity: SeverityWarn,
			Regex:    regexp.MustCompile(`(?i)(?:rate.?limit(?:ed)?|too many requests|\b429\b)`),
		},
		{
			Name:     "env-var-missing",
			Severity: SeverityCritical,
			Regex:    regexp.MustCompile(`(?i)(?:missing (?:required )?env(?:ironment)? var(?:iable)?[: ]+['"]?([A-Za-z_][A-Za-z0-9_]*)|env(?:ironment)? var(?:iable)? ['"]?([A-Za-z_][A-Za-z0-9_]*)['"]? is (?:not set|missing|unset|undefined))`),
		},
		{
			Name:     "repeated-task-failure",
			Severity: SeverityHigh,
			Regex:    regexp.MustCompile(`(?i)task ['"]?([\w.-]+)['"]? (?:has )?failed (\d+) times`),
			AutoAction: func(m Match) *Action {
				if deps.Tasks == nil {
					return nil
				}
				taskID := firstGroup(m.Groups)
				if taskID == "" {
					return nil
				}
				note := fmt.Sprintf("This task failed repeatedly (%s times so far). Re-read the spec for missing constraints or unstated assumptions before retrying.", m.Groups[1])
				return &Action{
					ID:          ulid.Make().String(),
					Kind:        ActionEnhanceTask,
					Pattern:     m.Pattern,
					Description: fmt.Sprintf("append failure guidance to task %s", taskID),
					Apply: func(ctx context.Context) error {
						return deps.Tasks.AppendGuidance(ctx, taskID, note)
					},
				}
			},
		},
		{
			Name:     "execution-timeout",
			Severity: SeverityError,
			Regex:    regexp.MustCompile(`(?i)(?:execution |task )?timed out`),
		},
		{
			Name:     "early-exit-clarification",
			Severity: SeverityWarn,
			Regex:    regexp.MustCompile(`(?i)(?:task ['"]?([\w.-]+)['"]? )?(?:exited (?:early )?(?:asking|with) (?:clarif\w+|questions?)|needs? clarification|clarification requested)`),
			AutoAction: func(m Match) *Action {
				if deps.Tasks == nil {
					return nil
				}
				taskID := firstGroup(m.Groups)
				if taskID == "" {
					return nil
				}
				return &Action{
					ID:          ulid.Make().String(),
					Kind:        ActionEnhanceTask,
					Pattern:     m.Pattern,
					Description: fmt.Sprintf("append clarification request to task %s", taskID),
					Apply: func(ctx context.Context) error {
						return deps.Tasks.AppendGuidance(ctx, taskID,
							"The previous run exited asking clarification questions. Answer them in the task spec so the next run can proceed without stopping.")
					},
				}
			},
		},
		{
			Name:     "permission-denied",
			Severity: SeverityCritical,
			Regex:    regexp.MustCompile(`(?i)(?:permission denied|\bEACCES\b|operation not permitted)`),
		},
		{
			Name:     "opencode-cache-corruption",
			Severity: SeverityHigh,
			Regex:    regexp.MustCompile(`(?i)(?:(?:ENOENT|cannot find module|no such file or directory)[^\n]*\.cache[/\\]opencode|\.cache[/\\]opencode[^\n]*no such file or directory)`),
			AutoAction: func(m Match) *Action {
				if deps.Cache == nil {
					return nil
				}
				return &Action{
					ID:          ulid.Make().String(),
					Kind:        ActionClearCache,
					Pattern:     m.Pattern,
					Description: "clear the opencode install cache",
					Apply: func(ctx context.Context) error {
						_, err := deps.Cache.Clear()
						return err
					},
				}
			},
		},
		{
			Name:     "missing-dependency",
			Severity: SeverityHigh,
			Regex:    regexp.MustCompile(`(?i)(?:cannot find module|module not found|\bMODULE_NOT_FOUND\b|command not found|no such command)`),
		},
		{
			Name:     "network-error",
			Severity: SeverityError,
			Regex:    regexp.MustCompile(`(?i)(?:\bECONNREFUSED\b|\bECONNRESET\b|\bETIMEDOUT\b|\bENOTFOUND\b|fetch failed|network (?:error|unreachable)|connection refused)`),
		},
		{
			Name:     "plugin-error",
			Severity: SeverityWarn,
			Regex:    regexp.MustCompile(`(?i)plugin (?:hook )?(?:failed|error|crashed)`),
		},
		{
			Name:     "breaker-tripped",
			Severity: SeverityHigh,
			Regex:    regexp.MustCompile(`(?i)(?:circuit breaker (?:is )?open(?:ed)?|breaker (?:tripped|opened))`),
		},
	}
}

// createPlaceholderSpec writes the placeholder unless the file already
// exists. Relative paths are anchored at specRoot.
func createPlaceholderSpec(specRoot, path string) error {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return fmt.Errorf("empty spec path")
	}
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(specRoot, clean)
	}
	if _, err := os.Stat(clean); err == nil {
		return nil
	}
	return fsatomic.WriteFile(clean, []byte(placeholderSpec), 0o644)
}

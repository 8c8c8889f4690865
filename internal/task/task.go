// Package task defines the minimal task view the executor borrows and a
// pluggable backend for task persistence. The core never owns tasks; it
// reads them, runs them, and reports status back through the backend.
package task

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a task id is unknown to the backend.
var ErrNotFound = errors.New("task not found")

// Priority routes a task to a pool when it carries no feature tag.
type Priority string

const (
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// NormalizePriority lowercases p and falls back to medium for unknown or
// empty values.
func NormalizePriority(p string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	case PriorityBackground:
		return PriorityBackground
	default:
		return PriorityMedium
	}
}

// Status is the task lifecycle state the backend tracks.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is the read-only view the executor works with. Ownership stays with
// the backend.
type Task struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title,omitempty"`
	Prompt   string   `yaml:"prompt"`
	Priority Priority `yaml:"priority,omitempty"`
	// Feature routes to a same-named pool when one exists.
	Feature string `yaml:"feature,omitempty"`
	Status  Status `yaml:"status,omitempty"`

	Attempts    int `yaml:"attempts,omitempty"`
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Guidance holds hints appended by the healer's recovery path. Each
	// entry is folded into the composed prompt on the next attempt.
	Guidance []string `yaml:"guidance,omitempty"`
}

// Exhausted reports whether the task has used up its attempt budget. Zero
// MaxAttempts means unlimited.
func (t Task) Exhausted() bool {
	return t.MaxAttempts > 0 && t.Attempts >= t.MaxAttempts
}

// PromptText renders the full prompt body: title, prompt, then any guidance
// notes under a marker heading.
func (t Task) PromptText() string {
	var b strings.Builder
	if title := strings.TrimSpace(t.Title); title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimRight(t.Prompt, "\n"))
	if len(t.Guidance) > 0 {
		b.WriteString("\n\n## Guidance from previous attempts\n")
		for _, g := range t.Guidance {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(g))
		}
	}
	b.WriteString("\n")
	return b.String()
}

// Backend persists tasks. Implementations must be safe for concurrent use.
type Backend interface {
	// Pending returns tasks in pending status, in file order.
	Pending(ctx context.Context) ([]Task, error)
	// Get returns the task with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)
	// SetStatus transitions the task's lifecycle state.
	SetStatus(ctx context.Context, id string, status Status) error
	// RecordAttempt increments the task's attempt counter.
	RecordAttempt(ctx context.Context, id string) error
	// AppendGuidance attaches a recovery hint for the next attempt.
	AppendGuidance(ctx context.Context, id, note string) error
}

// Package model holds the immutable model-configuration view shared by the
// selector, the CLI strategy layer, and the executor.
package model

import (
	"strings"
	"time"
)

// Config describes one invocable model: which CLI drives it, the concrete
// model identifier passed to that CLI, and per-model invocation knobs.
// Configs are immutable once loaded; consumers clone before retaining.
type Config struct {
	// Name is the logical, unique name used for retry accounting and
	// breaker keys.
	Name string `json:"name" yaml:"name"`

	// DisplayName is the human-facing name used in error strings and logs.
	// Defaults to Name when empty.
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	// Kind is the cli-kind tag (claude, opencode, gemini, droid, crush,
	// kimi, kilocode, or a user-registered kind). Stored lowercase.
	Kind string `json:"kind" yaml:"kind"`

	// Model is the concrete model identifier handed to the CLI.
	Model string `json:"model" yaml:"model"`

	// ExtraArgs are appended to the kind's argv template.
	ExtraArgs []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`

	// Env overrides applied to the child environment for this model.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout overrides the per-invocation timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// CostWeight orders models for the cost-aware strategy; lower is
	// cheaper. Nil means unspecified (treated as DefaultCostWeight).
	CostWeight *int `json:"cost_weight,omitempty" yaml:"cost_weight,omitempty"`

	// Enabled gates whether the selector considers this model at all.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultCostWeight is assumed for configs that do not set CostWeight.
const DefaultCostWeight = 50

// Display returns DisplayName, falling back to Name.
func (c Config) Display() string {
	if s := strings.TrimSpace(c.DisplayName); s != "" {
		return s
	}
	return c.Name
}

// Cost returns the effective cost weight.
func (c Config) Cost() int {
	if c.CostWeight == nil {
		return DefaultCostWeight
	}
	return *c.CostWeight
}

// Clone returns a deep copy safe to retain across mutations of the source.
func (c Config) Clone() Config {
	out := c
	out.ExtraArgs = append([]string{}, c.ExtraArgs...)
	if c.Env != nil {
		env := make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		out.Env = env
	}
	if c.CostWeight != nil {
		w := *c.CostWeight
		out.CostWeight = &w
	}
	return out
}

// CloneAll deep-copies a config slice.
func CloneAll(in []Config) []Config {
	out := make([]Config, 0, len(in))
	for _, c := range in {
		out = append(out, c.Clone())
	}
	return out
}

// Package clispec describes how each supported CLI kind is launched: its
// argv template, prompt channel, environment mutations, and the vendor
// regexes that classify rate-limit and quota output.
package clispec

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/loopwork-ai/loopwork/internal/looperr"
)

// StdinMode says where the prompt travels.
type StdinMode string

const (
	// StdinPrompt writes the prompt to the child's stdin and closes it.
	StdinPrompt StdinMode = "prompt"
	// StdinNone passes the prompt inside argv; stdin stays closed.
	StdinNone StdinMode = "none"
)

// Spec is the launch contract for one CLI kind.
type Spec struct {
	Key               string
	Aliases           []string
	DisplayName       string
	DefaultExecutable string
	StdinMode         StdinMode
	// BuildArgs renders argv for (model, prompt, extra). The prompt is
	// only placed in argv for StdinNone kinds.
	BuildArgs func(model, prompt string, extra []string) []string
	// MutateEnv applies the kind's default env mutations on top of the
	// caller-merged environment. permissions is the per-invocation map.
	MutateEnv func(env map[string]string, permissions map[string]string)
	// RateLimit and Quota classify child output.
	RateLimit []*regexp.Regexp
	Quota     []*regexp.Regexp
}

// PathEnv is the per-kind executable override variable, e.g.
// LOOPWORK_CLAUDE_PATH.
func (s Spec) PathEnv() string {
	return "LOOPWORK_" + strings.ToUpper(s.Key) + "_PATH"
}

// MatchesRateLimit reports whether output trips a rate-limit pattern.
func (s Spec) MatchesRateLimit(output string) bool {
	return matchAny(s.RateLimit, output)
}

// MatchesQuota reports whether output trips a quota/billing pattern.
func (s Spec) MatchesQuota(output string) bool {
	return matchAny(s.Quota, output)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ResolveExecutable finds the binary for this kind: the PathEnv override
// wins, then the configured path, then PATH lookup of the default
// executable. A miss is a CliNotFoundError.
func (s Spec) ResolveExecutable(configured string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(s.PathEnv())); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(configured); p != "" {
		return p, nil
	}
	p, err := exec.LookPath(s.DefaultExecutable)
	if err != nil {
		return "", looperr.NewCliNotFound(s.Key)
	}
	return p, nil
}

var (
	aliasOnce  sync.Once
	aliasIndex map[string]string

	regMu      sync.RWMutex
	registered = map[string]Spec{}
)

func builtinAliases() map[string]string {
	aliasOnce.Do(func() {
		aliasIndex = aliasIndexFromSpecs(builtinSpecs)
	})
	return aliasIndex
}

func aliasIndexFromSpecs(specs map[string]Spec) map[string]string {
	out := map[string]string{}
	for rawKey, spec := range specs {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		out[key] = key
		for _, rawAlias := range spec.Aliases {
			alias := strings.ToLower(strings.TrimSpace(rawAlias))
			if alias != "" {
				out[alias] = key
			}
		}
	}
	return out
}

// Canonical maps a kind name or alias to its canonical key. Unknown names
// pass through lowercased so user-registered kinds resolve by key.
func Canonical(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := builtinAliases()[key]; ok {
		return canonical
	}
	regMu.RLock()
	defer regMu.RUnlock()
	for rkey, spec := range registered {
		if rkey == key {
			return rkey
		}
		for _, alias := range spec.Aliases {
			if strings.ToLower(strings.TrimSpace(alias)) == key {
				return rkey
			}
		}
	}
	return key
}

// Lookup returns the spec for a kind name or alias.
func Lookup(kind string) (Spec, bool) {
	key := Canonical(kind)
	if s, ok := builtinSpecs[key]; ok {
		return cloneSpec(s), true
	}
	regMu.RLock()
	defer regMu.RUnlock()
	if s, ok := registered[key]; ok {
		return cloneSpec(s), true
	}
	return Spec{}, false
}

// Register adds a user-defined kind. Builtin keys cannot be shadowed.
func Register(s Spec) error {
	key := strings.ToLower(strings.TrimSpace(s.Key))
	if key == "" {
		return fmt.Errorf("register: empty kind key")
	}
	if _, ok := builtinSpecs[key]; ok {
		return fmt.Errorf("register: %q is a builtin kind", key)
	}
	if s.BuildArgs == nil {
		return fmt.Errorf("register: kind %q has no argv builder", key)
	}
	if s.DisplayName == "" {
		s.DisplayName = s.Key
	}
	if s.StdinMode == "" {
		s.StdinMode = StdinPrompt
	}
	s.Key = key
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registered[key]; ok {
		return fmt.Errorf("register: kind %q already registered", key)
	}
	registered[key] = s
	return nil
}

// Keys lists the builtin kind keys.
func Keys() []string {
	out := make([]string, 0, len(builtinSpecs))
	for key := range builtinSpecs {
		out = append(out, key)
	}
	return out
}

func cloneSpec(in Spec) Spec {
	out := in
	out.Aliases = append([]string{}, in.Aliases...)
	out.RateLimit = append([]*regexp.Regexp{}, in.RateLimit...)
	out.Quota = append([]*regexp.Regexp{}, in.Quota...)
	return out
}

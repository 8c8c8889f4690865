package healer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/logsink"
	"github.com/loopwork-ai/loopwork/internal/model"
	"github.com/loopwork-ai/loopwork/internal/spawn"
)

// EnvLLMTokenFile points at the LLM-fallback provider token file. When the
// variable is unset or the file is unreadable the healer falls back to the
// static heuristic analyzer.
const EnvLLMTokenFile = "LOOPWORK_LLM_TOKEN_FILE"

// Analyzer turns an unmatched error line into a structured analysis.
type Analyzer interface {
	Analyze(ctx context.Context, errorText string) (Analysis, error)
}

// NewDefaultAnalyzer returns the CLI-backed analyzer when a provider token
// is configured, else the heuristic one.
func NewDefaultAnalyzer(spawner spawn.Spawner, sink *logsink.Sink) Analyzer {
	if sink == nil {
		sink = logsink.Nop()
	}
	tokenPath := strings.TrimSpace(os.Getenv(EnvLLMTokenFile))
	if tokenPath == "" {
		return HeuristicAnalyzer{}
	}
	raw, err := os.ReadFile(tokenPath)
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		sink.Warn(logsink.CatHealer, "llm token file unusable, using heuristic analyzer", "path", tokenPath)
		return HeuristicAnalyzer{}
	}
	return NewCliAnalyzer(spawner, model.Config{
		Name:    "healer-analysis",
		Kind:    "claude",
		Enabled: true,
	}, sink)
}

// HeuristicAnalyzer maps well-known failure phrasings to canned analyses.
// It never errs and needs no network.
type HeuristicAnalyzer struct{}

type heuristicRule struct {
	needles []string
	result  Analysis
}

var heuristicRules = []heuristicRule{
	{
		needles: []string{"econnrefused", "econnreset", "etimedout", "enotfound", "fetch failed", "connection refused", "network"},
		result: Analysis{
			RootCause:      "network connectivity failure while reaching an external service",
			SuggestedFixes: []string{"check connectivity to the vendor endpoint", "retry after the network recovers", "verify any proxy configuration"},
			Confidence:     0.5,
		},
	},
	{
		needles: []string{"permission denied", "eacces", "operation not permitted"},
		result: Analysis{
			RootCause:      "filesystem or process permissions block the operation",
			SuggestedFixes: []string{"check ownership and mode of the target path", "run the CLI as the owning user"},
			Confidence:     0.6,
		},
	},
	{
		needles: []string{"cannot find module", "module_not_found", "module not found"},
		result: Analysis{
			RootCause:      "a required module is missing from the CLI's install",
			SuggestedFixes: []string{"reinstall the CLI's dependencies", "clear the vendor cache and retry"},
			Confidence:     0.6,
		},
	},
	{
		needles: []string{"command not found", "no such command", "executable file not found"},
		result: Analysis{
			RootCause:      "the CLI binary is not on PATH",
			SuggestedFixes: []string{"install the CLI", "set the per-kind path override environment variable"},
			Confidence:     0.6,
		},
	},
	{
		needles: []string{"environment variable", "env var"},
		result: Analysis{
			RootCause:      "a required environment variable is not set",
			SuggestedFixes: []string{"export the variable named in the error before the next run"},
			Confidence:     0.6,
		},
	},
	{
		needles: []string{"out of memory", "oom", "cannot allocate"},
		result: Analysis{
			RootCause:      "the host ran out of memory during execution",
			SuggestedFixes: []string{"lower pool sizes", "raise the minimum free memory gate", "close other workloads"},
			Confidence:     0.5,
		},
	},
	{
		needles: []string{"timed out"},
		result: Analysis{
			RootCause:      "the operation exceeded its time budget",
			SuggestedFixes: []string{"raise the per-task timeout", "split the task into smaller pieces"},
			Confidence:     0.5,
		},
	},
}

// Analyze returns the first matching canned analysis, or a low-confidence
// generic one.
func (HeuristicAnalyzer) Analyze(_ context.Context, errorText string) (Analysis, error) {
	lower := strings.ToLower(errorText)
	for _, rule := range heuristicRules {
		for _, n := range rule.needles {
			if strings.Contains(lower, n) {
				return rule.result, nil
			}
		}
	}
	return Analysis{
		RootCause:      "unrecognized failure",
		SuggestedFixes: []string{"inspect the log context around this line"},
		Confidence:     0.2,
	}, nil
}

// CliAnalyzer shells out through a CLI strategy (claude by default) with a
// minimal analysis prompt and parses the reply.
type CliAnalyzer struct {
	spawner spawn.Spawner
	model   model.Config
	timeout time.Duration
	sink    *logsink.Sink
}

// NewCliAnalyzer builds an analyzer spawning the given model's CLI.
func NewCliAnalyzer(spawner spawn.Spawner, m model.Config, sink *logsink.Sink) *CliAnalyzer {
	if sink == nil {
		sink = logsink.Nop()
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CliAnalyzer{spawner: spawner, model: m, timeout: timeout, sink: sink}
}

const analysisPromptHeader = `Analyze this error from an automated task run. Reply with a single JSON object:
{"rootCause": "...", "suggestedFixes": ["..."], "confidence": 0.0}
No prose outside the JSON.

Error:
`

// Analyze spawns the CLI, feeds it the error, and parses the reply.
func (a *CliAnalyzer) Analyze(ctx context.Context, errorText string) (Analysis, error) {
	spec, ok := clispec.Lookup(a.model.Kind)
	if !ok {
		return Analysis{}, fmt.Errorf("no CLI strategy for kind %q", a.model.Kind)
	}
	exe, err := spec.ResolveExecutable("")
	if err != nil {
		return Analysis{}, err
	}

	prompt := analysisPromptHeader + errorText
	argv := spec.BuildArgs(a.model.Model, prompt, a.model.ExtraArgs)

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range a.model.Env {
		env[k] = v
	}
	if spec.MutateEnv != nil {
		spec.MutateEnv(env, nil)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := make([]string, 0, len(keys))
	for _, k := range keys {
		flat = append(flat, k+"="+env[k])
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	proc, err := a.spawner.Spawn(ctx, exe, argv, spawn.Options{Env: flat})
	if err != nil {
		return Analysis{}, fmt.Errorf("spawn analyzer: %w", err)
	}

	if spec.StdinMode == clispec.StdinPrompt {
		if in := proc.Input(); in != nil {
			_, _ = io.WriteString(in, prompt)
			_ = in.Close()
		}
	}

	var out, errOut []byte
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		out, _ = io.ReadAll(proc.Output())
		if r := proc.ErrOutput(); r != nil {
			errOut, _ = io.ReadAll(r)
		}
	}()
	<-readDone

	code, err := proc.Wait()
	if err != nil {
		return Analysis{}, fmt.Errorf("analyzer wait: %w", err)
	}
	if code != 0 {
		return Analysis{}, fmt.Errorf("analyzer %s exited with code %d", spec.DisplayName, code)
	}
	return parseAnalysis(string(out) + string(errOut)), nil
}

// parseAnalysis extracts the first JSON object, falling back to a plain-text
// reading when the reply is not valid JSON.
func parseAnalysis(out string) Analysis {
	if start := strings.Index(out, "{"); start >= 0 {
		if end := strings.LastIndex(out, "}"); end > start {
			var a Analysis
			if err := json.Unmarshal([]byte(out[start:end+1]), &a); err == nil && a.RootCause != "" {
				if a.Confidence <= 0 {
					a.Confidence = 0.5
				}
				return a
			}
		}
	}

	var a Analysis
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if a.RootCause == "" {
			a.RootCause = line
			continue
		}
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			a.SuggestedFixes = append(a.SuggestedFixes, strings.TrimSpace(strings.TrimLeft(line, "-* ")))
		}
	}
	if a.RootCause == "" {
		a.RootCause = "analyzer returned no usable output"
	}
	a.Confidence = 0.4
	return a
}

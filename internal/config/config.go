// Package config loads the loopwork configuration file: model pools, worker
// pools, resilience and breaker tuning, healer knobs, and tracing. Decoding
// is strict (unknown fields are errors), defaults fill the gaps, and the
// effective document is checked against an embedded JSON Schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopwork-ai/loopwork/internal/breaker"
	"github.com/loopwork-ai/loopwork/internal/model"
	"github.com/loopwork-ai/loopwork/internal/pool"
	"github.com/loopwork-ai/loopwork/internal/resilience"
	"github.com/loopwork-ai/loopwork/internal/selector"
	"github.com/loopwork-ai/loopwork/internal/tracing"
)

// EnvStateDir overrides state_dir when set.
const EnvStateDir = "LOOPWORK_STATE_DIR"

// ModelEntry is the on-disk shape of one model configuration.
type ModelEntry struct {
	Name           string            `json:"name" yaml:"name"`
	DisplayName    string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Kind           string            `json:"kind" yaml:"kind"`
	Model          string            `json:"model,omitempty" yaml:"model,omitempty"`
	ExtraArgs      []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	CostWeight     *int              `json:"cost_weight,omitempty" yaml:"cost_weight,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// ModelsConfig declares the primary and fallback pools and selection knobs.
type ModelsConfig struct {
	Strategy           string       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	RetrySameModel     *bool        `json:"retry_same_model,omitempty" yaml:"retry_same_model,omitempty"`
	MaxRetriesPerModel int          `json:"max_retries_per_model,omitempty" yaml:"max_retries_per_model,omitempty"`
	Primary            []ModelEntry `json:"primary,omitempty" yaml:"primary,omitempty"`
	Fallback           []ModelEntry `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// PoolEntry is the on-disk shape of one worker pool.
type PoolEntry struct {
	Size          int `json:"size" yaml:"size"`
	Nice          int `json:"nice,omitempty" yaml:"nice,omitempty"`
	MemoryLimitMB int `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
}

// PoolsConfig names the pools and the default routing target.
type PoolsConfig struct {
	Default     string               `json:"default,omitempty" yaml:"default,omitempty"`
	Definitions map[string]PoolEntry `json:"definitions,omitempty" yaml:"definitions,omitempty"`
}

// ExecutorConfig tunes per-task execution.
type ExecutorConfig struct {
	MinFreeMemoryMB  int    `json:"min_free_memory_mb,omitempty" yaml:"min_free_memory_mb,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	KillGraceSeconds int    `json:"kill_grace_seconds,omitempty" yaml:"kill_grace_seconds,omitempty"`
	UsePTY           bool   `json:"use_pty,omitempty" yaml:"use_pty,omitempty"`
	PreambleFile     string `json:"preamble_file,omitempty" yaml:"preamble_file,omitempty"`
}

// ResilienceConfig tunes the retry loop.
type ResilienceConfig struct {
	BaseDelayMS        int      `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS         int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Multiplier         float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	ExponentialBackoff *bool    `json:"exponential_backoff,omitempty" yaml:"exponential_backoff,omitempty"`
	RateLimitWaitMS    int      `json:"rate_limit_wait_ms,omitempty" yaml:"rate_limit_wait_ms,omitempty"`
	RetryableErrors    []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// BreakerConfig tunes the per-model and healer breakers.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ResetTimeoutMS   int `json:"reset_timeout_ms,omitempty" yaml:"reset_timeout_ms,omitempty"`
	HalfOpenMaxCalls int `json:"half_open_max_calls,omitempty" yaml:"half_open_max_calls,omitempty"`
}

// HealerConfig tunes the log-watching healer.
type HealerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled               *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	DebounceMS            int   `json:"debounce_ms,omitempty" yaml:"debounce_ms,omitempty"`
	MaxLLMCallsPerSession int   `json:"max_llm_calls_per_session,omitempty" yaml:"max_llm_calls_per_session,omitempty"`
	LLMCooldownMS         int   `json:"llm_cooldown_ms,omitempty" yaml:"llm_cooldown_ms,omitempty"`
	LLMCacheTTLHours      int   `json:"llm_cache_ttl_hours,omitempty" yaml:"llm_cache_ttl_hours,omitempty"`
	WisdomExpiryDays      int   `json:"wisdom_expiry_days,omitempty" yaml:"wisdom_expiry_days,omitempty"`
	MinSuccessCount       int   `json:"min_success_count,omitempty" yaml:"min_success_count,omitempty"`
}

// TracingConfig mirrors internal/tracing.Config.
type TracingConfig struct {
	Enabled      bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Exporter     string  `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	FilePath     string  `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	SampleRate   float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	ServiceName  string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
}

// Config is the full configuration document.
type Config struct {
	Version  int    `json:"version" yaml:"version"`
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	LogFile  string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	// CLIPaths pins executables per cli-kind; the LOOPWORK_<KIND>_PATH
	// env override still wins at spawn time.
	CLIPaths map[string]string `json:"cli_paths,omitempty" yaml:"cli_paths,omitempty"`

	Models     ModelsConfig     `json:"models" yaml:"models"`
	Pools      PoolsConfig      `json:"pools,omitempty" yaml:"pools,omitempty"`
	Executor   ExecutorConfig   `json:"executor,omitempty" yaml:"executor,omitempty"`
	Resilience ResilienceConfig `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Breaker    BreakerConfig    `json:"breaker,omitempty" yaml:"breaker,omitempty"`
	Healer     HealerConfig     `json:"healer,omitempty" yaml:"healer,omitempty"`
	Tracing    TracingConfig    `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// Load reads, decodes, defaults, schema-checks, and validates the config at
// path. JSON is assumed for a .json extension, YAML otherwise.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validateAgainstSchema(&cfg); err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = filepath.Join(".loopwork", "ai-monitor")
	}
	if env := strings.TrimSpace(os.Getenv(EnvStateDir)); env != "" {
		cfg.StateDir = env
	}
	if strings.TrimSpace(cfg.LogFile) == "" {
		cfg.LogFile = filepath.Join(".loopwork", "loopwork.log")
	}

	if cfg.Models.Strategy == "" {
		cfg.Models.Strategy = string(selector.StrategyRoundRobin)
	}
	if cfg.Models.RetrySameModel == nil {
		t := true
		cfg.Models.RetrySameModel = &t
	}
	if cfg.Models.MaxRetriesPerModel == 0 {
		cfg.Models.MaxRetriesPerModel = 2
	}

	if len(cfg.Pools.Definitions) == 0 {
		cfg.Pools.Definitions = map[string]PoolEntry{
			"high":       {Size: 3, Nice: 0},
			"medium":     {Size: 2, Nice: 5},
			"low":        {Size: 1, Nice: 10},
			"background": {Size: 1, Nice: 19},
		}
	}
	if cfg.Pools.Default == "" {
		if _, ok := cfg.Pools.Definitions["medium"]; ok {
			cfg.Pools.Default = "medium"
		} else {
			for name := range cfg.Pools.Definitions {
				if cfg.Pools.Default == "" || name < cfg.Pools.Default {
					cfg.Pools.Default = name
				}
			}
		}
	}

	if cfg.Executor.MinFreeMemoryMB == 0 {
		cfg.Executor.MinFreeMemoryMB = 512
	}
	if cfg.Executor.TimeoutSeconds == 0 {
		cfg.Executor.TimeoutSeconds = 1800
	}
	if cfg.Executor.KillGraceSeconds == 0 {
		cfg.Executor.KillGraceSeconds = 5
	}

	if cfg.Resilience.BaseDelayMS == 0 {
		cfg.Resilience.BaseDelayMS = 1000
	}
	if cfg.Resilience.MaxDelayMS == 0 {
		cfg.Resilience.MaxDelayMS = 30000
	}
	if cfg.Resilience.Multiplier == 0 {
		cfg.Resilience.Multiplier = 2.0
	}
	if cfg.Resilience.ExponentialBackoff == nil {
		t := true
		cfg.Resilience.ExponentialBackoff = &t
	}
	if cfg.Resilience.RateLimitWaitMS == 0 {
		cfg.Resilience.RateLimitWaitMS = 60000
	}
	if cfg.Resilience.RetryableErrors == nil {
		cfg.Resilience.RetryableErrors = []string{"opencode cache corruption"}
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.ResetTimeoutMS == 0 {
		cfg.Breaker.ResetTimeoutMS = 30000
	}
	if cfg.Breaker.HalfOpenMaxCalls == 0 {
		cfg.Breaker.HalfOpenMaxCalls = 1
	}

	if cfg.Healer.Enabled == nil {
		t := true
		cfg.Healer.Enabled = &t
	}
	if cfg.Healer.DebounceMS == 0 {
		cfg.Healer.DebounceMS = 100
	}
	if cfg.Healer.MaxLLMCallsPerSession == 0 {
		cfg.Healer.MaxLLMCallsPerSession = 10
	}
	if cfg.Healer.LLMCooldownMS == 0 {
		cfg.Healer.LLMCooldownMS = 60000
	}
	if cfg.Healer.LLMCacheTTLHours == 0 {
		cfg.Healer.LLMCacheTTLHours = 24
	}
	if cfg.Healer.WisdomExpiryDays == 0 {
		cfg.Healer.WisdomExpiryDays = 30
	}
	if cfg.Healer.MinSuccessCount == 0 {
		cfg.Healer.MinSuccessCount = 3
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "file"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "loopwork"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if len(cfg.Models.Primary) == 0 {
		return fmt.Errorf("models.primary must list at least one model")
	}
	seen := map[string]bool{}
	for _, list := range [][]ModelEntry{cfg.Models.Primary, cfg.Models.Fallback} {
		for _, m := range list {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("model entry missing name")
			}
			if strings.TrimSpace(m.Kind) == "" {
				return fmt.Errorf("model %q missing kind", m.Name)
			}
			if seen[m.Name] {
				return fmt.Errorf("duplicate model name %q", m.Name)
			}
			seen[m.Name] = true
		}
	}
	switch selector.Strategy(cfg.Models.Strategy) {
	case selector.StrategyRoundRobin, selector.StrategyPriority, selector.StrategyCostAware, selector.StrategyRandom:
	default:
		return fmt.Errorf("invalid models.strategy: %q", cfg.Models.Strategy)
	}
	if _, ok := cfg.Pools.Definitions[cfg.Pools.Default]; !ok {
		return fmt.Errorf("pools.default %q is not a declared pool", cfg.Pools.Default)
	}
	for name, p := range cfg.Pools.Definitions {
		if p.Size < 1 {
			return fmt.Errorf("pool %q size must be >= 1", name)
		}
	}
	switch cfg.Tracing.Exporter {
	case "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("invalid tracing.exporter: %q (want none|file|stdout|otlp)", cfg.Tracing.Exporter)
	}
	return nil
}

// modelConfigs maps config entries into the immutable runtime view.
func modelConfigs(entries []ModelEntry) []model.Config {
	out := make([]model.Config, 0, len(entries))
	for _, e := range entries {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, model.Config{
			Name:        e.Name,
			DisplayName: e.DisplayName,
			Kind:        strings.ToLower(strings.TrimSpace(e.Kind)),
			Model:       e.Model,
			ExtraArgs:   append([]string{}, e.ExtraArgs...),
			Env:         e.Env,
			Timeout:     time.Duration(e.TimeoutSeconds) * time.Second,
			CostWeight:  e.CostWeight,
			Enabled:     enabled,
		})
	}
	return out
}

// PrimaryModels returns the primary pool as runtime model configs.
func (c *Config) PrimaryModels() []model.Config { return modelConfigs(c.Models.Primary) }

// FallbackModels returns the fallback pool as runtime model configs.
func (c *Config) FallbackModels() []model.Config { return modelConfigs(c.Models.Fallback) }

// PoolMap maps the declared pools into the pool manager's config shape.
func (c *Config) PoolMap() map[string]pool.Config {
	out := make(map[string]pool.Config, len(c.Pools.Definitions))
	for name, p := range c.Pools.Definitions {
		out[name] = pool.Config{Size: p.Size, Nice: p.Nice, MemoryLimitMB: p.MemoryLimitMB}
	}
	return out
}

// BreakerSettings maps the breaker section.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(c.Breaker.ResetTimeoutMS) * time.Millisecond,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// TracingSettings maps the tracing section. An empty file path for the file
// exporter lands under the state directory.
func (c *Config) TracingSettings() tracing.Config {
	filePath := c.Tracing.FilePath
	if filePath == "" && c.Tracing.Exporter == "file" {
		filePath = filepath.Join(c.StateDir, "traces", "traces.jsonl")
	}
	return tracing.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		FilePath:     filePath,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
		ServiceName:  c.Tracing.ServiceName,
	}
}

// ResilienceSettings maps the resilience section. MaxAttempts is computed by
// the executor from the model count.
func (c *Config) ResilienceSettings() resilience.Config {
	return resilience.Config{
		BaseDelay:                 time.Duration(c.Resilience.BaseDelayMS) * time.Millisecond,
		MaxDelay:                  time.Duration(c.Resilience.MaxDelayMS) * time.Millisecond,
		Multiplier:                c.Resilience.Multiplier,
		DisableExponentialBackoff: c.Resilience.ExponentialBackoff != nil && !*c.Resilience.ExponentialBackoff,
		RateLimitWait:             time.Duration(c.Resilience.RateLimitWaitMS) * time.Millisecond,
		RetryableErrors:           append([]string{}, c.Resilience.RetryableErrors...),
	}
}

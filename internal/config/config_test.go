package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
models:
  primary:
    - name: sonnet
      kind: claude
      model: claude-sonnet-4
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "loopwork.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Models.Strategy != "round-robin" {
		t.Errorf("Strategy = %q, want round-robin", cfg.Models.Strategy)
	}
	if cfg.Models.RetrySameModel == nil || !*cfg.Models.RetrySameModel {
		t.Error("RetrySameModel should default to true")
	}
	if cfg.Models.MaxRetriesPerModel != 2 {
		t.Errorf("MaxRetriesPerModel = %d, want 2", cfg.Models.MaxRetriesPerModel)
	}
	if cfg.Pools.Default != "medium" {
		t.Errorf("Pools.Default = %q, want medium", cfg.Pools.Default)
	}
	if got := len(cfg.Pools.Definitions); got != 4 {
		t.Errorf("len(Pools.Definitions) = %d, want 4", got)
	}
	if cfg.Executor.MinFreeMemoryMB != 512 {
		t.Errorf("MinFreeMemoryMB = %d, want 512", cfg.Executor.MinFreeMemoryMB)
	}
	if cfg.Executor.KillGraceSeconds != 5 {
		t.Errorf("KillGraceSeconds = %d, want 5", cfg.Executor.KillGraceSeconds)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Healer.MaxLLMCallsPerSession != 10 {
		t.Errorf("MaxLLMCallsPerSession = %d, want 10", cfg.Healer.MaxLLMCallsPerSession)
	}
	if cfg.Healer.WisdomExpiryDays != 30 {
		t.Errorf("WisdomExpiryDays = %d, want 30", cfg.Healer.WisdomExpiryDays)
	}
	if cfg.Tracing.Exporter != "file" || cfg.Tracing.Enabled {
		t.Errorf("Tracing = %+v, want disabled file exporter", cfg.Tracing)
	}
}

func TestLoadFullYAML(t *testing.T) {
	body := `
version: 1
state_dir: /tmp/loopwork-state
log_file: /tmp/loopwork.log
cli_paths:
  claude: /opt/bin/claude
models:
  strategy: cost-aware
  retry_same_model: false
  max_retries_per_model: 3
  primary:
    - name: sonnet
      kind: claude
      model: claude-sonnet-4
      cost_weight: 40
    - name: flash
      kind: gemini
      model: gemini-flash
      timeout_seconds: 300
      enabled: false
  fallback:
    - name: oc-free
      kind: opencode
      model: big-free
      env:
        OPENCODE_YOLO: "true"
pools:
  default: low
  definitions:
    low: {size: 1, nice: 10, memory_limit_mb: 256}
    high: {size: 4}
executor:
  min_free_memory_mb: 256
  timeout_seconds: 600
  use_pty: true
resilience:
  base_delay_ms: 500
  exponential_backoff: false
breaker:
  failure_threshold: 5
healer:
  enabled: false
  max_llm_calls_per_session: 2
tracing:
  enabled: true
  exporter: stdout
  sample_rate: 0.5
`
	cfg, err := Load(writeConfig(t, "loopwork.yaml", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/tmp/loopwork-state" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.CLIPaths["claude"] != "/opt/bin/claude" {
		t.Errorf("CLIPaths = %v", cfg.CLIPaths)
	}
	primary := cfg.PrimaryModels()
	if len(primary) != 2 {
		t.Fatalf("len(primary) = %d, want 2", len(primary))
	}
	if primary[0].Cost() != 40 {
		t.Errorf("primary[0].Cost() = %d, want 40", primary[0].Cost())
	}
	if !primary[0].Enabled {
		t.Error("primary[0] should default to enabled")
	}
	if primary[1].Enabled {
		t.Error("primary[1] was explicitly disabled")
	}
	if primary[1].Timeout != 300*time.Second {
		t.Errorf("primary[1].Timeout = %v, want 5m", primary[1].Timeout)
	}
	fallback := cfg.FallbackModels()
	if len(fallback) != 1 || fallback[0].Env["OPENCODE_YOLO"] != "true" {
		t.Errorf("fallback = %+v", fallback)
	}
	if cfg.Pools.Default != "low" {
		t.Errorf("Pools.Default = %q, want low", cfg.Pools.Default)
	}
	pools := cfg.PoolMap()
	if pools["low"].MemoryLimitMB != 256 || pools["high"].Size != 4 {
		t.Errorf("PoolMap = %+v", pools)
	}
	rs := cfg.ResilienceSettings()
	if rs.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", rs.BaseDelay)
	}
	if !rs.DisableExponentialBackoff {
		t.Error("exponential_backoff: false should disable backoff growth")
	}
	bs := cfg.BreakerSettings()
	if bs.FailureThreshold != 5 || bs.ResetTimeout != 30*time.Second {
		t.Errorf("BreakerSettings = %+v", bs)
	}
	if cfg.Healer.Enabled == nil || *cfg.Healer.Enabled {
		t.Error("healer.enabled: false should stick")
	}
	if cfg.Healer.MaxLLMCallsPerSession != 2 {
		t.Errorf("MaxLLMCallsPerSession = %d, want 2", cfg.Healer.MaxLLMCallsPerSession)
	}
}

func TestLoadJSON(t *testing.T) {
	body := `{
  "version": 1,
  "models": {"primary": [{"name": "sonnet", "kind": "claude", "model": "claude-sonnet-4"}]}
}`
	cfg, err := Load(writeConfig(t, "loopwork.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.PrimaryModels()) != 1 {
		t.Fatalf("PrimaryModels = %+v", cfg.PrimaryModels())
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	body := minimalYAML + "\nmodles:\n  primary: []\n"
	if _, err := Load(writeConfig(t, "loopwork.yaml", body)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadRejectsTrailingDocument(t *testing.T) {
	body := minimalYAML + "---\nversion: 1\n"
	_, err := Load(writeConfig(t, "loopwork.yaml", body))
	if err == nil {
		t.Fatal("expected error for second YAML document")
	}
	if !strings.Contains(err.Error(), "multiple documents") {
		t.Errorf("err = %v, want multiple-documents complaint", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no primary models",
			body: "models:\n  primary: []\n",
			want: "at least one model",
		},
		{
			name: "missing kind",
			body: "models:\n  primary:\n    - name: sonnet\n",
			want: "kind",
		},
		{
			name: "duplicate model name",
			body: "models:\n  primary:\n    - {name: a, kind: claude}\n    - {name: a, kind: gemini}\n",
			want: "duplicate model name",
		},
		{
			name: "bad strategy",
			body: "models:\n  strategy: fastest\n  primary:\n    - {name: a, kind: claude}\n",
			want: "strategy",
		},
		{
			name: "default pool not declared",
			body: minimalYAML + "pools:\n  default: turbo\n",
			want: "not a declared pool",
		},
		{
			name: "nice out of range",
			body: minimalYAML + "pools:\n  definitions:\n    hot: {size: 1, nice: 25}\n",
			want: "nice",
		},
		{
			name: "cost weight out of range",
			body: "models:\n  primary:\n    - {name: a, kind: claude, cost_weight: 400}\n",
			want: "cost_weight",
		},
		{
			name: "bad tracing exporter",
			body: minimalYAML + "tracing:\n  exporter: kafka\n",
			want: "exporter",
		},
		{
			name: "unsupported version",
			body: "version: 2\n" + minimalYAML,
			want: "version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "loopwork.yaml", tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.want)) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestStateDirEnvOverride(t *testing.T) {
	t.Setenv(EnvStateDir, "/srv/monitor-state")
	cfg, err := Load(writeConfig(t, "loopwork.yaml", minimalYAML+"state_dir: ./ignored\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/srv/monitor-state" {
		t.Errorf("StateDir = %q, want env override", cfg.StateDir)
	}
}

func TestKindIsNormalized(t *testing.T) {
	body := "models:\n  primary:\n    - {name: a, kind: \" Claude \"}\n"
	cfg, err := Load(writeConfig(t, "loopwork.yaml", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.PrimaryModels()[0].Kind; got != "claude" {
		t.Errorf("Kind = %q, want claude", got)
	}
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopwork-ai/loopwork/internal/config"
	"github.com/loopwork-ai/loopwork/internal/healer"
)

func TestStatePrintsMonitorCounters(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvStateDir, dir)

	st := healer.NewMonitorState()
	st.LLMCallsThisSession = 2
	st.PatternCounts["opencode-cache-corruption"] = 3
	if err := healer.SaveMonitorState(filepath.Join(dir, healer.MonitorStateFile), st); err != nil {
		t.Fatal(err)
	}

	out, err := execRoot(t, "state", "--config", filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("state: %v\n%s", err, out)
	}
	for _, want := range []string{
		"session: 2 LLM calls",
		"opencode-cache-corruption",
		"llm cache: 0 entries",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStateResetRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvStateDir, dir)

	statePath := filepath.Join(dir, healer.MonitorStateFile)
	if err := healer.SaveMonitorState(statePath, healer.NewMonitorState()); err != nil {
		t.Fatal(err)
	}

	out, err := execRoot(t, "state", "--reset", "--config", filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("reset: %v\n%s", err, out)
	}
	if !strings.Contains(out, "removed "+statePath) {
		t.Fatalf("output missing removal notice:\n%s", out)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Fatalf("monitor state still present: %v", err)
	}

	// A second reset finds nothing and stays quiet.
	out, err = execRoot(t, "state", "--reset", "--config", filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if strings.Contains(out, "removed") {
		t.Fatalf("second reset should remove nothing:\n%s", out)
	}
}

func TestResolveStateFallsBackToEnvThenDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvStateDir, dir)
	got, health := resolveState(filepath.Join(dir, "absent.yaml"))
	if got != dir {
		t.Fatalf("resolveState dir = %q, want env override %q", got, dir)
	}
	if health != nil {
		t.Fatalf("unreadable config should yield no model health, got %+v", health)
	}

	t.Setenv(config.EnvStateDir, "")
	want := filepath.Join(".loopwork", "ai-monitor")
	if got, _ := resolveState(filepath.Join(dir, "absent.yaml")); got != want {
		t.Fatalf("resolveState dir = %q, want %q", got, want)
	}
}

func TestStateJSONIncludesModelHealth(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir, "/opt/fake/claude", "")

	out, err := execRoot(t, "state", "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("state --json: %v\n%s", err, out)
	}
	var rep stateReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("unmarshal report: %v\n%s", err, out)
	}
	if rep.Models == nil {
		t.Fatalf("report has no model health:\n%s", out)
	}
	mh, ok := rep.Models.Models["local-claude"]
	if !ok || mh.Pool != "primary" || mh.BreakerState != "closed" {
		t.Fatalf("unexpected model health: %+v", rep.Models.Models)
	}
}

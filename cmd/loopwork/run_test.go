package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopwork-ai/loopwork/internal/config"
	"github.com/loopwork-ai/loopwork/internal/healer"
)

// neutralize env overrides that would redirect state or escalate unmatched
// log lines to a real CLI.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvStateDir, "")
	t.Setenv(healer.EnvLLMTokenFile, "")
	t.Setenv("LOOPWORK_CLAUDE_PATH", "")
}

func TestRunDrainsTasksThroughLocalCLI(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("needs /bin/cat")
	}
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir, "/bin/cat", "")
	tasksPath := filepath.Join(dir, "tasks.yaml")
	writeFile(t, tasksPath, `tasks:
  - id: t1
    title: Echo check
    prompt: say hello
`)
	outDir := filepath.Join(dir, "out")

	out, err := execRoot(t, "run", "--config", cfgPath, "--tasks", tasksPath, "--output-dir", outDir)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "run complete: 1 done, 0 failed, 0 skipped") {
		t.Fatalf("summary missing from output: %q", out)
	}

	// The claude kind feeds the prompt over stdin, so cat echoes it back
	// into the per-task output file.
	echoed, err := os.ReadFile(filepath.Join(outDir, "t1.log"))
	if err != nil {
		t.Fatalf("read task output: %v", err)
	}
	if !strings.Contains(string(echoed), "say hello") {
		t.Fatalf("task output %q does not echo the prompt", echoed)
	}
	if !strings.Contains(string(echoed), "# Echo check") {
		t.Fatalf("task output %q is missing the title heading", echoed)
	}

	raw, err := os.ReadFile(tasksPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "status: done") {
		t.Fatalf("task file not marked done:\n%s", raw)
	}
}

func TestRunMarksTaskFailedWhenCLIMissing(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir, filepath.Join(dir, "missing-claude"), "")
	tasksPath := filepath.Join(dir, "tasks.yaml")
	writeFile(t, tasksPath, `tasks:
  - id: t1
    prompt: doomed
`)

	out, err := execRoot(t, "run", "--config", cfgPath, "--tasks", tasksPath,
		"--output-dir", filepath.Join(dir, "out"))
	if err == nil {
		t.Fatalf("expected failure, output:\n%s", out)
	}
	if !strings.Contains(err.Error(), "1 of 1 tasks failed") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "run complete: 0 done, 1 failed, 0 skipped") {
		t.Fatalf("summary missing from output: %q", out)
	}
	raw, readErr := os.ReadFile(tasksPath)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(raw), "status: failed") {
		t.Fatalf("task file not marked failed:\n%s", raw)
	}
}

func TestRunSkipsExhaustedTasks(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir, "/bin/cat", "")
	tasksPath := filepath.Join(dir, "tasks.yaml")
	writeFile(t, tasksPath, `tasks:
  - id: t1
    prompt: over budget
    status: pending
    attempts: 2
    max_attempts: 2
`)

	out, err := execRoot(t, "run", "--config", cfgPath, "--tasks", tasksPath,
		"--output-dir", filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "run complete: 0 done, 0 failed, 1 skipped") {
		t.Fatalf("summary missing from output: %q", out)
	}
	raw, readErr := os.ReadFile(tasksPath)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(raw), "status: pending") {
		t.Fatalf("skipped task should stay pending:\n%s", raw)
	}
}

func TestWatchRejectsDisabledHealer(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := testConfig(t, dir, "/bin/cat", "healer:\n  enabled: false\n")

	_, err := execRoot(t, "watch", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "healer is disabled") {
		t.Fatalf("err = %v", err)
	}
}

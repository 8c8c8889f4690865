package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// execRoot runs the command tree with args and captures combined output.
// The tree shares flag variables across invocations, so tests must not run
// in parallel; flag state is restored after each call.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		cfgFile = "loopwork.yaml"
		runTasksFile = "tasks.yaml"
		runOutputDir = filepath.Join(".loopwork", "output")
		watchLogFile = ""
		doctorJSON = false
		stateJSON = false
		stateReset = false
	})
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testConfig writes a minimal config whose only model runs claudePath,
// with retry delays shrunk so failure paths finish quickly.
func testConfig(t *testing.T, dir, claudePath, extra string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "loopwork.yaml")
	writeFile(t, cfgPath, `version: 1
state_dir: `+filepath.Join(dir, "state")+`
log_file: `+filepath.Join(dir, "loopwork.log")+`
cli_paths:
  claude: `+claudePath+`
models:
  primary:
    - name: local-claude
      kind: claude
      model: claude-test
resilience:
  base_delay_ms: 1
  max_delay_ms: 2
  rate_limit_wait_ms: 1
`+extra)
	return cfgPath
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwork-ai/loopwork/internal/config"
	"github.com/loopwork-ai/loopwork/internal/healer"
	"github.com/loopwork-ai/loopwork/internal/selector"
)

var (
	stateJSON  bool
	stateReset bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the persisted session state",
	Long: `Print the persisted session state: monitor counters, learned
pattern statistics, cached LLM analyses, and the configured model pools
with their breaker state. --reset removes the state files so the next
session starts clean; learned wisdom is removed too, so reset is for
recovering from corruption, not routine hygiene.`,
	RunE: runState,
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "output as JSON")
	stateCmd.Flags().BoolVar(&stateReset, "reset", false, "remove all persisted state files")
	rootCmd.AddCommand(stateCmd)
}

// resolveState resolves the state directory, and reports configured model
// health when the config is readable. The env override and built-in default
// mirror the config loader so inspection and --reset work without a config.
func resolveState(cfgPath string) (string, *selector.Health) {
	if cfg, err := config.Load(cfgPath); err == nil {
		return cfg.StateDir, modelHealth(cfg)
	}
	if env := strings.TrimSpace(os.Getenv(config.EnvStateDir)); env != "" {
		return env, nil
	}
	return filepath.Join(".loopwork", "ai-monitor"), nil
}

type stateReport struct {
	StateDir string                       `json:"stateDir"`
	Models   *selector.Health             `json:"models,omitempty"`
	Monitor  *healer.MonitorState         `json:"monitor,omitempty"`
	Wisdom   []healer.LearnedPattern      `json:"wisdom,omitempty"`
	Sessions int                          `json:"sessions"`
	Heals    int                          `json:"heals"`
	Failures int                          `json:"failures"`
	LLMCache map[string]healer.CacheEntry `json:"llmCache,omitempty"`
}

func runState(cmd *cobra.Command, args []string) error {
	dir, models := resolveState(cfgFile)
	out := cmd.OutOrStdout()

	if stateReset {
		files := []string{healer.MonitorStateFile, healer.WisdomFile, healer.LLMCacheFile}
		for _, name := range files {
			path := filepath.Join(dir, name)
			switch err := os.Remove(path); {
			case err == nil:
				fmt.Fprintf(out, "removed %s\n", path)
			case os.IsNotExist(err):
			default:
				return err
			}
		}
		return nil
	}

	rep := stateReport{StateDir: dir, Models: models}
	monitor, err := healer.LoadMonitorState(filepath.Join(dir, healer.MonitorStateFile))
	if err != nil {
		return err
	}
	rep.Monitor = monitor

	wisdom, err := healer.LoadWisdom(filepath.Join(dir, healer.WisdomFile), healer.WisdomOptions{})
	if err != nil {
		return err
	}
	rep.Wisdom = wisdom.Entries()
	rep.Sessions, rep.Heals, rep.Failures = wisdom.Totals()

	cache, err := healer.NewLLMCache(filepath.Join(dir, healer.LLMCacheFile), 0)
	if err != nil {
		return err
	}
	rep.LLMCache = cache.Entries()

	if stateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintf(out, "state dir: %s\n", dir)
	if rep.Models != nil {
		fmt.Fprintf(out, "models: %d configured (strategy %s)\n",
			len(rep.Models.Models), rep.Models.Strategy)
	}
	fmt.Fprintf(out, "session: %d LLM calls", monitor.LLMCallsThisSession)
	if !monitor.LastLLMCall.IsZero() {
		fmt.Fprintf(out, " (last %s)", monitor.LastLLMCall.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	if monitor.Attempts > 0 {
		fmt.Fprintf(out, "tasks: %d attempted, %d succeeded, %d failed\n",
			monitor.Attempts, monitor.Successes, monitor.Failures)
	}

	if len(monitor.PatternCounts) > 0 {
		fmt.Fprintln(out, "patterns seen:")
		names := make([]string, 0, len(monitor.PatternCounts))
		for name := range monitor.PatternCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-30s %d\n", name, monitor.PatternCounts[name])
		}
	}
	if n := len(monitor.RecoveryHistory); n > 0 {
		fmt.Fprintf(out, "recovery decisions: %d\n", n)
	}

	fmt.Fprintf(out, "wisdom: %d sessions, %d heals, %d failures\n",
		rep.Sessions, rep.Heals, rep.Failures)
	for _, entry := range rep.Wisdom {
		fmt.Fprintf(out, "  %-30s %d/%d (%.0f%%)\n",
			entry.Name, entry.SuccessCount, entry.SuccessCount+entry.FailureCount,
			entry.SuccessRate*100)
	}

	fmt.Fprintf(out, "llm cache: %d entries\n", len(rep.LLMCache))
	return nil
}

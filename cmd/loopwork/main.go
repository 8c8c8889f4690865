// Command loopwork drives the multi-CLI task executor: it drains a task
// list through the configured model rotation, runs the log-watching healer,
// and exposes health and session-state inspection.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loopwork",
	Short: "Run AI coding-agent CLIs with retry, failover, and self-healing",
	Long: `loopwork executes prompts through external AI CLIs (claude, opencode,
gemini, and friends), rotating across a primary and a fallback model pool
with per-model circuit breakers, bounded concurrency pools, and a
log-watching healer that applies corrective actions for known failure
patterns.

Subcommands:
  run     drain a task file through the configured models
  watch   run only the healer over an existing log file
  doctor  check CLI paths, PTY support, memory, and model health
  state   inspect or reset the persisted session state`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "loopwork.yaml",
		"config file (YAML, or JSON with a .json extension)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

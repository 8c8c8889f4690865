package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwork-ai/loopwork/internal/executor"
	"github.com/loopwork-ai/loopwork/internal/logsink"
	"github.com/loopwork-ai/loopwork/internal/task"
)

var (
	runTasksFile string
	runOutputDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain pending tasks through the configured models",
	Long: `Load the task file, then execute every pending task in file order:
acquire a pool slot, rotate through the model pools with retry and
failover, and stream the CLI output to a per-task file. Task status and
attempt counts are written back to the task file as the run progresses.

SIGINT or SIGTERM cancels the run; the in-flight task is terminated and
left pending for the next run.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runTasksFile, "tasks", "t", "tasks.yaml",
		"task file (YAML)")
	runCmd.Flags().StringVarP(&runOutputDir, "output-dir", "o",
		filepath.Join(".loopwork", "output"), "directory for per-task CLI output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	backend := task.NewFileBackend(runTasksFile)
	eng, err := buildEngine(cfgFile, engineOptions{Tasks: backend})
	if err != nil {
		return err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.close(ctx)
	}

	if err := os.MkdirAll(runOutputDir, 0o755); err != nil {
		shutdown()
		return fmt.Errorf("output dir: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			eng.sink.Warn(logsink.CatDriver, "shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if eng.heal != nil {
		if err := eng.heal.Start(ctx); err != nil {
			eng.sink.ErrorErr(logsink.CatDriver, "healer start failed, continuing without log watching", err)
		}
	}

	pending, err := backend.Pending(ctx)
	if err != nil {
		shutdown()
		return fmt.Errorf("load tasks: %w", err)
	}
	eng.sink.Info(logsink.CatDriver, "run starting",
		"tasks", len(pending), "config", cfgFile, "log", eng.cfg.LogFile)

	var done, failed, skipped int
	interrupted := false
	for _, t := range pending {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if t.Exhausted() {
			eng.sink.Warn(logsink.CatDriver, "task skipped, attempt budget exhausted",
				"task_id", t.ID, "attempts", t.Attempts)
			skipped++
			continue
		}
		if err := backend.SetStatus(ctx, t.ID, task.StatusRunning); err != nil {
			shutdown()
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if err := backend.RecordAttempt(ctx, t.ID); err != nil {
			shutdown()
			return fmt.Errorf("task %s: %w", t.ID, err)
		}

		outputFile := filepath.Join(runOutputDir, t.ID+".log")
		_, execErr := eng.exec.Execute(ctx, t.PromptText(), outputFile, 0, executor.ExecOptions{
			TaskID:   t.ID,
			Priority: string(t.Priority),
			Feature:  t.Feature,
		})
		if ctx.Err() != nil {
			// Leave the interrupted task for the next run.
			_ = backend.SetStatus(context.Background(), t.ID, task.StatusPending)
			interrupted = true
			break
		}
		if execErr != nil {
			_ = backend.SetStatus(ctx, t.ID, task.StatusFailed)
			failed++
		} else {
			_ = backend.SetStatus(ctx, t.ID, task.StatusDone)
			done++
		}
		if eng.heal != nil {
			eng.heal.RecordTaskResult(execErr == nil)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run complete: %d done, %d failed, %d skipped\n", done, failed, skipped)
	if interrupted {
		fmt.Fprintln(out, "interrupted; remaining tasks left pending")
	}
	if eng.heal != nil {
		eng.heal.Stop()
		attempts, successes, failures := eng.heal.SessionStats()
		if attempts > 0 {
			fmt.Fprintf(out, "session: %d tasks attempted, %d succeeded, %d failed\n",
				attempts, successes, failures)
		}
	}
	eng.sink.Info(logsink.CatDriver, "run finished",
		"done", done, "failed", failed, "skipped", skipped)
	shutdown()

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, done+failed)
	}
	return nil
}

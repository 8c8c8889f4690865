package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwork-ai/loopwork/internal/logsink"
)

var watchLogFile string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run only the healer over an existing log file",
	Long: `Tail a log file and apply corrective actions for recognized failure
patterns, without executing any tasks. Useful as a side channel next to
an externally driven loop. State persists to the configured state
directory on shutdown.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchLogFile, "log", "l", "",
		"log file to tail (default: the configured log file)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cfgFile, engineOptions{
		WatchPath:  watchLogFile,
		HealerOnly: true,
	})
	if err != nil {
		return err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.close(ctx)
	}
	if eng.heal == nil {
		shutdown()
		return errors.New("healer is disabled in config")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := eng.heal.Start(ctx); err != nil {
		shutdown()
		return err
	}

	target := watchLogFile
	if target == "" {
		target = eng.cfg.LogFile
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching %s (ctrl-c to stop)\n", target)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		eng.sink.Info(logsink.CatDriver, "watch stopping", "signal", sig.String())
	case <-ctx.Done():
	}

	eng.heal.Stop()
	sessions, heals, failures := eng.heal.Wisdom().Totals()
	fmt.Fprintf(out, "wisdom: %d sessions, %d heals, %d failures\n",
		sessions, heals, failures)
	shutdown()
	return nil
}

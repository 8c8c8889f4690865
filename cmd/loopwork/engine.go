package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/config"
	"github.com/loopwork-ai/loopwork/internal/executor"
	"github.com/loopwork-ai/loopwork/internal/healer"
	"github.com/loopwork-ai/loopwork/internal/logsink"
	"github.com/loopwork-ai/loopwork/internal/pool"
	"github.com/loopwork-ai/loopwork/internal/selector"
	"github.com/loopwork-ai/loopwork/internal/spawn"
	"github.com/loopwork-ai/loopwork/internal/task"
	"github.com/loopwork-ai/loopwork/internal/tracing"
)

// engineOptions vary the assembly per subcommand.
type engineOptions struct {
	// Tasks receives enhance-task guidance from the healer's recovery
	// path. Nil when no task backend is in play.
	Tasks task.Backend
	// WatchPath overrides the healer's tail target. Default: the
	// configured log file.
	WatchPath string
	// HealerOnly skips the executor stack (watch mode).
	HealerOnly bool
}

// engine is the assembled process: every component wired from one config.
type engine struct {
	cfg     *config.Config
	sink    *logsink.Sink
	tracing *tracing.Provider
	cache   *clispec.CacheHandler
	spawner spawn.Spawner

	sel   *selector.Selector
	pools *pool.Manager
	heal  *healer.Healer // nil when disabled
	exec  *executor.Executor
}

// buildEngine loads the config at cfgPath and assembles the process around
// it. On error any partially constructed components are closed.
func buildEngine(cfgPath string, opts engineOptions) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	if dir := filepath.Dir(cfg.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
	}

	e.sink, err = logsink.New(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	e.tracing, err = tracing.NewProvider(cfg.TracingSettings())
	if err != nil {
		e.close(context.Background())
		return nil, fmt.Errorf("tracing: %w", err)
	}

	e.cache = clispec.NewCacheHandler("")
	e.spawner = spawn.NewLocal(e.sink)

	if *cfg.Healer.Enabled {
		watchPath := opts.WatchPath
		if watchPath == "" {
			watchPath = cfg.LogFile
		}
		e.heal, err = healer.New(healer.Options{
			StateDir: cfg.StateDir,
			LogPath:  watchPath,
			Debounce: time.Duration(cfg.Healer.DebounceMS) * time.Millisecond,
			Deps: healer.ActionDeps{
				SpecRoot: ".",
				Cache:    e.cache,
				Tasks:    opts.Tasks,
			},
			Breaker:               cfg.BreakerSettings(),
			MaxLLMCallsPerSession: cfg.Healer.MaxLLMCallsPerSession,
			LLMCooldown:           time.Duration(cfg.Healer.LLMCooldownMS) * time.Millisecond,
			CacheTTL:              time.Duration(cfg.Healer.LLMCacheTTLHours) * time.Hour,
			WisdomExpiry:          time.Duration(cfg.Healer.WisdomExpiryDays) * 24 * time.Hour,
			MinSuccessCount:       cfg.Healer.MinSuccessCount,
			Analyzer:              healer.NewDefaultAnalyzer(e.spawner, e.sink),
			Sink:                  e.sink,
			Tracer:                e.tracing.Tracer(),
		})
		if err != nil {
			e.close(context.Background())
			return nil, fmt.Errorf("healer: %w", err)
		}
	}

	if opts.HealerOnly {
		return e, nil
	}

	e.sel = selector.New(selector.Config{
		Primary:  cfg.PrimaryModels(),
		Fallback: cfg.FallbackModels(),
		Strategy: selector.Strategy(cfg.Models.Strategy),
		Breaker:  cfg.BreakerSettings(),
	})
	e.pools, err = pool.NewManager(cfg.PoolMap(), cfg.Pools.Default)
	if err != nil {
		e.close(context.Background())
		return nil, fmt.Errorf("pools: %w", err)
	}

	var preamble string
	if cfg.Executor.PreambleFile != "" {
		b, err := os.ReadFile(cfg.Executor.PreambleFile)
		if err != nil {
			e.close(context.Background())
			return nil, fmt.Errorf("preamble: %w", err)
		}
		preamble = string(b)
	}

	execOpts := executor.Options{
		Selector:           e.sel,
		Pools:              e.pools,
		Spawner:            e.spawner,
		Resilience:         cfg.ResilienceSettings(),
		CLIPaths:           cfg.CLIPaths,
		MinFreeMemoryMB:    cfg.Executor.MinFreeMemoryMB,
		DefaultTimeout:     time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		KillGrace:          time.Duration(cfg.Executor.KillGraceSeconds) * time.Second,
		UsePTY:             cfg.Executor.UsePTY,
		Preamble:           preamble,
		RetrySameModel:     *cfg.Models.RetrySameModel,
		MaxRetriesPerModel: cfg.Models.MaxRetriesPerModel,
		Cache:              e.cache,
		Sink:               e.sink,
		Tracer:             e.tracing.Tracer(),
	}
	if e.heal != nil {
		execOpts.Failures = e.heal
	}
	e.exec, err = executor.New(execOpts)
	if err != nil {
		e.close(context.Background())
		return nil, err
	}
	return e, nil
}

// modelHealth reports the configured model pools through a fresh selector,
// for commands that inspect config without executing anything.
func modelHealth(cfg *config.Config) *selector.Health {
	h := selector.New(selector.Config{
		Primary:  cfg.PrimaryModels(),
		Fallback: cfg.FallbackModels(),
		Strategy: selector.Strategy(cfg.Models.Strategy),
		Breaker:  cfg.BreakerSettings(),
	}).HealthStatus()
	return &h
}

// close tears down in reverse construction order. Safe on a partially
// built engine.
func (e *engine) close(ctx context.Context) {
	if e.exec != nil {
		e.exec.Close()
	}
	if e.pools != nil {
		e.pools.Shutdown()
	}
	if e.tracing != nil {
		if err := e.tracing.Shutdown(ctx); err != nil && e.sink != nil {
			e.sink.ErrorErr(logsink.CatDriver, "tracing shutdown", err)
		}
	}
	if e.sink != nil {
		_ = e.sink.Close()
	}
}

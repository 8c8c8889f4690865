// Package healer implements the self-observing side channel: it tails the
// process's own log, matches lines against the pattern engine, executes
// corrective actions behind a global circuit breaker, escalates unmatched
// errors to an LLM-fallback analyzer under strict budgets, and learns
// which actions work across sessions via the wisdom store.
package healer

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loopwork-ai/loopwork/internal/breaker"
	"github.com/loopwork-ai/loopwork/internal/logsink"
	"github.com/loopwork-ai/loopwork/internal/logwatch"
	"github.com/loopwork-ai/loopwork/internal/tracing"
)

// errorish decides whether an unmatched line is worth LLM escalation.
var errorish = regexp.MustCompile(`(?i)(error|failed|exception|critical)`)

// Options configure a Healer. Zero values take defaults.
type Options struct {
	// StateDir holds monitor-state.json, wisdom.json, and llm-cache.json.
	StateDir string
	// LogPath is the file to tail. Ignored when Watcher is set.
	LogPath string
	// Watcher, when non-nil, is used instead of constructing one from
	// LogPath; the caller keeps ownership of its lifecycle.
	Watcher *logwatch.Watcher
	// Debounce is the watcher debounce for an owned watcher.
	Debounce time.Duration

	// Deps supply the pattern actions' collaborators.
	Deps ActionDeps

	// Breaker tunes the global action breaker.
	Breaker breaker.Config

	// MaxLLMCallsPerSession caps analyzer calls per process. Default 10.
	MaxLLMCallsPerSession int
	// LLMCooldown is the minimum interval between analyzer calls.
	// Default 60s.
	LLMCooldown time.Duration
	// CacheTTL is the llm-cache entry lifetime. Default 24h.
	CacheTTL time.Duration
	// WisdomExpiry is the wisdom entry lifetime. Default 30 days.
	WisdomExpiry time.Duration
	// MinSuccessCount is the wisdom trust threshold. Default 3.
	MinSuccessCount int

	// Analyzer handles LLM-fallback analysis. Default: heuristic (or
	// CLI-backed when a provider token is configured).
	Analyzer Analyzer

	Sink   *logsink.Sink
	Tracer trace.Tracer
	Now    func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxLLMCallsPerSession <= 0 {
		o.MaxLLMCallsPerSession = 10
	}
	if o.LLMCooldown <= 0 {
		o.LLMCooldown = 60 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	if o.WisdomExpiry <= 0 {
		o.WisdomExpiry = 30 * 24 * time.Hour
	}
	if o.MinSuccessCount <= 0 {
		o.MinSuccessCount = 3
	}
	if o.Sink == nil {
		o.Sink = logsink.Nop()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Healer owns the watcher, pattern engine, monitor state, wisdom store, and
// the global action breaker.
type Healer struct {
	opts     Options
	engine   *Engine
	gbreaker *breaker.Breaker
	wisdom   *Wisdom
	cache    *LLMCache
	analyzer Analyzer
	sink     *logsink.Sink
	tracer   trace.Tracer
	now      func() time.Time

	watcher     *logwatch.Watcher
	ownsWatcher bool

	mu        sync.Mutex
	state     *MonitorState
	statePath string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New loads persisted state from opts.StateDir and assembles the healer.
// Nothing runs until Start.
func New(opts Options) (*Healer, error) {
	opts.applyDefaults()
	if opts.StateDir == "" {
		return nil, fmt.Errorf("healer: StateDir is required")
	}

	statePath := filepath.Join(opts.StateDir, MonitorStateFile)
	state, err := LoadMonitorState(statePath)
	if err != nil {
		return nil, fmt.Errorf("load monitor state: %w", err)
	}

	wisdom, err := LoadWisdom(filepath.Join(opts.StateDir, WisdomFile), WisdomOptions{
		Expiry:          opts.WisdomExpiry,
		MinSuccessCount: opts.MinSuccessCount,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("load wisdom: %w", err)
	}

	cache, err := newLLMCache(filepath.Join(opts.StateDir, LLMCacheFile), opts.CacheTTL, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("load llm cache: %w", err)
	}

	gbreaker := breaker.NewWithClock(opts.Breaker, opts.Now)
	if state.Breaker != nil {
		gbreaker.Restore(*state.Breaker)
	}

	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = HeuristicAnalyzer{}
	}

	h := &Healer{
		opts:      opts,
		engine:    NewEngine(DefaultPatterns(opts.Deps)),
		gbreaker:  gbreaker,
		wisdom:    wisdom,
		cache:     cache,
		analyzer:  analyzer,
		sink:      opts.Sink,
		tracer:    opts.Tracer,
		now:       opts.Now,
		state:     state,
		statePath: statePath,
	}

	if opts.Watcher != nil {
		h.watcher = opts.Watcher
	} else if opts.LogPath != "" {
		w, err := logwatch.New(logwatch.Config{
			Path:       opts.LogPath,
			Debounce:   opts.Debounce,
			BufferSize: 512,
		})
		if err != nil {
			return nil, fmt.Errorf("build log watcher: %w", err)
		}
		h.watcher = w
		h.ownsWatcher = true
	}
	return h, nil
}

// Breaker exposes the global action breaker (for doctor reporting).
func (h *Healer) Breaker() *breaker.Breaker { return h.gbreaker }

// Wisdom exposes the wisdom store.
func (h *Healer) Wisdom() *Wisdom { return h.wisdom }

// Start begins consuming log lines. It returns immediately; the consumer
// goroutine stops when ctx is canceled or Stop is called.
func (h *Healer) Start(ctx context.Context) error {
	if h.watcher == nil {
		return fmt.Errorf("healer: no watcher configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	sub := h.watcher.Subscribe(ctx)
	if h.ownsWatcher {
		if err := h.watcher.Start(); err != nil {
			cancel()
			return fmt.Errorf("start log watcher: %w", err)
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range sub {
			h.HandleLine(ctx, ev.Payload.Line)
		}
	}()
	h.sink.Info(logsink.CatHealer, "healer started", "state_dir", h.opts.StateDir)
	return nil
}

// Stop halts consumption and persists all state.
func (h *Healer) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.ownsWatcher && h.watcher != nil {
			h.watcher.Stop()
		}
		h.wg.Wait()
		if err := h.SaveAll(); err != nil {
			h.sink.ErrorErr(logsink.CatHealer, "persist state on stop", err)
		}
	})
}

// SaveAll persists monitor state (with a fresh breaker snapshot) and the
// wisdom store. The LLM cache persists itself on every Put.
func (h *Healer) SaveAll() error {
	if err := h.saveState(); err != nil {
		return err
	}
	return h.wisdom.Save()
}

func (h *Healer) saveState() error {
	h.mu.Lock()
	snap := h.gbreaker.Snapshot()
	h.state.Breaker = &snap
	st := *h.state
	path := h.statePath
	h.mu.Unlock()
	return SaveMonitorState(path, &st)
}

// RecordTaskResult feeds the session counters from the driver loop.
func (h *Healer) RecordTaskResult(success bool) {
	h.mu.Lock()
	h.state.Attempts++
	if success {
		h.state.Successes++
	} else {
		h.state.Failures++
	}
	h.mu.Unlock()
}

// SessionStats returns (attempts, successes, failures) recorded so far.
func (h *Healer) SessionStats() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Attempts, h.state.Successes, h.state.Failures
}

// HandleLine processes one log line: pattern match and corrective action,
// or LLM escalation for unmatched error-looking lines. Exported so watch
// mode and tests can drive the healer without a live file.
func (h *Healer) HandleLine(ctx context.Context, line string) {
	// The healer's own log lines come back through the watched file; acting
	// on them would feed the loop its own output.
	if strings.Contains(line, "["+string(logsink.CatHealer)+"]") ||
		strings.Contains(line, "["+string(logsink.CatWisdom)+"]") {
		return
	}
	// Open circuit: observe nothing, touch nothing, until the reset timeout.
	if h.gbreaker.State() == breaker.StateOpen {
		return
	}

	m := h.engine.MatchLine(line)
	if m == nil {
		if errorish.MatchString(line) {
			h.maybeAnalyze(ctx, line)
		}
		return
	}

	h.mu.Lock()
	h.state.PatternCounts[m.Pattern]++
	h.mu.Unlock()
	h.sink.Debug(logsink.CatHealer, "pattern matched",
		"pattern", m.Pattern, "severity", m.Severity.String())

	action := m.Action()
	if action == nil {
		return
	}
	if !h.gbreaker.CanExecute() {
		h.sink.Debug(logsink.CatHealer, "action skipped, breaker disallows", "pattern", m.Pattern)
		return
	}
	h.runAction(ctx, m, action)
}

func (h *Healer) runAction(ctx context.Context, m *Match, action *Action) {
	ctx, span := h.tracer.Start(ctx, tracing.SpanHealerApply, trace.WithAttributes(
		attribute.String(tracing.AttrPatternName, m.Pattern),
		attribute.String(tracing.AttrHealAction, string(action.Kind)),
	))
	defer span.End()

	err := action.Apply(ctx)
	sig := PatternSignature(m.Pattern)
	if err != nil {
		h.wisdom.RecordFailure(sig, m.Pattern)
		opened := h.gbreaker.RecordFailure()
		span.SetAttributes(attribute.String(tracing.AttrHealOutcome, "failure"))
		h.sink.ErrorErr(logsink.CatWisdom, "action failed", err,
			"action", action.Kind, "pattern", m.Pattern)
		if opened {
			span.AddEvent(tracing.EventBreakerOpened)
			h.sink.Warn(logsink.CatWisdom, "global breaker opened", "pattern", m.Pattern)
		}
	} else {
		h.wisdom.RecordSuccess(sig, m.Pattern, "")
		h.gbreaker.RecordSuccess()
		span.SetAttributes(attribute.String(tracing.AttrHealOutcome, "success"))
		span.AddEvent(tracing.EventWisdomRecorded)
		h.sink.Info(logsink.CatWisdom, "action applied",
			"action", action.Kind, "pattern", m.Pattern, "description", action.Description)
	}
	if err := h.SaveAll(); err != nil {
		h.sink.ErrorErr(logsink.CatWisdom, "persist state after action", err)
	}
}

// maybeAnalyze escalates an unmatched error line to the analyzer, subject
// to the session dedup set, the persisted TTL cache, the per-session call
// cap, and the cooldown interval.
func (h *Healer) maybeAnalyze(ctx context.Context, line string) {
	hash := HashError(line)

	h.mu.Lock()
	if h.state.AnalyzedHashes[hash] {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if analysis, ok := h.cache.Get(hash); ok {
		h.mu.Lock()
		h.state.AnalyzedHashes[hash] = true
		h.mu.Unlock()
		h.sink.Info(logsink.CatHealer, "analysis cache hit",
			"hash", hash[:12], "root_cause", analysis.RootCause)
		return
	}

	// The hash is only marked analyzed once a call actually happens (or the
	// cache answers); an error first seen during cooldown gets another shot
	// on its next occurrence.
	h.mu.Lock()
	if h.state.LLMCallsThisSession >= h.opts.MaxLLMCallsPerSession {
		h.mu.Unlock()
		h.sink.Debug(logsink.CatHealer, "analysis skipped, session cap reached",
			"cap", h.opts.MaxLLMCallsPerSession)
		return
	}
	if !h.state.LastLLMCall.IsZero() && h.now().Sub(h.state.LastLLMCall) < h.opts.LLMCooldown {
		h.mu.Unlock()
		h.sink.Debug(logsink.CatHealer, "analysis skipped, cooling down")
		return
	}
	h.state.AnalyzedHashes[hash] = true
	h.state.LLMCallsThisSession++
	h.state.LastLLMCall = h.now()
	calls := h.state.LLMCallsThisSession
	h.mu.Unlock()

	ctx, span := h.tracer.Start(ctx, tracing.SpanLLMAnalyze)
	defer span.End()

	analysis, err := h.analyzer.Analyze(ctx, line)
	if err != nil {
		h.sink.ErrorErr(logsink.CatHealer, "analysis failed", err, "call", calls)
		if err := h.saveState(); err != nil {
			h.sink.ErrorErr(logsink.CatHealer, "persist state", err)
		}
		return
	}
	if err := h.cache.Put(hash, analysis); err != nil {
		h.sink.ErrorErr(logsink.CatHealer, "persist llm cache", err)
	}
	h.sink.Info(logsink.CatHealer, "analysis complete",
		"call", calls, "root_cause", analysis.RootCause,
		"confidence", fmt.Sprintf("%.2f", analysis.Confidence))
	if err := h.saveState(); err != nil {
		h.sink.ErrorErr(logsink.CatHealer, "persist state", err)
	}
}

// OnTaskFailure is the recovery path fed by the executor on final task
// failures. It analyzes the log tail and appends guidance to the task, at
// most once per (taskID, exitReason) pair.
func (h *Healer) OnTaskFailure(ctx context.Context, taskID, exitReason, logTail string) {
	if taskID == "" || h.opts.Deps.Tasks == nil {
		return
	}
	key := recoveryKey(taskID, exitReason)

	h.mu.Lock()
	if _, seen := h.state.RecoveryHistory[key]; seen {
		h.mu.Unlock()
		h.sink.Debug(logsink.CatHealer, "recovery already applied",
			"task", taskID, "reason", exitReason)
		return
	}
	h.mu.Unlock()

	if !h.gbreaker.CanExecute() {
		h.sink.Debug(logsink.CatHealer, "recovery skipped, breaker disallows", "task", taskID)
		return
	}

	ctx, span := h.tracer.Start(ctx, tracing.SpanHealerApply, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrHealAction, string(ActionEnhanceTask)),
	))
	defer span.End()

	analysis := h.recoveryAnalysis(ctx, logTail)
	note := recoveryNote(exitReason, analysis)
	err := h.opts.Deps.Tasks.AppendGuidance(ctx, taskID, note)

	sig := PatternSignature(string(ActionEnhanceTask))
	h.mu.Lock()
	h.state.RecoveryHistory[key] = RecoveryRecord{
		TaskID:     taskID,
		ExitReason: exitReason,
		Timestamp:  h.now(),
		Success:    err == nil,
	}
	h.mu.Unlock()

	if err != nil {
		h.wisdom.RecordFailure(sig, string(ActionEnhanceTask))
		h.gbreaker.RecordFailure()
		span.SetAttributes(attribute.String(tracing.AttrHealOutcome, "failure"))
		h.sink.ErrorErr(logsink.CatHealer, "recovery enhancement failed", err, "task", taskID)
	} else {
		h.wisdom.RecordSuccess(sig, string(ActionEnhanceTask), "")
		h.gbreaker.RecordSuccess()
		span.SetAttributes(attribute.String(tracing.AttrHealOutcome, "success"))
		span.AddEvent(tracing.EventRecoveryEnqueued)
		h.sink.Info(logsink.CatHealer, "recovery enhancement applied",
			"task", taskID, "reason", exitReason)
	}
	if err := h.SaveAll(); err != nil {
		h.sink.ErrorErr(logsink.CatHealer, "persist state after recovery", err)
	}
}

// recoveryAnalysis prefers the TTL cache, then the analyzer under the same
// session budgets as line escalation, then the free heuristic.
func (h *Healer) recoveryAnalysis(ctx context.Context, logTail string) Analysis {
	if strings.TrimSpace(logTail) == "" {
		return Analysis{RootCause: "task failed with no captured output", Confidence: 0.1}
	}
	hash := HashError(logTail)
	if analysis, ok := h.cache.Get(hash); ok {
		return analysis
	}

	h.mu.Lock()
	withinBudget := h.state.LLMCallsThisSession < h.opts.MaxLLMCallsPerSession &&
		(h.state.LastLLMCall.IsZero() || h.now().Sub(h.state.LastLLMCall) >= h.opts.LLMCooldown)
	if withinBudget {
		h.state.LLMCallsThisSession++
		h.state.LastLLMCall = h.now()
	}
	h.mu.Unlock()

	if withinBudget {
		if analysis, err := h.analyzer.Analyze(ctx, logTail); err == nil {
			if err := h.cache.Put(hash, analysis); err != nil {
				h.sink.ErrorErr(logsink.CatHealer, "persist llm cache", err)
			}
			return analysis
		}
	}
	analysis, _ := HeuristicAnalyzer{}.Analyze(ctx, logTail)
	return analysis
}

// recoveryNote renders the guidance appended to a failed task.
func recoveryNote(exitReason string, a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated recovery after failure (%s). Likely cause: %s.", exitReason, a.RootCause)
	for _, fix := range a.SuggestedFixes {
		b.WriteString(" ")
		b.WriteString(strings.TrimRight(fix, "."))
		b.WriteString(".")
	}
	return b.String()
}

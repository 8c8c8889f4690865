// Package executor runs one prompt end to end: it routes the task to a
// pool slot, walks the selector's model rotation under the resilience
// runner, spawns the chosen CLI, tees child output to the output file and
// the log sink, and classifies every failure into the typed taxonomy.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/fsatomic"
	"github.com/loopwork-ai/loopwork/internal/logsink"
	"github.com/loopwork-ai/loopwork/internal/looperr"
	"github.com/loopwork-ai/loopwork/internal/model"
	"github.com/loopwork-ai/loopwork/internal/pool"
	"github.com/loopwork-ai/loopwork/internal/pubsub"
	"github.com/loopwork-ai/loopwork/internal/resilience"
	"github.com/loopwork-ai/loopwork/internal/selector"
	"github.com/loopwork-ai/loopwork/internal/spawn"
	"github.com/loopwork-ai/loopwork/internal/sysinfo"
	"github.com/loopwork-ai/loopwork/internal/task"
	"github.com/loopwork-ai/loopwork/internal/tracing"
)

// Progress event types published by Execute.
const (
	EventTaskStarted   pubsub.EventType = "task-started"
	EventModelSelected pubsub.EventType = "model-selected"
	EventAttemptFailed pubsub.EventType = "attempt-failed"
	EventTaskCompleted pubsub.EventType = "task-completed"
)

// promptFileName is written next to the output file before every run so a
// crashed or wedged session can be resumed by hand.
const promptFileName = "current-prompt.md"

// classifyTailLimit bounds how much child output is kept in memory for
// failure classification. The output file always gets everything.
const classifyTailLimit = 1 << 20

// FailureObserver receives final task failures, after the resilience runner
// has given up. The healer's recovery path implements this.
type FailureObserver interface {
	OnTaskFailure(ctx context.Context, taskID, exitReason, logTail string)
}

// ExecOptions carry per-task routing metadata. All fields are optional.
type ExecOptions struct {
	TaskID   string
	WorkerID string
	// Priority routes to a pool when Feature does not name one.
	Priority string
	// Feature routes to a same-named pool when one exists.
	Feature string
	// Permissions feed the cli-kind's env mutation (e.g. the opencode
	// permission JSON or a kimi API key).
	Permissions map[string]string
}

// Options configure an Executor.
type Options struct {
	Selector *selector.Selector
	Pools    *pool.Manager
	Spawner  spawn.Spawner

	// Resilience is the retry template; MaxAttempts is computed per call
	// from the model rotation.
	Resilience resilience.Config

	// CLIPaths pins executables per cli-kind. The per-kind env override
	// still wins inside ResolveExecutable.
	CLIPaths map[string]string

	// MinFreeMemoryMB gates every spawn; a pool's MemoryLimitMB raises the
	// bar further. Default 512.
	MinFreeMemoryMB int
	// DefaultTimeout applies when the caller passes no timeout and the
	// model carries none. Default 30m.
	DefaultTimeout time.Duration
	// KillGrace is the SIGTERM-to-SIGKILL window on timeout.
	KillGrace time.Duration
	UsePTY    bool

	// Preamble is prepended to every prompt when non-empty.
	Preamble string

	// RetrySameModel gives each model MaxRetriesPerModel consecutive
	// attempts before the selector moves on.
	RetrySameModel     bool
	MaxRetriesPerModel int

	// Cache handles opencode cache corruption detection and clearing.
	Cache *clispec.CacheHandler
	// Failures, when set, is told about final (post-retry) task failures.
	Failures FailureObserver

	Sink   *logsink.Sink
	Tracer trace.Tracer

	// FreeMemoryMB overrides the host memory probe.
	FreeMemoryMB func() (int, error)
}

func (o *Options) applyDefaults() {
	if o.Sink == nil {
		o.Sink = logsink.Nop()
	}
	if o.Spawner == nil {
		o.Spawner = spawn.NewLocal(o.Sink)
	}
	if o.MinFreeMemoryMB == 0 {
		o.MinFreeMemoryMB = 512
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Minute
	}
	if o.KillGrace <= 0 {
		o.KillGrace = spawn.DefaultKillGrace
	}
	if o.MaxRetriesPerModel < 1 {
		o.MaxRetriesPerModel = 1
	}
	if o.Cache == nil {
		o.Cache = clispec.NewCacheHandler("")
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("executor")
	}
	if o.FreeMemoryMB == nil {
		o.FreeMemoryMB = sysinfo.FreeMemoryMB
	}
}

// Executor runs prompts against the configured CLI fleet.
type Executor struct {
	opts   Options
	sel    *selector.Selector
	pools  *pool.Manager
	events *pubsub.Broker[map[string]any]
}

// New validates opts and returns an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Selector == nil {
		return nil, errors.New("executor: selector is required")
	}
	if opts.Pools == nil {
		return nil, errors.New("executor: pool manager is required")
	}
	opts.applyDefaults()
	return &Executor{
		opts:   opts,
		sel:    opts.Selector,
		pools:  opts.Pools,
		events: pubsub.NewBroker[map[string]any](),
	}, nil
}

// Events exposes the task lifecycle stream. The channel closes when ctx is
// canceled or the executor is closed.
func (e *Executor) Events(ctx context.Context) <-chan pubsub.Event[map[string]any] {
	return e.events.Subscribe(ctx)
}

// Close shuts down the progress broker. In-flight Execute calls finish.
func (e *Executor) Close() {
	e.events.Close()
}

// Execute runs prompt through the model rotation until one CLI succeeds or
// every configuration is exhausted. Child output streams to outputFile and
// the log sink. The returned exit code is the last one observed from a
// child, or -1 when nothing ran.
func (e *Executor) Execute(ctx context.Context, prompt, outputFile string, timeout time.Duration, opts ExecOptions) (int, error) {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	finalPrompt := e.composePrompt(prompt)
	e.persistPrompt(outputFile, finalPrompt)

	poolName := e.resolvePool(opts)

	ctx, span := e.opts.Tracer.Start(ctx, tracing.SpanExecuteTask, trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, opts.TaskID),
		attribute.String(tracing.AttrTaskPriority, opts.Priority),
		attribute.String(tracing.AttrTaskFeature, opts.Feature),
		attribute.String(tracing.AttrPoolName, poolName),
	))
	defer span.End()

	e.events.Publish(EventTaskStarted, map[string]any{
		"task_id":  opts.TaskID,
		"worker":   opts.WorkerID,
		"priority": opts.Priority,
		"feature":  opts.Feature,
		"pool":     poolName,
	})
	e.opts.Sink.Info(logsink.CatExecutor, "task started",
		"task", opts.TaskID, "pool", poolName, "timeout", timeout.String())

	slot, err := e.acquireSlot(ctx, poolName, opts.TaskID)
	if err != nil {
		e.events.Publish(EventTaskCompleted, map[string]any{
			"task_id": opts.TaskID, "success": false, "error": err.Error(),
		})
		return -1, err
	}
	defer func() {
		if rerr := e.pools.Release(slot.ID); rerr != nil {
			e.opts.Sink.Warn(logsink.CatExecutor, "slot release failed",
				"pool", slot.Pool, "error", rerr.Error())
		}
	}()

	perModel := 1
	if e.opts.RetrySameModel {
		perModel = e.opts.MaxRetriesPerModel
	}
	x := &execution{
		ex:         e,
		prompt:     finalPrompt,
		outputFile: outputFile,
		timeout:    timeout,
		slot:       slot,
		opts:       opts,
		lastCode:   -1,
	}

	rc := e.opts.Resilience
	rc.MaxAttempts = e.sel.TotalModelCount()*perModel + 1
	// Quota errors are typed fatal but must reach the next attempt, which
	// draws from the fallback pool after SwitchToFallback.
	rc.RetryableErrors = append(append([]string{}, rc.RetryableErrors...), "quota exceeded")
	prevOnRetry := rc.OnRetry
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.opts.Sink.Warn(logsink.CatExecutor, "attempt failed, retrying",
			"task", opts.TaskID, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		if looperr.IsRateLimit(err) {
			span.AddEvent(tracing.EventRateLimitSleep, trace.WithAttributes(
				attribute.String("delay", delay.String()),
			))
		}
		if prevOnRetry != nil {
			prevOnRetry(attempt, delay, err)
		}
	}

	res := resilience.New(rc).Execute(ctx, x.run)
	span.SetAttributes(
		attribute.Int(tracing.AttrAttempt, res.Attempts),
		attribute.Int(tracing.AttrExitCode, x.lastCode),
	)

	if res.Success {
		e.opts.Sink.Info(logsink.CatExecutor, "task completed",
			"task", opts.TaskID, "attempts", res.Attempts, "exit_code", x.lastCode)
		e.events.Publish(EventTaskCompleted, map[string]any{
			"task_id":   opts.TaskID,
			"success":   true,
			"attempts":  res.Attempts,
			"exit_code": x.lastCode,
		})
		return x.lastCode, nil
	}

	if ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
		// Cancellation is the caller's doing, not a fleet failure.
		return x.lastCode, res.Err
	}

	ferr := fmt.Errorf("all CLI configurations failed: %w", res.Err)
	span.SetAttributes(
		attribute.String(tracing.AttrErrorType, errKind(res.Err)),
		attribute.String(tracing.AttrErrorMessage, res.Err.Error()),
	)
	e.opts.Sink.Error(logsink.CatExecutor, "task failed",
		"task", opts.TaskID, "attempts", res.Attempts, "error", res.Err.Error())
	e.events.Publish(EventTaskCompleted, map[string]any{
		"task_id":  opts.TaskID,
		"success":  false,
		"attempts": res.Attempts,
		"error":    ferr.Error(),
	})
	e.notifyFailure(ctx, opts.TaskID, res.Err, outputFile)
	return x.lastCode, ferr
}

// composePrompt prepends the configured preamble.
func (e *Executor) composePrompt(prompt string) string {
	if e.opts.Preamble == "" {
		return prompt
	}
	return strings.TrimRight(e.opts.Preamble, "\n") + "\n\n" + prompt
}

// persistPrompt writes the composed prompt next to the output file. Failure
// is logged but never blocks execution.
func (e *Executor) persistPrompt(outputFile, prompt string) {
	path := filepath.Join(filepath.Dir(outputFile), promptFileName)
	if err := fsatomic.WriteFile(path, []byte(prompt), 0o644); err != nil {
		e.opts.Sink.Warn(logsink.CatExecutor, "prompt snapshot failed",
			"path", path, "error", err.Error())
	}
}

// resolvePool picks the slot pool: a pool named after the feature wins,
// then the priority class, then the manager's default.
func (e *Executor) resolvePool(opts ExecOptions) string {
	if opts.Feature != "" {
		if _, ok := e.pools.GetPoolConfig(opts.Feature); ok {
			return opts.Feature
		}
	}
	p := string(task.NormalizePriority(opts.Priority))
	if _, ok := e.pools.GetPoolConfig(p); ok {
		return p
	}
	return e.pools.DefaultPool()
}

func (e *Executor) acquireSlot(ctx context.Context, poolName, taskID string) (*pool.Slot, error) {
	ctx, span := e.opts.Tracer.Start(ctx, tracing.SpanPoolAcquire, trace.WithAttributes(
		attribute.String(tracing.AttrPoolName, poolName),
		attribute.String(tracing.AttrTaskID, taskID),
	))
	defer span.End()
	slot, err := e.pools.Acquire(ctx, poolName, taskID)
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return nil, err
	}
	return slot, nil
}

// notifyFailure hands a final failure to the attached observer, with the
// tail of the output file as evidence.
func (e *Executor) notifyFailure(ctx context.Context, taskID string, cause error, outputFile string) {
	if e.opts.Failures == nil || taskID == "" {
		return
	}
	e.opts.Failures.OnTaskFailure(ctx, taskID, errKind(cause), tailOfFile(outputFile, 4096))
}

// errKind extracts the stable error class tag, or "unknown".
func errKind(err error) string {
	var le looperr.Error
	if errors.As(err, &le) {
		return le.Kind()
	}
	return "unknown"
}

// tailOfFile reads up to limit bytes from the end of path.
func tailOfFile(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := int64(0)
	if st.Size() > limit {
		off = st.Size() - limit
	}
	buf := make([]byte, st.Size()-off)
	n, _ := f.ReadAt(buf, off)
	return string(buf[:n])
}

// execution carries the state shared between one Execute call's attempts.
type execution struct {
	ex         *Executor
	prompt     string
	outputFile string
	timeout    time.Duration
	slot       *pool.Slot
	opts       ExecOptions

	attempt  int
	lastCode int
}

// run performs one attempt against the selector's next model.
func (x *execution) run(ctx context.Context) error {
	x.attempt++
	e := x.ex

	mc := e.sel.GetNext()
	if mc == nil {
		return looperr.NewModelUnavailable("no models left")
	}

	ctx, span := e.opts.Tracer.Start(ctx, tracing.SpanAttempt, trace.WithAttributes(
		attribute.Int(tracing.AttrAttempt, x.attempt),
		attribute.String(tracing.AttrModelName, mc.Name),
		attribute.String(tracing.AttrCliKind, mc.Kind),
	))
	defer span.End()

	code, err := x.runModel(ctx, span, mc)
	if code != -1 {
		x.lastCode = code
	}
	if err != nil {
		// Resource pressure and cancellation are the host's fault, not
		// the model's; everything else counts against its breaker.
		if !looperr.IsResourceExhausted(err) && ctx.Err() == nil {
			e.sel.RecordFailure(mc.Name)
		}
		span.SetAttributes(
			attribute.String(tracing.AttrErrorType, errKind(err)),
			attribute.String(tracing.AttrErrorMessage, err.Error()),
			attribute.Int(tracing.AttrExitCode, code),
		)
		e.events.Publish(EventAttemptFailed, map[string]any{
			"task_id":   x.opts.TaskID,
			"attempt":   x.attempt,
			"model":     mc.Name,
			"kind":      errKind(err),
			"exit_code": code,
			"error":     err.Error(),
		})
		return err
	}

	e.sel.RecordSuccess(mc.Name)
	span.SetAttributes(attribute.Int(tracing.AttrExitCode, code))
	return nil
}

// runModel resolves, gates, spawns, and classifies one CLI invocation.
func (x *execution) runModel(ctx context.Context, span trace.Span, mc *model.Config) (int, error) {
	e := x.ex

	spec, ok := clispec.Lookup(mc.Kind)
	if !ok {
		return -1, looperr.NewCliNotFound(mc.Kind)
	}
	span.AddEvent(tracing.EventModelSelected)
	e.events.Publish(EventModelSelected, map[string]any{
		"task_id": x.opts.TaskID,
		"attempt": x.attempt,
		"model":   mc.Name,
		"display": mc.Display(),
		"kind":    spec.Key,
	})
	e.opts.Sink.Info(logsink.CatExecutor, "model selected",
		"task", x.opts.TaskID, "attempt", x.attempt, "model", mc.Display(), "kind", spec.Key)

	exe, err := spec.ResolveExecutable(e.opts.CLIPaths[spec.Key])
	if err != nil {
		return -1, err
	}

	minFree := e.opts.MinFreeMemoryMB
	if x.slot.MemoryLimitMB > minFree {
		minFree = x.slot.MemoryLimitMB
	}
	if free, ferr := e.opts.FreeMemoryMB(); ferr != nil {
		e.opts.Sink.Warn(logsink.CatExecutor, "memory probe failed", "error", ferr.Error())
	} else if free < minFree {
		return -1, looperr.NewResourceExhausted(free, minFree)
	}

	timeout := x.timeout
	if mc.Timeout > 0 {
		timeout = mc.Timeout
	}

	argv := spec.BuildArgs(mc.Model, x.prompt, mc.ExtraArgs)
	env := buildEnv(spec, mc, x.opts.Permissions)

	display := mc.Display()
	start := time.Now()
	proc, err := e.opts.Spawner.Spawn(ctx, exe, argv, spawn.Options{
		Env:    env,
		Nice:   x.slot.Nice,
		UsePTY: e.opts.UsePTY,
	})
	if err != nil {
		if looperr.IsExecNotFound(err) {
			return -1, looperr.NewCliNotFound(spec.Key)
		}
		return -1, looperr.NewTransient(display, "spawn failed: "+err.Error())
	}

	log := newAttemptLog(e.opts.Sink, x.outputFile)
	var wg sync.WaitGroup
	for _, r := range []io.Reader{proc.Output(), proc.ErrOutput()} {
		if r == nil {
			continue
		}
		wg.Add(1)
		go tee(&wg, r, log)
	}

	if spec.StdinMode == clispec.StdinPrompt {
		in := proc.Input()
		go func() {
			_, _ = io.WriteString(in, x.prompt)
			_ = in.Close()
		}()
	} else if in := proc.Input(); in != nil {
		_ = in.Close()
	}

	timedOut := false
	timer := time.NewTimer(timeout)
	select {
	case <-proc.Done():
		timer.Stop()
	case <-timer.C:
		timedOut = true
		e.opts.Sink.Warn(logsink.CatExecutor, "attempt timed out, terminating",
			"task", x.opts.TaskID, "model", display, "timeout", timeout.String())
		spawn.Terminate(proc, e.opts.KillGrace)
	case <-ctx.Done():
		timer.Stop()
		spawn.Terminate(proc, e.opts.KillGrace)
	}

	code, werr := proc.Wait()
	wg.Wait()
	log.close()

	if ctx.Err() != nil && !timedOut {
		return code, ctx.Err()
	}
	if werr != nil {
		return code, looperr.NewTransient(display, "wait failed: "+werr.Error())
	}
	return code, x.classify(span, spec, display, log.tail(), code, timedOut, time.Since(start))
}

// classify turns one finished invocation into a typed error, or nil for
// success. Output patterns are checked before the exit code: some CLIs
// exit 0 while reporting quota exhaustion.
func (x *execution) classify(span trace.Span, spec clispec.Spec, display, output string, code int, timedOut bool, elapsed time.Duration) error {
	e := x.ex
	switch {
	case timedOut:
		return looperr.NewTimeout(display, elapsed)
	case spec.MatchesRateLimit(output):
		return looperr.NewRateLimit(display, "rate limit reported by CLI", nil)
	case spec.MatchesQuota(output):
		e.sel.SwitchToFallback()
		span.AddEvent(tracing.EventFallbackActive)
		e.opts.Sink.Warn(logsink.CatExecutor, "quota exhausted, switching to fallback models",
			"model", display)
		return looperr.NewQuotaExceeded(display, "quota exceeded")
	case spec.Key == "opencode" && e.opts.Cache.Detect(output):
		n, cerr := e.opts.Cache.Clear()
		if cerr != nil {
			return looperr.NewCacheCorruption(display, "cache corruption detected, clear failed: "+cerr.Error(), false)
		}
		span.AddEvent(tracing.EventCacheCleared)
		e.opts.Sink.Info(logsink.CatExecutor, "opencode cache cleared", "entries", n)
		return looperr.NewTransient(display, "opencode cache corruption detected and cleared")
	case code != 0:
		return looperr.NewFatal(display, fmt.Sprintf("CLI exited with code %d", code), code)
	}
	return nil
}

// buildEnv layers the model's env and the task's permissions over the
// parent's, then lets the cli-kind apply its own mutations. Permissions
// land before MutateEnv so a caller-supplied value suppresses the kind's
// default.
func buildEnv(spec clispec.Spec, mc *model.Config, permissions map[string]string) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range mc.Env {
		env[k] = v
	}
	for k, v := range permissions {
		env[k] = v
	}
	if spec.MutateEnv != nil {
		spec.MutateEnv(env, permissions)
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// attemptLog fans one attempt's child output to the output file, the log
// sink, and a bounded tail kept for classification.
type attemptLog struct {
	mu   sync.Mutex
	file *os.File
	sink *logsink.Sink
	data []byte
}

func newAttemptLog(sink *logsink.Sink, outputFile string) *attemptLog {
	a := &attemptLog{sink: sink}
	if outputFile == "" {
		return a
	}
	f, err := os.Create(outputFile)
	if err != nil {
		sink.Warn(logsink.CatExecutor, "output file open failed",
			"path", outputFile, "error", err.Error())
		return a
	}
	a.file = f
	return a
}

func (a *attemptLog) writeLine(line string) {
	a.mu.Lock()
	if a.file != nil {
		_, _ = a.file.WriteString(line + "\n")
	}
	a.data = append(a.data, line...)
	a.data = append(a.data, '\n')
	if len(a.data) > classifyTailLimit {
		a.data = a.data[len(a.data)-classifyTailLimit:]
	}
	a.mu.Unlock()
	a.sink.Info(logsink.CatExecutor, line)
}

func (a *attemptLog) tail() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.data)
}

func (a *attemptLog) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

// tee copies r line by line into log until EOF.
func tee(wg *sync.WaitGroup, r io.Reader, log *attemptLog) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			log.writeLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/looperr"
	"github.com/loopwork-ai/loopwork/internal/model"
	"github.com/loopwork-ai/loopwork/internal/pool"
	"github.com/loopwork-ai/loopwork/internal/pubsub"
	"github.com/loopwork-ai/loopwork/internal/resilience"
	"github.com/loopwork-ai/loopwork/internal/selector"
	"github.com/loopwork-ai/loopwork/internal/spawn"
)

// step scripts one Spawn call.
type step struct {
	output string
	code   int
	// hold keeps the child "running" until the test calls exit or the
	// executor signals it.
	hold bool
	// err fails the Spawn call itself.
	err error
}

type spawnCall struct {
	command string
	argv    []string
	env     []string
	nice    int
	pty     bool
}

type fakeSpawner struct {
	mu    sync.Mutex
	steps []step
	calls []spawnCall
	procs []*fakeProc
}

func (f *fakeSpawner) Spawn(_ context.Context, command string, argv []string, opts spawn.Options) (spawn.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, spawnCall{
		command: command,
		argv:    append([]string{}, argv...),
		env:     append([]string{}, opts.Env...),
		nice:    opts.Nice,
		pty:     opts.UsePTY,
	})
	var st step
	if i < len(f.steps) {
		st = f.steps[i]
	}
	if st.err != nil {
		return nil, st.err
	}
	p := &fakeProc{
		out:  strings.NewReader(st.output),
		in:   &stdinRecorder{},
		done: make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	if !st.hold {
		p.exit(st.code)
	}
	return p, nil
}

func (f *fakeSpawner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSpawner) call(i int) spawnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeSpawner) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

// fakeProc is a scripted child. It dies on SIGTERM or SIGKILL.
type fakeProc struct {
	out io.Reader
	in  *stdinRecorder

	mu      sync.Mutex
	done    chan struct{}
	code    int
	exited  bool
	signals []syscall.Signal
}

func (p *fakeProc) Output() io.Reader     { return p.out }
func (p *fakeProc) ErrOutput() io.Reader  { return nil }
func (p *fakeProc) Input() io.WriteCloser { return p.in }
func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		p.exitLocked(-int(sig))
	}
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(code)
}

func (p *fakeProc) exitLocked(code int) {
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	close(p.done)
}

func (p *fakeProc) signaled(sig syscall.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type stdinRecorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (r *stdinRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(b)
}

func (r *stdinRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stdinRecorder) snapshot() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String(), r.closed
}

// sleepLog records requested retry delays without actually sleeping.
type sleepLog struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) bool {
	l.mu.Lock()
	l.slept = append(l.slept, d)
	l.mu.Unlock()
	return ctx.Err() == nil
}

func (l *sleepLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slept)
}

func (l *sleepLog) total() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum time.Duration
	for _, d := range l.slept {
		sum += d
	}
	return sum
}

type failureLog struct {
	mu     sync.Mutex
	calls  int
	taskID string
	reason string
	tail   string
}

func (f *failureLog) OnTaskFailure(_ context.Context, taskID, exitReason, logTail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.taskID = taskID
	f.reason = exitReason
	f.tail = logTail
}

func (f *failureLog) snapshot() failureLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return failureLog{calls: f.calls, taskID: f.taskID, reason: f.reason, tail: f.tail}
}

func mc(name, kind string) model.Config {
	return model.Config{Name: name, Kind: kind, Model: name + "-latest", Enabled: true}
}

type harness struct {
	ex      *Executor
	sel     *selector.Selector
	spawner *fakeSpawner
	sleeps  *sleepLog
	dir     string
}

func newHarness(t *testing.T, primary, fallback []model.Config, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()

	pools, err := pool.NewManager(map[string]pool.Config{
		"high":     {Size: 2},
		"medium":   {Size: 2},
		"low":      {Size: 1},
		"payments": {Size: 1},
	}, "medium")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(pools.Shutdown)

	sel := selector.New(selector.Config{Primary: primary, Fallback: fallback})
	spawner := &fakeSpawner{}
	sleeps := &sleepLog{}

	opts := Options{
		Selector: sel,
		Pools:    pools,
		Spawner:  spawner,
		CLIPaths: map[string]string{
			"claude":   "/fake/bin/claude",
			"opencode": "/fake/bin/opencode",
		},
		Resilience: resilience.Config{
			BaseDelay:     time.Millisecond,
			MaxDelay:      2 * time.Millisecond,
			RateLimitWait: 5 * time.Millisecond,
			SleepFunc:     sleeps.sleep,
		},
		KillGrace:    20 * time.Millisecond,
		Cache:        clispec.NewCacheHandler(filepath.Join(dir, "opencode-cache")),
		FreeMemoryMB: func() (int, error) { return 8192, nil },
	}
	if mutate != nil {
		mutate(&opts)
	}

	ex, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ex.Close)
	return &harness{ex: ex, sel: sel, spawner: spawner, sleeps: sleeps, dir: dir}
}

func (h *harness) outputPath() string {
	return filepath.Join(h.dir, "task-output.md")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New accepted empty options")
	}
	pools, err := pool.NewManager(map[string]pool.Config{"medium": {Size: 1}}, "medium")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer pools.Shutdown()
	if _, err := New(Options{Pools: pools}); err == nil {
		t.Fatalf("New accepted options without a selector")
	}
}

func TestExecuteSuccessTeesOutput(t *testing.T) {
	alpha := mc("alpha", "claude")
	alpha.Env = map[string]string{"ALPHA_TOKEN": "abc"}
	alpha.ExtraArgs = []string{"--verbose"}

	h := newHarness(t, []model.Config{alpha}, nil, func(o *Options) {
		o.Preamble = "Always run the linter.\n"
	})
	h.spawner.steps = []step{{output: "hello from claude\nwork complete", code: 0}}

	code, err := h.ex.Execute(context.Background(), "do the thing", h.outputPath(), 0, ExecOptions{
		TaskID:   "t-1",
		Priority: "high",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	out, err := os.ReadFile(h.outputPath())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "hello from claude\nwork complete\n" {
		t.Fatalf("output file = %q", out)
	}

	wantPrompt := "Always run the linter.\n\ndo the thing"
	snap, err := os.ReadFile(filepath.Join(h.dir, "current-prompt.md"))
	if err != nil {
		t.Fatalf("read prompt snapshot: %v", err)
	}
	if string(snap) != wantPrompt {
		t.Fatalf("prompt snapshot = %q, want %q", snap, wantPrompt)
	}

	call := h.spawner.call(0)
	if call.command != "/fake/bin/claude" {
		t.Fatalf("command = %q", call.command)
	}
	if len(call.argv) != 1 || call.argv[0] != "--verbose" {
		t.Fatalf("argv = %v", call.argv)
	}
	if !hasEnv(call.env, "ALPHA_TOKEN=abc") {
		t.Fatalf("model env not applied: %v", call.env)
	}

	// The prompt goes to stdin for claude-kind CLIs; the writer runs in
	// its own goroutine, so wait for the close.
	rec := h.spawner.proc(0).in
	waitFor(t, "stdin close", func() bool {
		_, closed := rec.snapshot()
		return closed
	})
	if got, _ := rec.snapshot(); got != wantPrompt {
		t.Fatalf("stdin = %q, want %q", got, wantPrompt)
	}

	if n := h.sel.RetryCount("alpha"); n != 0 {
		t.Fatalf("retry count = %d after success", n)
	}
}

func TestExecuteQuotaFailoverUsesFallback(t *testing.T) {
	alpha := mc("alpha", "claude")
	alpha.Env = map[string]string{"MODEL_TAG": "alpha"}
	beta := mc("beta", "claude")
	beta.Env = map[string]string{"MODEL_TAG": "beta"}

	h := newHarness(t, []model.Config{alpha}, []model.Config{beta}, nil)
	h.spawner.steps = []step{
		{output: "Your quota exceeded for this billing period", code: 0},
		{output: "fallback success", code: 0},
	}

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-2"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := h.spawner.callCount(); n != 2 {
		t.Fatalf("spawn calls = %d, want 2", n)
	}
	if !h.sel.UsingFallback() {
		t.Fatalf("selector did not switch to fallback")
	}
	if !hasEnv(h.spawner.call(1).env, "MODEL_TAG=beta") {
		t.Fatalf("second attempt did not use the fallback model: %v", h.spawner.call(1).env)
	}
	if n := h.sel.RetryCount("alpha"); n != 1 {
		t.Fatalf("alpha retry count = %d, want 1", n)
	}
}

func TestExecuteOpencodeCacheRecovery(t *testing.T) {
	h := newHarness(t, []model.Config{mc("ocx", "opencode")}, nil, nil)

	cacheRoot := filepath.Join(h.dir, "opencode-cache")
	modDir := filepath.Join(cacheRoot, "node_modules", "left-pad")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(modDir, "index.js"), []byte("module.exports = 1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	h.spawner.steps = []step{
		{output: "ENOENT: no such file or directory, open '/home/ci/.cache/opencode/node_modules/left-pad/index.js'", code: 1},
		{output: "done", code: 0},
	}

	code, err := h.ex.Execute(context.Background(), "fix the build", h.outputPath(), 0, ExecOptions{TaskID: "t-3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := h.spawner.callCount(); n != 2 {
		t.Fatalf("spawn calls = %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "node_modules")); !os.IsNotExist(err) {
		t.Fatalf("cache was not cleared: %v", err)
	}

	call := h.spawner.call(0)
	want := []string{"run", "--model", "ocx-latest", "fix the build"}
	if len(call.argv) != len(want) {
		t.Fatalf("argv = %v, want %v", call.argv, want)
	}
	for i := range want {
		if call.argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", call.argv, want)
		}
	}
	// Opencode takes the prompt in argv; stdin is closed untouched, and
	// the permission default is injected.
	if got, closed := h.spawner.proc(0).in.snapshot(); got != "" || !closed {
		t.Fatalf("stdin = (%q, closed=%v), want empty and closed", got, closed)
	}
	found := false
	for _, e := range call.env {
		if strings.HasPrefix(e, "OPENCODE_PERMISSION=") {
			found = true
		}
	}
	if !found {
		t.Fatalf("OPENCODE_PERMISSION not defaulted: %v", call.env)
	}
}

func TestExecuteRateLimitSleeps(t *testing.T) {
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, func(o *Options) {
		o.RetrySameModel = true
		o.MaxRetriesPerModel = 2
		o.Resilience.RateLimitWait = 100 * time.Millisecond
	})
	h.spawner.steps = []step{
		{output: "HTTP 429 Too Many Requests", code: 1},
		{output: "rate limit reached, try again later", code: 1},
		{output: "ok", code: 0},
	}

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-4"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := h.spawner.callCount(); n != 3 {
		t.Fatalf("spawn calls = %d, want 3", n)
	}
	if n := h.sleeps.count(); n != 2 {
		t.Fatalf("recorded sleeps = %d, want 2", n)
	}
	if total := h.sleeps.total(); total < 200*time.Millisecond {
		t.Fatalf("total sleep = %v, want >= 200ms", total)
	}
}

func TestExecuteTimeoutTerminatesChild(t *testing.T) {
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, nil)
	h.spawner.steps = []step{
		{hold: true},
		{output: "recovered", code: 0},
	}

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 30*time.Millisecond, ExecOptions{TaskID: "t-5"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := h.spawner.callCount(); n != 2 {
		t.Fatalf("spawn calls = %d, want 2", n)
	}
	if !h.spawner.proc(0).signaled(syscall.SIGTERM) {
		t.Fatalf("timed-out child was not terminated")
	}
}

func TestExecuteFatalExitNotifiesObserver(t *testing.T) {
	obs := &failureLog{}
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, func(o *Options) {
		o.Failures = obs
	})
	h.spawner.steps = []step{{output: "panic: boom", code: 3}}

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-9"})
	if err == nil {
		t.Fatalf("Execute succeeded on a fatal exit")
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !strings.Contains(err.Error(), "all CLI configurations failed") {
		t.Fatalf("error = %v", err)
	}
	var fe *looperr.FatalError
	if !errors.As(err, &fe) || fe.ExitCode != 3 {
		t.Fatalf("error chain lost the fatal exit: %v", err)
	}
	if n := h.spawner.callCount(); n != 1 {
		t.Fatalf("spawn calls = %d, want 1 (fatal errors do not retry)", n)
	}

	got := obs.snapshot()
	if got.calls != 1 {
		t.Fatalf("observer calls = %d, want 1", got.calls)
	}
	if got.taskID != "t-9" || got.reason != "fatal" {
		t.Fatalf("observer saw (%q, %q)", got.taskID, got.reason)
	}
	if !strings.Contains(got.tail, "panic: boom") {
		t.Fatalf("observer tail = %q", got.tail)
	}
}

func TestExecuteNoModelsConfigured(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-6"})
	if err == nil {
		t.Fatalf("Execute succeeded with no models")
	}
	if code != -1 {
		t.Fatalf("exit code = %d, want -1", code)
	}
	if !looperr.IsModelUnavailable(err) {
		t.Fatalf("error = %v, want model unavailable", err)
	}
	if n := h.spawner.callCount(); n != 0 {
		t.Fatalf("spawn calls = %d, want 0", n)
	}
}

func TestExecuteMemoryGateBlocksSpawn(t *testing.T) {
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, func(o *Options) {
		o.FreeMemoryMB = func() (int, error) { return 128, nil }
	})

	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-7"})
	if err == nil {
		t.Fatalf("Execute succeeded under memory pressure")
	}
	if code != -1 {
		t.Fatalf("exit code = %d, want -1", code)
	}
	if !looperr.IsResourceExhausted(err) {
		t.Fatalf("error = %v, want resource exhausted", err)
	}
	if n := h.spawner.callCount(); n != 0 {
		t.Fatalf("spawn calls = %d, want 0", n)
	}
	// The host ran out of memory, not the model; its breaker stays clean.
	if n := h.sel.RetryCount("alpha"); n != 0 {
		t.Fatalf("alpha retry count = %d, want 0", n)
	}
}

func TestExecuteAttemptBudget(t *testing.T) {
	cases := []struct {
		name      string
		retrySame bool
		perModel  int
		wantCalls int
	}{
		{"single pass per model", false, 3, 2},
		{"retry same model", true, 2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, func(o *Options) {
				o.RetrySameModel = tc.retrySame
				o.MaxRetriesPerModel = tc.perModel
			})
			// Every spawn fails transiently, so the runner walks the
			// whole budget: totalModels x perModel + 1.
			h.spawner.steps = []step{
				{err: errors.New("fork failed")},
				{err: errors.New("fork failed")},
				{err: errors.New("fork failed")},
				{err: errors.New("fork failed")},
			}

			_, err := h.ex.Execute(context.Background(), "p", h.outputPath(), 0, ExecOptions{TaskID: "t-8"})
			if err == nil {
				t.Fatalf("Execute succeeded with a failing spawner")
			}
			if !strings.Contains(err.Error(), "all CLI configurations failed") {
				t.Fatalf("error = %v", err)
			}
			if n := h.spawner.callCount(); n != tc.wantCalls {
				t.Fatalf("spawn calls = %d, want %d", n, tc.wantCalls)
			}
		})
	}
}

func TestExecutePoolBackpressure(t *testing.T) {
	pools, err := pool.NewManager(map[string]pool.Config{"solo": {Size: 1}}, "solo")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer pools.Shutdown()

	sel := selector.New(selector.Config{Primary: []model.Config{mc("alpha", "claude")}})
	spawner := &fakeSpawner{steps: []step{{hold: true}, {hold: true}}}
	sleeps := &sleepLog{}
	ex, err := New(Options{
		Selector: sel,
		Pools:    pools,
		Spawner:  spawner,
		CLIPaths: map[string]string{"claude": "/fake/bin/claude"},
		Resilience: resilience.Config{
			BaseDelay: time.Millisecond,
			SleepFunc: sleeps.sleep,
		},
		FreeMemoryMB: func() (int, error) { return 8192, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ex.Close()

	dir := t.TempDir()
	results := make(chan error, 2)
	run := func(id, out string) {
		_, err := ex.Execute(context.Background(), "p", filepath.Join(dir, out), 0, ExecOptions{TaskID: id})
		results <- err
	}

	go run("first", "out-1.md")
	waitFor(t, "first spawn", func() bool { return spawner.callCount() == 1 })

	go run("second", "out-2.md")
	time.Sleep(50 * time.Millisecond)
	if n := spawner.callCount(); n != 1 {
		t.Fatalf("second task spawned while the slot was held (calls=%d)", n)
	}

	spawner.proc(0).exit(0)
	waitFor(t, "second spawn", func() bool { return spawner.callCount() == 2 })
	spawner.proc(1).exit(0)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Execute did not return")
		}
	}
}

func TestResolvePoolRouting(t *testing.T) {
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, nil)

	cases := []struct {
		name string
		opts ExecOptions
		want string
	}{
		{"feature pool wins", ExecOptions{Feature: "payments", Priority: "high"}, "payments"},
		{"unknown feature falls to priority", ExecOptions{Feature: "nope", Priority: "high"}, "high"},
		{"unknown priority normalizes to medium", ExecOptions{Priority: "URGENT"}, "medium"},
		{"empty routes to default", ExecOptions{}, "medium"},
		{"background has no pool here", ExecOptions{Priority: "background"}, "medium"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.ex.resolvePool(tc.opts); got != tc.want {
				t.Fatalf("resolvePool(%+v) = %q, want %q", tc.opts, got, tc.want)
			}
		})
	}
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	h := newHarness(t, []model.Config{mc("alpha", "claude")}, nil, nil)
	h.spawner.steps = []step{{output: "ok", code: 0}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.ex.Events(ctx)

	if _, err := h.ex.Execute(ctx, "p", h.outputPath(), 0, ExecOptions{TaskID: "t-10"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var types []pubsub.EventType
	var completed map[string]any
	deadline := time.After(2 * time.Second)
	for completed == nil {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == EventTaskCompleted {
				completed = ev.Payload
			}
		case <-deadline:
			t.Fatalf("no completion event; saw %v", types)
		}
	}

	if types[0] != EventTaskStarted {
		t.Fatalf("first event = %v, want %v", types[0], EventTaskStarted)
	}
	sawModel := false
	for _, ty := range types {
		if ty == EventModelSelected {
			sawModel = true
		}
	}
	if !sawModel {
		t.Fatalf("no model-selected event; saw %v", types)
	}
	if success, _ := completed["success"].(bool); !success {
		t.Fatalf("completion payload = %v", completed)
	}
	if id, _ := completed["task_id"].(string); id != "t-10" {
		t.Fatalf("completion task_id = %v", completed["task_id"])
	}
}

func TestExecuteModelTimeoutOverride(t *testing.T) {
	slow := mc("slow", "claude")
	slow.Timeout = 25 * time.Millisecond

	h := newHarness(t, []model.Config{slow}, nil, nil)
	h.spawner.steps = []step{
		{hold: true},
		{output: "ok", code: 0},
	}

	// The call-level timeout is generous; the model's own must win.
	start := time.Now()
	code, err := h.ex.Execute(context.Background(), "p", h.outputPath(), time.Hour, ExecOptions{TaskID: "t-11"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("model timeout did not apply (took %v)", elapsed)
	}
	if !h.spawner.proc(0).signaled(syscall.SIGTERM) {
		t.Fatalf("held child was never terminated")
	}
}

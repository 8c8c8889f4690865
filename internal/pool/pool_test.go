package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func mustManager(t *testing.T, pools map[string]Config, def string) *Manager {
	t.Helper()
	m, err := NewManager(pools, def)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewManager_RequiresDeclaredDefault(t *testing.T) {
	if _, err := NewManager(map[string]Config{"a": {Size: 1}}, "missing"); err == nil {
		t.Fatal("expected error for undeclared default pool")
	}
	if _, err := NewManager(nil, ""); err == nil {
		t.Fatal("expected error for empty pool map")
	}
}

func TestAcquire_ImmediateUnderCapacity(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 2, Nice: 5, MemoryLimitMB: 256}}, "p")

	s1, err := m.Acquire(context.Background(), "p", "task-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	s2, err := m.Acquire(context.Background(), "p", "task-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatalf("duplicate slot id %q", s1.ID)
	}
	if s1.Pool != "p" || s1.TaskID != "task-1" || s1.Nice != 5 || s1.MemoryLimitMB != 256 {
		t.Fatalf("slot fields: %+v", s1)
	}
	if got := m.Stats()["p"]; got.Active != 2 || got.Size != 2 || got.Waiting != 0 || got.TotalAcquired != 2 {
		t.Fatalf("stats: %+v", got)
	}
}

func TestAcquire_EmptyNameUsesDefaultPool(t *testing.T) {
	m := mustManager(t, map[string]Config{"high": {Size: 1}, "medium": {Size: 1}}, "medium")
	s, err := m.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Pool != "medium" {
		t.Fatalf("pool: got %q want medium", s.Pool)
	}
}

func TestAcquire_UnknownPool(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")
	if _, err := m.Acquire(context.Background(), "nope", ""); err == nil {
		t.Fatal("expected error for unknown pool")
	}
}

func TestBackpressure_SecondAcquireWaitsForRelease(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")

	s1, err := m.Acquire(context.Background(), "p", "holder")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	const hold = 50 * time.Millisecond
	type result struct {
		elapsed time.Duration
		err     error
	}
	done := make(chan result, 1)
	go func() {
		start := time.Now()
		s2, err := m.Acquire(context.Background(), "p", "waiter")
		if err == nil {
			defer m.Release(s2.ID)
		}
		done <- result{time.Since(start), err}
	}()

	waitFor(t, "waiter to queue", func() bool { return m.Stats()["p"].Waiting == 1 })
	time.Sleep(hold)
	if err := m.Release(s1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("second acquire: %v", r.err)
	}
	if r.elapsed < hold {
		t.Fatalf("second acquire returned after %v, want >= %v", r.elapsed, hold)
	}
}

func TestWaiters_GrantedInFIFOOrder(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")

	s, err := m.Acquire(context.Background(), "p", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	grants := make(chan string, 2)
	start := func(label string) {
		go func() {
			slot, err := m.Acquire(context.Background(), "p", label)
			if err != nil {
				grants <- "error:" + err.Error()
				return
			}
			grants <- label
			m.Release(slot.ID)
		}()
	}

	start("first")
	waitFor(t, "first waiter", func() bool { return m.Stats()["p"].Waiting == 1 })
	start("second")
	waitFor(t, "second waiter", func() bool { return m.Stats()["p"].Waiting == 2 })

	if err := m.Release(s.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := <-grants; got != "first" {
		t.Fatalf("first grant went to %q", got)
	}
	if got := <-grants; got != "second" {
		t.Fatalf("second grant went to %q", got)
	}
}

func TestAcquire_ContextDeadlineWhileWaiting(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")

	s, err := m.Acquire(context.Background(), "p", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release(s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "p", "waiter")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v want context.DeadlineExceeded", err)
	}
	if got := m.Stats()["p"]; got.Waiting != 0 || got.Timeouts != 1 {
		t.Fatalf("abandoned waiter not accounted: %+v", got)
	}
}

func TestRelease_UnknownAndDoubleRelease(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")

	if err := m.Release("no-such-slot"); err == nil {
		t.Fatal("expected error for unknown slot")
	}
	s, err := m.Acquire(context.Background(), "p", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(s.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := m.Release(s.ID); err == nil {
		t.Fatal("expected error for double release")
	}
}

func TestShutdown_RejectsWaitersAndFutureAcquires(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 1}}, "p")

	s, err := m.Acquire(context.Background(), "p", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "p", "waiter")
		waiterErr <- err
	}()
	waitFor(t, "waiter to queue", func() bool { return m.Stats()["p"].Waiting == 1 })

	m.Shutdown()

	if err := <-waiterErr; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("waiter: got %v want ErrPoolClosed", err)
	}
	if _, err := m.Acquire(context.Background(), "p", ""); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("acquire after shutdown: got %v want ErrPoolClosed", err)
	}
	if err := m.Release(s.ID); err != nil {
		t.Fatalf("release after shutdown should be a no-op, got %v", err)
	}
	if got := m.Stats()["p"]; got.Active != 0 || got.Waiting != 0 {
		t.Fatalf("stats after shutdown: %+v", got)
	}
}

func TestGetPoolConfig(t *testing.T) {
	m := mustManager(t, map[string]Config{"p": {Size: 3, Nice: 10, MemoryLimitMB: 512}}, "p")
	cfg, ok := m.GetPoolConfig("p")
	if !ok || cfg.Size != 3 || cfg.Nice != 10 || cfg.MemoryLimitMB != 512 {
		t.Fatalf("got %+v ok=%v", cfg, ok)
	}
	if _, ok := m.GetPoolConfig("nope"); ok {
		t.Fatal("unexpected ok for unknown pool")
	}
}

func TestProperty_ActiveNeverExceedsSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 4).Draw(rt, "size")
		m, err := NewManager(map[string]Config{"p": {Size: size}}, "p")
		if err != nil {
			rt.Fatalf("NewManager: %v", err)
		}

		held := make([]string, 0, size)
		seen := make(map[string]bool)
		ops := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			acquire := len(held) == 0 || (len(held) < size && rapid.Bool().Draw(rt, "acquire"))
			if acquire {
				s, err := m.Acquire(context.Background(), "p", "")
				if err != nil {
					rt.Fatalf("acquire: %v", err)
				}
				if seen[s.ID] {
					rt.Fatalf("duplicate slot id %q", s.ID)
				}
				seen[s.ID] = true
				held = append(held, s.ID)
			} else {
				id := held[0]
				held = held[1:]
				if err := m.Release(id); err != nil {
					rt.Fatalf("release: %v", err)
				}
			}
			st := m.Stats()["p"]
			if st.Active > st.Size {
				rt.Fatalf("active %d exceeds size %d", st.Active, st.Size)
			}
			if st.Active != len(held) {
				rt.Fatalf("active %d != held %d", st.Active, len(held))
			}
		}
	})
}

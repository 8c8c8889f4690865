// Package pool gates concurrency per named pool. Each pool has a hard slot
// count plus nice and memory-limit hints consumed by the spawner and the
// executor's pre-spawn gate.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrPoolClosed is returned for acquires after Shutdown and to waiters
// rejected by it.
var ErrPoolClosed = errors.New("pool manager is shut down")

// Config declares one named pool.
type Config struct {
	// Size is the hard cap on concurrently held slots.
	Size int `json:"size" yaml:"size"`
	// Nice is a process priority hint passed through to the spawner.
	Nice int `json:"nice" yaml:"nice"`
	// MemoryLimitMB is a soft limit consulted by the executor before
	// spawning; 0 means unlimited.
	MemoryLimitMB int `json:"memoryLimitMB" yaml:"memoryLimitMB"`
}

func (c *Config) applyDefaults() {
	if c.Size <= 0 {
		c.Size = 1
	}
}

// Slot is reserved capacity in a named pool. IDs are unique across the
// process lifetime.
type Slot struct {
	ID            string    `json:"id"`
	Pool          string    `json:"pool"`
	TaskID        string    `json:"taskId,omitempty"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	Nice          int       `json:"nice"`
	MemoryLimitMB int       `json:"memoryLimitMB"`
}

// PoolStats is one pool's view in Stats.
type PoolStats struct {
	Size    int `json:"size"`
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
	// TotalAcquired counts every slot ever minted for the pool.
	TotalAcquired int `json:"totalAcquired"`
	// Timeouts counts acquires rejected on a done context.
	Timeouts int `json:"timeouts"`
}

type waiter struct {
	taskID string
	ready  chan *Slot
}

type poolState struct {
	cfg           Config
	active        int
	waiters       []*waiter
	totalAcquired int
	timeouts      int
}

// Manager tracks slots for a fixed set of pools. Acquire blocks FIFO when
// a pool is at capacity; the caller bounds the wait through its context.
type Manager struct {
	mu          sync.Mutex
	pools       map[string]*poolState
	slots       map[string]*Slot
	defaultPool string
	closed      bool
}

// NewManager builds a manager for the declared pools. The default pool
// must be one of them.
func NewManager(pools map[string]Config, defaultPool string) (*Manager, error) {
	if len(pools) == 0 {
		return nil, errors.New("no pools declared")
	}
	if _, ok := pools[defaultPool]; !ok {
		return nil, fmt.Errorf("default pool %q not declared", defaultPool)
	}
	m := &Manager{
		pools:       make(map[string]*poolState, len(pools)),
		slots:       make(map[string]*Slot),
		defaultPool: defaultPool,
	}
	for name, cfg := range pools {
		cfg.applyDefaults()
		m.pools[name] = &poolState{cfg: cfg}
	}
	return m, nil
}

// DefaultPool returns the pool used when Acquire gets an empty name.
func (m *Manager) DefaultPool() string { return m.defaultPool }

// GetPoolConfig looks up a pool's declaration.
func (m *Manager) GetPoolConfig(name string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pools[name]
	if !ok {
		return Config{}, false
	}
	return st.cfg, true
}

// Acquire reserves a slot in the named pool, or the default pool when name
// is empty. At capacity the caller queues FIFO until a release or until
// ctx is done, whichever comes first.
func (m *Manager) Acquire(ctx context.Context, name, taskID string) (*Slot, error) {
	if name == "" {
		name = m.defaultPool
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	st, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown pool %q", name)
	}
	if st.active < st.cfg.Size {
		slot := m.mintLocked(name, taskID, st)
		st.active++
		m.mu.Unlock()
		return slot, nil
	}
	w := &waiter{taskID: taskID, ready: make(chan *Slot, 1)}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	select {
	case slot, ok := <-w.ready:
		if !ok {
			return nil, ErrPoolClosed
		}
		return slot, nil
	case <-ctx.Done():
		if m.abandonWaiter(st, w) {
			return nil, fmt.Errorf("pool %q acquire: %w", name, ctx.Err())
		}
		// Lost the race: a release granted us a slot (or shutdown closed
		// the channel) before we could leave the queue.
		slot, ok := <-w.ready
		if !ok {
			return nil, ErrPoolClosed
		}
		m.mu.Lock()
		st.timeouts++
		m.mu.Unlock()
		_ = m.Release(slot.ID)
		return nil, fmt.Errorf("pool %q acquire: %w", name, ctx.Err())
	}
}

// abandonWaiter removes w from the queue and counts the timeout. It
// returns false when w is no longer queued, meaning a grant or shutdown
// already reached its channel.
func (m *Manager) abandonWaiter(st *poolState, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			st.timeouts++
			return true
		}
	}
	return false
}

// Release frees the slot and hands its capacity to the oldest waiter, if
// any. Releasing an unknown or already released slot is an error, except
// after Shutdown, which has already dropped every slot.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	slot, ok := m.slots[id]
	if !ok {
		return fmt.Errorf("release: unknown slot %q", id)
	}
	delete(m.slots, id)

	st := m.pools[slot.Pool]
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		// Handoff keeps the active count unchanged.
		w.ready <- m.mintLocked(slot.Pool, w.taskID, st)
		return nil
	}
	st.active--
	return nil
}

// Stats reports size, active, waiting, and lifetime counters per pool.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats, len(m.pools))
	for name, st := range m.pools {
		out[name] = PoolStats{
			Size:          st.cfg.Size,
			Active:        st.active,
			Waiting:       len(st.waiters),
			TotalAcquired: st.totalAcquired,
			Timeouts:      st.timeouts,
		}
	}
	return out
}

// Shutdown drops every tracked slot and rejects all pending waiters with
// ErrPoolClosed. Further acquires fail; releases become no-ops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, st := range m.pools {
		for _, w := range st.waiters {
			close(w.ready)
		}
		st.waiters = nil
		st.active = 0
	}
	m.slots = make(map[string]*Slot)
}

func (m *Manager) mintLocked(name, taskID string, st *poolState) *Slot {
	slot := &Slot{
		ID:            ulid.Make().String(),
		Pool:          name,
		TaskID:        taskID,
		AcquiredAt:    time.Now(),
		Nice:          st.cfg.Nice,
		MemoryLimitMB: st.cfg.MemoryLimitMB,
	}
	st.totalAcquired++
	m.slots[slot.ID] = slot
	return slot
}

package breaker

import (
	"sort"
	"sync"
	"time"
)

// Transition describes one breaker state change, keyed by the registry.
type Transition struct {
	Key  string
	From State
	To   State
}

// TransitionListener observes registry-wide breaker transitions.
type TransitionListener func(t Transition)

// Registry lazily creates breakers per key. All breakers share one config
// and one clock.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	breakers  map[string]*Breaker
	listeners map[int]TransitionListener
	nextID    int
}

// NewRegistry returns an empty registry using the wall clock.
func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

// NewRegistryWithClock returns an empty registry reading time from now.
func NewRegistryWithClock(cfg Config, now func() time.Time) *Registry {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:       cfg,
		now:       now,
		breakers:  make(map[string]*Breaker),
		listeners: make(map[int]TransitionListener),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewWithClock(r.cfg, r.now)
	b.notify = func(from, to State) { r.broadcast(Transition{Key: key, From: from, To: to}) }
	r.breakers[key] = b
	return b
}

// Remove drops the breaker for key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// ResetAll resets every tracked breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Keys lists tracked keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OnTransition registers a listener and returns its unsubscribe function.
func (r *Registry) OnTransition(fn TransitionListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) broadcast(t Transition) {
	r.mu.Lock()
	fns := make([]TransitionListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

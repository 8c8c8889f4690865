// Package selector chooses the next model configuration to try, walking a
// primary pool and then a fallback pool under a selection strategy and
// consulting per-model circuit breakers.
package selector

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/loopwork-ai/loopwork/internal/breaker"
	"github.com/loopwork-ai/loopwork/internal/model"
)

// Strategy names how a pool picks its next candidate.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyPriority   Strategy = "priority"
	StrategyCostAware  Strategy = "cost-aware"
	StrategyRandom     Strategy = "random"
)

// Config assembles a Selector.
type Config struct {
	Primary  []model.Config
	Fallback []model.Config
	// Strategy defaults to round-robin.
	Strategy Strategy
	// Breaker configures the per-model breakers.
	Breaker breaker.Config
	// DisableBreakerChecks turns off the candidate breaker veto; failures
	// are still recorded.
	DisableBreakerChecks bool
	// RandIntN is the random source for StrategyRandom. Defaults to
	// rand.IntN; tests inject a deterministic one.
	RandIntN func(n int) int
	// Now overrides the breakers' clock. Defaults to time.Now.
	Now func() time.Time
}

// Selector is safe for concurrent use; GetNext serializes so each caller
// sees a consistent snapshot of the indices and disabled set.
type Selector struct {
	mu sync.Mutex

	strategy      Strategy
	primary       []model.Config
	fallback      []model.Config
	primaryIdx    int
	fallbackIdx   int
	usingFallback bool
	disabled      map[string]struct{}
	retries       map[string]int
	breakers      *breaker.Registry
	checkBreakers bool
	randIntN      func(n int) int
}

// New builds a selector. Entries with Enabled=false are filtered out;
// remaining configs are cloned and never mutated.
func New(cfg Config) *Selector {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	randIntN := cfg.RandIntN
	if randIntN == nil {
		randIntN = rand.IntN
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Selector{
		strategy:      strategy,
		primary:       filterEnabled(cfg.Primary),
		fallback:      filterEnabled(cfg.Fallback),
		disabled:      make(map[string]struct{}),
		retries:       make(map[string]int),
		breakers:      breaker.NewRegistryWithClock(cfg.Breaker, now),
		checkBreakers: !cfg.DisableBreakerChecks,
		randIntN:      randIntN,
	}
}

func filterEnabled(in []model.Config) []model.Config {
	out := make([]model.Config, 0, len(in))
	for _, mc := range in {
		if !mc.Enabled {
			continue
		}
		out = append(out, mc.Clone())
	}
	return out
}

// TotalModelCount is the number of enabled models across both pools.
func (s *Selector) TotalModelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.primary) + len(s.fallback)
}

// GetNext returns the next candidate, or nil when both pools are exhausted.
// A candidate whose breaker rejects traffic is skipped; after as many
// candidate evaluations as there are models, the selector gives up.
func (s *Selector) GetNext() *model.Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.primary) + len(s.fallback)
	candidates := 0
	for candidates < total {
		pool := s.currentPoolLocked()
		if len(pool) == 0 {
			if !s.usingFallback && len(s.fallback) > 0 {
				s.usingFallback = true
				continue
			}
			return nil
		}

		mc := s.chooseLocked(pool)
		candidates++
		if s.checkBreakers && !s.breakers.Get(mc.Name).CanExecute() {
			continue
		}
		out := mc.Clone()
		return &out
	}
	return nil
}

// RecordSuccess clears the model's retry counter and feeds its breaker.
func (s *Selector) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[name] = 0
	s.breakers.Get(name).RecordSuccess()
}

// RecordFailure bumps the model's retry counter and feeds its breaker. It
// returns true when this failure opened the model's breaker, in which case
// the model joins the disabled set until the breaker allows traffic again.
func (s *Selector) RecordFailure(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[name]++
	opened := s.breakers.Get(name).RecordFailure()
	if opened {
		s.disabled[name] = struct{}{}
	}
	return opened
}

// SwitchToFallback moves selection to the fallback pool. Sticky until
// Reset.
func (s *Selector) SwitchToFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usingFallback = true
}

// UsingFallback reports whether the selector has switched pools.
func (s *Selector) UsingFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usingFallback
}

// Reset restores the selector to its freshly constructed state, including
// every model breaker.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryIdx = 0
	s.fallbackIdx = 0
	s.usingFallback = false
	s.disabled = make(map[string]struct{})
	s.retries = make(map[string]int)
	s.breakers.ResetAll()
}

// ResetModel clears one model's retry counter, disabled flag, and breaker.
func (s *Selector) ResetModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[name] = 0
	delete(s.disabled, name)
	s.breakers.Get(name).Reset()
}

// RetryCount reports the model's accumulated failures since its last
// success.
func (s *Selector) RetryCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[name]
}

// OnBreakerTransition registers a listener for per-model breaker state
// changes and returns its unsubscribe function.
func (s *Selector) OnBreakerTransition(fn breaker.TransitionListener) func() {
	return s.breakers.OnTransition(fn)
}

// ModelHealth is one model's view in HealthStatus.
type ModelHealth struct {
	Pool         string `json:"pool"`
	BreakerState string `json:"breakerState"`
	RetryCount   int    `json:"retryCount"`
	Disabled     bool   `json:"disabled"`
}

// Health aggregates selector state for reporting.
type Health struct {
	Strategy      string                 `json:"strategy"`
	UsingFallback bool                   `json:"usingFallback"`
	Models        map[string]ModelHealth `json:"models"`
}

// HealthStatus reports breaker state, retry count, and pool membership per
// model.
func (s *Selector) HealthStatus() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Strategy:      string(s.strategy),
		UsingFallback: s.usingFallback,
		Models:        make(map[string]ModelHealth, len(s.primary)+len(s.fallback)),
	}
	add := func(pool string, list []model.Config) {
		for _, mc := range list {
			_, disabled := s.disabled[mc.Name]
			h.Models[mc.Name] = ModelHealth{
				Pool:         pool,
				BreakerState: s.breakers.Get(mc.Name).State().String(),
				RetryCount:   s.retries[mc.Name],
				Disabled:     disabled,
			}
		}
	}
	add("primary", s.primary)
	add("fallback", s.fallback)
	return h
}

// currentPoolLocked returns the active pool minus disabled models. Disabled
// models whose breaker allows traffic again (half-open or closed) are
// lazily re-enabled.
func (s *Selector) currentPoolLocked() []model.Config {
	src := s.primary
	if s.usingFallback {
		src = s.fallback
	}
	out := make([]model.Config, 0, len(src))
	for _, mc := range src {
		if _, off := s.disabled[mc.Name]; off {
			if !s.isModelAvailableLocked(mc.Name) {
				continue
			}
			delete(s.disabled, mc.Name)
		}
		out = append(out, mc)
	}
	return out
}

// isModelAvailableLocked consults breaker state without consuming a
// half-open probe slot; the candidate check in GetNext performs the
// probe-counting CanExecute.
func (s *Selector) isModelAvailableLocked(name string) bool {
	return s.breakers.Get(name).State() != breaker.StateOpen
}

func (s *Selector) chooseLocked(pool []model.Config) model.Config {
	switch s.strategy {
	case StrategyPriority:
		return pool[0]
	case StrategyCostAware:
		best := pool[0]
		for _, mc := range pool[1:] {
			if mc.Cost() < best.Cost() {
				best = mc
			}
		}
		return best
	case StrategyRandom:
		return pool[s.randIntN(len(pool))]
	default: // round-robin
		idx := &s.primaryIdx
		if s.usingFallback {
			idx = &s.fallbackIdx
		}
		mc := pool[*idx%len(pool)]
		*idx++
		return mc
	}
}

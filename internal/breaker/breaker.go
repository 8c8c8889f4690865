// Package breaker implements the per-key circuit breaker gating model
// selection and healer actions: closed until failures reach a threshold,
// open until the reset timeout elapses, then half-open for a bounded number
// of probe calls.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. Zero values take defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default 3.
	FailureThreshold int
	// ResetTimeout is how long after the last failure an open circuit
	// waits before allowing half-open probes. Default 30s.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls caps in-flight probes while half-open. Default 1.
	HalfOpenMaxCalls int
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

// Breaker is a single closed/open/half-open state machine. Safe for
// concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state            State
	consecutiveFails int
	lastFailure      time.Time
	successTotal     int
	failureTotal     int
	halfOpenInFlight int

	// notify fires after a state change, outside the lock.
	notify func(from, to State)
}

// New returns a closed breaker using the wall clock.
func New(cfg Config) *Breaker {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock returns a closed breaker reading time from now. Tests inject
// a fake clock here.
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, state: StateClosed}
}

// CanExecute reports whether a call may proceed. In the open state it first
// applies the lazy open-to-half-open transition; in the half-open state it
// admits up to HalfOpenMaxCalls concurrent probes.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	from, to := b.maybeHalfOpenLocked()

	var allowed bool
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.fire(from, to)
	return allowed
}

// RecordSuccess feeds back a successful call. While closed it decrements the
// consecutive-failure count toward zero; while half-open it closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from, to := b.maybeHalfOpenLocked()
	b.successTotal++
	var from2, to2 State
	switch b.state {
	case StateClosed:
		if b.consecutiveFails > 0 {
			b.consecutiveFails--
		}
	case StateHalfOpen:
		from2, to2 = b.state, StateClosed
		b.state = StateClosed
		b.consecutiveFails = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		// A call that started before the circuit opened; the open window
		// stands until the reset timeout elapses.
	}
	b.mu.Unlock()

	b.fire(from, to)
	b.fire(from2, to2)
}

// RecordFailure feeds back a failed call and reports whether this call is
// the one that opened the circuit.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	from, to := b.maybeHalfOpenLocked()
	b.failureTotal++
	b.lastFailure = b.now()

	opened := false
	var from2, to2 State
	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			from2, to2 = b.state, StateOpen
			b.state = StateOpen
			opened = true
		}
	case StateHalfOpen:
		from2, to2 = b.state, StateOpen
		b.state = StateOpen
		b.halfOpenInFlight = 0
		opened = true
	case StateOpen:
		b.consecutiveFails++
	}
	b.mu.Unlock()

	b.fire(from, to)
	b.fire(from2, to2)
	return opened
}

// State returns the current position after applying the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.maybeHalfOpenLocked()
	s := b.state
	b.mu.Unlock()
	b.fire(from, to)
	return s
}

// Reset restores the breaker to its freshly constructed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.lastFailure = time.Time{}
	b.successTotal = 0
	b.failureTotal = 0
	b.halfOpenInFlight = 0
	b.mu.Unlock()
}

// Snapshot is the serializable breaker state persisted by the healer.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure"`
	SuccessTotal        int       `json:"successTotal"`
	FailureTotal        int       `json:"failureTotal"`
}

// Snapshot captures the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFails,
		LastFailure:         b.lastFailure,
		SuccessTotal:        b.successTotal,
		FailureTotal:        b.failureTotal,
	}
}

// Restore loads a previously captured snapshot. Unknown state strings leave
// the breaker closed.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch s.State {
	case StateOpen.String():
		b.state = StateOpen
	case StateHalfOpen.String():
		b.state = StateHalfOpen
	default:
		b.state = StateClosed
	}
	b.consecutiveFails = s.ConsecutiveFailures
	b.lastFailure = s.LastFailure
	b.successTotal = s.SuccessTotal
	b.failureTotal = s.FailureTotal
	b.halfOpenInFlight = 0
}

// maybeHalfOpenLocked applies the lazy open-to-half-open transition. Caller
// holds the lock; the returned pair is fired after unlocking (equal values
// mean no transition).
func (b *Breaker) maybeHalfOpenLocked() (from, to State) {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		return StateOpen, StateHalfOpen
	}
	return b.state, b.state
}

func (b *Breaker) fire(from, to State) {
	if b.notify != nil && from != to {
		b.notify(from, to)
	}
}

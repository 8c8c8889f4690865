// Package resilience retries categorized failures: rate limits wait a
// fixed interval, transient errors back off exponentially, and anything
// else stops the loop.
package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loopwork-ai/loopwork/internal/looperr"
)

// Config tunes the retry loop.
type Config struct {
	// MaxAttempts bounds op invocations. Zero or negative means the op
	// never runs and Execute reports failure.
	MaxAttempts int
	// BaseDelay is the first transient-retry delay. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff schedule. Default 30s.
	MaxDelay time.Duration
	// Multiplier grows the delay between transient retries. Default 2.
	Multiplier float64
	// DisableExponentialBackoff makes every transient delay BaseDelay.
	DisableExponentialBackoff bool
	// Jitter scales each delay by [0.5, 1.5), derived from JitterSeed so
	// runs are reproducible.
	Jitter     bool
	JitterSeed string
	// RateLimitWait is slept on rate-limit errors when the error carries
	// no retry-after hint. Default 60s.
	RateLimitWait time.Duration
	// RetryableErrors marks otherwise-fatal errors transient when the
	// error message contains one of these substrings.
	RetryableErrors []string
	// SleepFunc overrides context-aware sleeping; tests inject one.
	SleepFunc func(ctx context.Context, d time.Duration) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = 60 * time.Second
	}
	if c.SleepFunc == nil {
		c.SleepFunc = sleepWithContext
	}
}

// Result is the outcome of an Execute run.
type Result struct {
	Success  bool
	Attempts int
	Err      error
}

// Runner executes operations under the retry policy.
type Runner struct {
	cfg Config
}

// New builds a runner. The zero MaxAttempts semantics are preserved; all
// other zero fields take defaults.
func New(cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{cfg: cfg}
}

// Execute invokes op until it succeeds, a fatal error stops the loop, the
// attempt budget runs out, or ctx is done. The returned Result carries the
// last error on failure.
func (r *Runner) Execute(ctx context.Context, op func(ctx context.Context) error) Result {
	if r.cfg.MaxAttempts <= 0 {
		return Result{Err: fmt.Errorf("no attempts allowed (maxAttempts=%d)", r.cfg.MaxAttempts)}
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err}
		}

		err := op(ctx)
		if err == nil {
			return Result{Success: true, Attempts: attempt}
		}
		lastErr = err

		if attempt == r.cfg.MaxAttempts {
			break
		}

		var delay time.Duration
		switch {
		case looperr.IsRateLimit(err):
			delay = r.rateLimitDelay(err)
		case r.isTransient(err):
			delay = r.backoffDelay(attempt)
		default:
			return Result{Attempts: attempt, Err: err}
		}

		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, delay, err)
		}
		if !r.cfg.SleepFunc(ctx, delay) {
			return Result{Attempts: attempt, Err: ctx.Err()}
		}
	}
	return Result{Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// isTransient reports whether err should be retried on the backoff
// schedule: typed-retryable errors qualify, as does any error whose
// message contains a configured retryable substring.
func (r *Runner) isTransient(err error) bool {
	if looperr.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range r.cfg.RetryableErrors {
		if frag != "" && strings.Contains(msg, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

func (r *Runner) rateLimitDelay(err error) time.Duration {
	var le looperr.Error
	if errors.As(err, &le) {
		if ra := le.RetryAfter(); ra != nil && *ra > 0 {
			return *ra
		}
	}
	return r.cfg.RateLimitWait
}

// backoffDelay computes the delay after a failed attempt (1-indexed):
// base × multiplier^(attempt-1), capped at MaxDelay, then jittered.
func (r *Runner) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(r.cfg.BaseDelay.Milliseconds())
	if !r.cfg.DisableExponentialBackoff {
		ms *= math.Pow(r.cfg.Multiplier, float64(attempt-1))
	}
	ms = math.Min(ms, float64(r.cfg.MaxDelay.Milliseconds()))
	if r.cfg.Jitter {
		ms *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", r.cfg.JitterSeed, attempt))
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// jitterUnit maps a seed to [0, 1] deterministically.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

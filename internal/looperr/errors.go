// Package looperr defines the typed error taxonomy shared by the executor,
// the resilience runner, and the selector. Errors are classified once at the
// boundary where they occur and matched downstream with errors.As.
package looperr

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Error is the unified error interface for execution failures.
type Error interface {
	error
	// CLI is the display name of the cli-kind involved, or "" when the
	// failure happened before a CLI was chosen.
	CLI() string
	// Kind is a stable machine-readable tag for the error class.
	Kind() string
	// Retryable reports whether the resilience runner may retry the
	// operation after this error.
	Retryable() bool
	// RetryAfter is a vendor-suggested wait, when one was parsed.
	RetryAfter() *time.Duration
}

type errorBase struct {
	cli        string
	kind       string
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *errorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "execution failed"
	}
	if e.cli == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.cli, msg)
}

func (e *errorBase) CLI() string                { return e.cli }
func (e *errorBase) Kind() string               { return e.kind }
func (e *errorBase) Retryable() bool            { return e.retryable }
func (e *errorBase) RetryAfter() *time.Duration { return e.retryAfter }

// RateLimitError signals a vendor rate-limit (matched output pattern or
// explicit 429-style response). The runner sleeps RateLimitWait and retries.
type RateLimitError struct{ errorBase }

// QuotaExceededError signals exhausted quota or billing. The executor
// switches the selector to its fallback pool before surfacing this.
type QuotaExceededError struct{ errorBase }

// TimeoutError signals that the per-invocation timer expired and the child
// was killed. Transient.
type TimeoutError struct {
	errorBase
	Elapsed time.Duration
}

// CacheCorruptionError signals opencode cache corruption. Cleared reports
// whether the cache clear succeeded; Retryable follows Cleared.
type CacheCorruptionError struct {
	errorBase
	Cleared bool
}

// ResourceExhaustedError signals the pre-spawn memory gate rejected the
// attempt (or the OS reported out-of-memory). Fatal for the attempt.
type ResourceExhaustedError struct {
	errorBase
	FreeMB int
	MinMB  int
}

// ModelUnavailableError signals the selector had no candidate left.
type ModelUnavailableError struct{ errorBase }

// CliNotFoundError signals that no executable path resolved for a cli-kind.
type CliNotFoundError struct {
	errorBase
	KindTag string
}

// TransientError is a caller-listed retryable failure (retried under
// exponential backoff).
type TransientError struct{ errorBase }

// FatalError is any non-retryable failure not covered by a sharper type.
type FatalError struct {
	errorBase
	ExitCode int
}

func NewRateLimit(cli, message string, retryAfter *time.Duration) error {
	return &RateLimitError{errorBase{cli: cli, kind: "rate_limit", message: message, retryable: true, retryAfter: retryAfter}}
}

func NewQuotaExceeded(cli, message string) error {
	return &QuotaExceededError{errorBase{cli: cli, kind: "quota_exceeded", message: message, retryable: false}}
}

func NewTimeout(cli string, elapsed time.Duration) error {
	return &TimeoutError{
		errorBase: errorBase{cli: cli, kind: "timeout", message: fmt.Sprintf("timed out after %s", elapsed.Round(time.Second)), retryable: true},
		Elapsed:   elapsed,
	}
}

func NewCacheCorruption(cli, message string, cleared bool) error {
	return &CacheCorruptionError{
		errorBase: errorBase{cli: cli, kind: "cache_corruption", message: message, retryable: cleared},
		Cleared:   cleared,
	}
}

func NewResourceExhausted(freeMB, minMB int) error {
	return &ResourceExhaustedError{
		errorBase: errorBase{kind: "resource_exhausted", message: fmt.Sprintf("free memory %dMB below minimum %dMB", freeMB, minMB), retryable: false},
		FreeMB:    freeMB,
		MinMB:     minMB,
	}
}

func NewModelUnavailable(message string) error {
	return &ModelUnavailableError{errorBase{kind: "model_unavailable", message: message, retryable: false}}
}

func NewCliNotFound(kindTag string) error {
	return &CliNotFoundError{
		errorBase: errorBase{kind: "cli_not_found", message: fmt.Sprintf("no executable found for cli kind %q", kindTag), retryable: false},
		KindTag:   kindTag,
	}
}

func NewTransient(cli, message string) error {
	return &TransientError{errorBase{cli: cli, kind: "transient", message: message, retryable: true}}
}

func NewFatal(cli, message string, exitCode int) error {
	return &FatalError{
		errorBase: errorBase{cli: cli, kind: "fatal", message: message, retryable: false},
		ExitCode:  exitCode,
	}
}

func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

func IsQuotaExceeded(err error) bool {
	var e *QuotaExceededError
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsCacheCorruption(err error) bool {
	var e *CacheCorruptionError
	return errors.As(err, &e)
}

func IsResourceExhausted(err error) bool {
	var e *ResourceExhaustedError
	return errors.As(err, &e)
}

func IsModelUnavailable(err error) bool {
	var e *ModelUnavailableError
	return errors.As(err, &e)
}

func IsCliNotFound(err error) bool {
	var e *CliNotFoundError
	return errors.As(err, &e)
}

// IsRetryable walks the chain for a typed Error and reports its Retryable
// flag. Untyped errors are not retryable.
func IsRetryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsExecNotFound reports whether err came from launching a binary that does
// not exist (exec.Error wrapping ENOENT or a $PATH miss).
func IsExecNotFound(err error) bool {
	var ee *exec.Error
	if errors.As(err, &ee) {
		return errors.Is(ee.Err, exec.ErrNotFound) || strings.Contains(strings.ToLower(ee.Err.Error()), "no such file")
	}
	return false
}

package looperr

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"
)

func TestConstructors_KindAndRetryable(t *testing.T) {
	ra := 5 * time.Second
	cases := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"rate limit", NewRateLimit("Claude", "too many requests", &ra), "rate_limit", true},
		{"quota", NewQuotaExceeded("Claude", "quota exceeded"), "quota_exceeded", false},
		{"timeout", NewTimeout("Gemini", 30*time.Second), "timeout", true},
		{"cache cleared", NewCacheCorruption("OpenCode", "cache corrupted", true), "cache_corruption", true},
		{"cache not cleared", NewCacheCorruption("OpenCode", "cache corrupted", false), "cache_corruption", false},
		{"resource", NewResourceExhausted(100, 512), "resource_exhausted", false},
		{"model unavailable", NewModelUnavailable("no models left"), "model_unavailable", false},
		{"cli not found", NewCliNotFound("droid"), "cli_not_found", false},
		{"transient", NewTransient("Crush", "flaky"), "transient", true},
		{"fatal", NewFatal("Kimi", "CLI exited with code 2", 2), "fatal", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e Error
			if !errors.As(tc.err, &e) {
				t.Fatalf("%T does not implement Error", tc.err)
			}
			if e.Kind() != tc.kind {
				t.Fatalf("kind: got %q want %q", e.Kind(), tc.kind)
			}
			if e.Retryable() != tc.retryable {
				t.Fatalf("retryable: got %t want %t", e.Retryable(), tc.retryable)
			}
		})
	}
}

func TestErrorString_IncludesDisplayName(t *testing.T) {
	err := NewQuotaExceeded("Claude Sonnet", "quota exceeded")
	want := "Claude Sonnet: quota exceeded"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestErrorString_NoCLI(t *testing.T) {
	err := NewModelUnavailable("no models left")
	if err.Error() != "no models left" {
		t.Fatalf("got %q", err.Error())
	}
}

func TestTimeout_ElapsedInMessage(t *testing.T) {
	err := NewTimeout("Claude", 90*time.Second)
	want := "Claude: timed out after 1m30s"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

func TestPredicates(t *testing.T) {
	if !IsRateLimit(NewRateLimit("c", "m", nil)) {
		t.Fatalf("IsRateLimit false")
	}
	if IsRateLimit(NewFatal("c", "m", 1)) {
		t.Fatalf("IsRateLimit true for fatal")
	}
	if !IsQuotaExceeded(NewQuotaExceeded("c", "m")) {
		t.Fatalf("IsQuotaExceeded false")
	}
	if !IsTimeout(NewTimeout("c", time.Second)) {
		t.Fatalf("IsTimeout false")
	}
	if !IsCacheCorruption(NewCacheCorruption("c", "m", true)) {
		t.Fatalf("IsCacheCorruption false")
	}
	if !IsModelUnavailable(NewModelUnavailable("m")) {
		t.Fatalf("IsModelUnavailable false")
	}
	if !IsCliNotFound(NewCliNotFound("droid")) {
		t.Fatalf("IsCliNotFound false")
	}
	if !IsResourceExhausted(NewResourceExhausted(1, 2)) {
		t.Fatalf("IsResourceExhausted false")
	}
}

func TestPredicates_ThroughWrapping(t *testing.T) {
	inner := NewRateLimit("Claude", "429", nil)
	wrapped := fmt.Errorf("attempt 3: %w", inner)
	if !IsRateLimit(wrapped) {
		t.Fatalf("IsRateLimit should see through fmt.Errorf wrapping")
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("IsRetryable should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable_UntypedError(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors must not be retryable")
	}
}

func TestIsExecNotFound(t *testing.T) {
	err := &exec.Error{Name: "nope", Err: exec.ErrNotFound}
	if !IsExecNotFound(err) {
		t.Fatalf("want true for exec.ErrNotFound")
	}
	if IsExecNotFound(errors.New("other")) {
		t.Fatalf("want false for unrelated error")
	}
}

func TestRetryAfter_Carried(t *testing.T) {
	ra := 42 * time.Second
	var e Error
	if !errors.As(NewRateLimit("c", "m", &ra), &e) {
		t.Fatalf("not an Error")
	}
	if e.RetryAfter() == nil || *e.RetryAfter() != ra {
		t.Fatalf("got %v want %v", e.RetryAfter(), ra)
	}
}

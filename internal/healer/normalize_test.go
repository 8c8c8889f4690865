package healer

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "timestamp and path and position",
			in:   "2026-01-12T10:45:03Z ERROR task failed at /home/user/app/src/index.ts:42:7",
			want: "<ts> error task failed at <path><pos>",
		},
		{
			name: "space separated timestamp",
			in:   "2026-01-12 10:45:03 build FAILED",
			want: "<ts> build failed",
		},
		{
			name: "fractional timestamp with offset",
			in:   "started 2026-01-12T10:45:03.123456+05:30 then crashed",
			want: "started <ts> then crashed",
		},
		{
			name: "ulid",
			in:   "request 01J8ME0SNTFB4YWGR0HZ5V2Q3X failed",
			want: "request <ulid> failed",
		},
		{
			name: "hex address",
			in:   "panic at 0xDEADBEEF in handler",
			want: "panic at <addr> in handler",
		},
		{
			name: "line column position",
			in:   "SyntaxError: unexpected token, Line 12, Column 3",
			want: "syntaxerror: unexpected token, <pos>",
		},
		{
			name: "whitespace collapse and trim",
			in:   "  too\t\tmany    spaces  ",
			want: "too many spaces",
		},
		{
			name: "single path segment untouched",
			in:   "wrote to /tmp only",
			want: "wrote to /tmp only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.in)
			if got != tt.want {
				t.Fatalf("NormalizeError(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeErrorIdempotent(t *testing.T) {
	alphabet := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHJKMNPQRSTVWXYZ0123456789 \t/:.,-_'\"<>xT")
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringOf(rapid.SampledFrom(alphabet)).Draw(rt, "line")
		once := NormalizeError(s)
		twice := NormalizeError(once)
		if once != twice {
			rt.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestHashErrorStableAcrossVolatileParts(t *testing.T) {
	// The same defect with different timestamps, request ids, and checkout
	// paths must land on one cache entry.
	a := HashError("2026-01-12T10:45:03Z error: fetch failed for 01J8ME0SNTFB4YWGR0HZ5V2Q3X at /home/ci/build-1/app/main.ts:10:2")
	b := HashError("2026-02-28 23:59:59 ERROR: fetch failed for 01J9XF7QARHT2M5C8DWKVN4Y6Z at /var/lib/ci/build-2/app/main.ts:99:1")
	if a != b {
		t.Fatalf("hashes differ for the same normalized defect:\n  %s\n  %s", a, b)
	}

	c := HashError("2026-01-12T10:45:03Z error: permission denied at /home/ci/build-1/app/main.ts:10:2")
	if a == c {
		t.Fatalf("distinct defects collided: %s", a)
	}

	if len(a) != 64 || strings.ToLower(a) != a {
		t.Fatalf("hash is not 64 lowercase hex chars: %q", a)
	}
}

func TestPatternSignature(t *testing.T) {
	a := PatternSignature("rate-limit")
	if a != PatternSignature("rate-limit") {
		t.Fatal("signature is not stable")
	}
	if a == PatternSignature("missing-spec") {
		t.Fatal("distinct patterns share a signature")
	}
	if len(a) != 32 {
		t.Fatalf("signature length = %d, want 32 hex chars", len(a))
	}
}

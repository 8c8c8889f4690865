package healer

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Normalization rewrites the volatile parts of an error line so that
// recurrences of the same defect hash identically across runs. Stripping
// order matters: timestamps go first because their digit groups would
// otherwise be eaten piecemeal by the position rule.
var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[Tt ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	reULID      = regexp.MustCompile(`\b[0-7][0-9A-HJKMNP-TV-Z]{25}\b`)
	reHexAddr   = regexp.MustCompile(`0[xX][0-9a-fA-F]+`)
	reAbsPath   = regexp.MustCompile(`(?:/[\w.@+~-]+){2,}`)
	rePosition  = regexp.MustCompile(`(?i)(?:\bline\s+\d+(?:,?\s*col(?:umn)?\s+\d+)?|:\d+(?::\d+)?)`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// NormalizeError canonicalizes an error string for hashing: timestamps,
// ULIDs, hex addresses, absolute paths, and line/column positions become
// fixed tokens, whitespace collapses, and the result is lowercased.
// Normalizing an already-normalized string is a no-op.
func NormalizeError(s string) string {
	out := reTimestamp.ReplaceAllString(s, "<ts>")
	out = reULID.ReplaceAllString(out, "<ulid>")
	out = reHexAddr.ReplaceAllString(out, "<addr>")
	out = reAbsPath.ReplaceAllString(out, "<path>")
	out = rePosition.ReplaceAllString(out, "<pos>")
	out = reSpaces.ReplaceAllString(out, " ")
	return strings.ToLower(strings.TrimSpace(out))
}

// HashError returns the hex blake3 digest of the normalized error string.
// This is the content address for the LLM cache and the session dedup set.
func HashError(s string) string {
	sum := blake3.Sum256([]byte(NormalizeError(s)))
	return hex.EncodeToString(sum[:])
}

// PatternSignature returns the stable wisdom-store key for a named pattern.
func PatternSignature(name string) string {
	sum := blake3.Sum256([]byte("pattern:" + name))
	return hex.EncodeToString(sum[:16])
}

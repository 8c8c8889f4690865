package clispec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// Opencode keeps its plugin dependencies under a user-level cache
// directory; a broken install there makes every invocation fail with
// module-resolution errors until the cache is rebuilt.
var cacheCorruptionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)enoent[^\n]*\.cache[/\\]opencode`),
	regexp.MustCompile(`(?i)cannot find module[^\n]*\.cache[/\\]opencode`),
	regexp.MustCompile(`(?i)\.cache[/\\]opencode[^\n]*no such file or directory`),
}

// defaultCachePatterns name what Clear removes, relative to the cache
// root. Removing the installed modules and lockfiles forces opencode to
// reinstall on its next run.
var defaultCachePatterns = []string{
	"node_modules",
	"bun.lock*",
	"plugin/**/node_modules",
}

// CacheHandler detects and repairs opencode cache corruption.
type CacheHandler struct {
	root     string
	patterns []string
}

// NewCacheHandler targets the given cache root; empty means the
// platform user cache dir plus "opencode".
func NewCacheHandler(root string) *CacheHandler {
	return &CacheHandler{root: root, patterns: defaultCachePatterns}
}

// Root resolves the directory Clear operates on.
func (h *CacheHandler) Root() (string, error) {
	if h.root != "" {
		return h.root, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(base, "opencode"), nil
}

// Detect reports whether child output carries a cache-corruption
// signature.
func (h *CacheHandler) Detect(output string) bool {
	for _, re := range cacheCorruptionPatterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// Clear removes the cached install artifacts and returns how many glob
// matches were deleted. A missing cache root clears nothing and is not an
// error.
func (h *CacheHandler) Clear() (int, error) {
	root, err := h.Root()
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}

	removed := 0
	var firstErr error
	for _, pattern := range h.patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("glob %q: %w", pattern, err)
			}
			continue
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("remove %s: %w", m, err)
				}
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

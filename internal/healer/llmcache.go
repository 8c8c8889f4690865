package healer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/loopwork-ai/loopwork/internal/fsatomic"
)

// LLMCacheFile is the on-disk name under the state directory.
const LLMCacheFile = "llm-cache.json"

const llmCacheCleanupInterval = 10 * time.Minute

// Analysis is the structured result of one LLM-fallback call.
type Analysis struct {
	RootCause      string   `json:"rootCause"`
	SuggestedFixes []string `json:"suggestedFixes"`
	Confidence     float64  `json:"confidence"`
}

// CacheEntry is one persisted analysis, addressed by normalized error hash.
type CacheEntry struct {
	ErrorHash string    `json:"errorHash"`
	Analysis  Analysis  `json:"analysis"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LLMCache is the TTL cache in front of the LLM-fallback analyzer: a
// go-cache instance in process, mirrored to llm-cache.json so analyses
// survive restarts within their TTL.
type LLMCache struct {
	path string
	ttl  time.Duration
	mem  *gocache.Cache
	now  func() time.Time
}

// NewLLMCache loads the cache file at path, dropping entries that expired
// while the process was down. A missing file starts empty.
func NewLLMCache(path string, ttl time.Duration) (*LLMCache, error) {
	return newLLMCache(path, ttl, time.Now)
}

func newLLMCache(path string, ttl time.Duration, now func() time.Time) (*LLMCache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &LLMCache{
		path: path,
		ttl:  ttl,
		mem:  gocache.New(ttl, llmCacheCleanupInterval),
		now:  now,
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, err
	}
	var entries map[string]CacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for hash, e := range entries {
		remaining := e.ExpiresAt.Sub(c.now())
		if remaining <= 0 {
			continue
		}
		c.mem.Set(hash, e, remaining)
	}
	return c, nil
}

// Get returns the cached analysis for a normalized error hash.
func (c *LLMCache) Get(hash string) (Analysis, bool) {
	v, ok := c.mem.Get(hash)
	if !ok {
		return Analysis{}, false
	}
	e, ok := v.(CacheEntry)
	if !ok {
		return Analysis{}, false
	}
	return e.Analysis, true
}

// Put stores an analysis under hash and persists the cache file.
func (c *LLMCache) Put(hash string, a Analysis) error {
	now := c.now()
	c.mem.Set(hash, CacheEntry{
		ErrorHash: hash,
		Analysis:  a,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}, c.ttl)
	return c.save()
}

// Entries returns a copy of all live entries keyed by hash.
func (c *LLMCache) Entries() map[string]CacheEntry {
	items := c.mem.Items()
	out := make(map[string]CacheEntry, len(items))
	for k, item := range items {
		if e, ok := item.Object.(CacheEntry); ok {
			out[k] = e
		}
	}
	return out
}

// Len is the number of live entries.
func (c *LLMCache) Len() int {
	return c.mem.ItemCount()
}

func (c *LLMCache) save() error {
	return fsatomic.WriteJSON(c.path, c.Entries())
}

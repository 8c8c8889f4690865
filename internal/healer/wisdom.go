package healer

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loopwork-ai/loopwork/internal/fsatomic"
)

// WisdomFile is the on-disk name under the state directory.
const WisdomFile = "wisdom.json"

const wisdomVersion = 1

// LearnedPattern is one persisted (pattern, outcome) statistic.
type LearnedPattern struct {
	Signature    string    `json:"signature"`
	Name         string    `json:"name"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	SuccessRate  float64   `json:"successRate"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Notes        []string  `json:"notes,omitempty"`
}

type wisdomDoc struct {
	Version       int              `json:"version"`
	LastUpdated   time.Time        `json:"lastUpdated"`
	Patterns      []LearnedPattern `json:"patterns"`
	SessionCount  int              `json:"sessionCount"`
	TotalHeals    int              `json:"totalHeals"`
	TotalFailures int              `json:"totalFailures"`
}

// Wisdom is the cross-session catalog of learned pattern outcomes. Entries
// expire after a configured window; every recorded success refreshes an
// entry's expiry. Safe for concurrent use.
type Wisdom struct {
	mu         sync.Mutex
	path       string
	expiry     time.Duration
	minSuccess int
	now        func() time.Time

	doc   wisdomDoc
	index map[string]int // signature -> position in doc.Patterns
}

// WisdomOptions tunes the store. Zero values take defaults.
type WisdomOptions struct {
	// Expiry is the entry lifetime. Default 30 days.
	Expiry time.Duration
	// MinSuccessCount is the threshold for Trustworthy. Default 3.
	MinSuccessCount int
	// Now injects a clock for tests.
	Now func() time.Time
}

func (o *WisdomOptions) applyDefaults() {
	if o.Expiry <= 0 {
		o.Expiry = 30 * 24 * time.Hour
	}
	if o.MinSuccessCount <= 0 {
		o.MinSuccessCount = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// LoadWisdom reads the store at path, pruning expired entries and counting
// a new session. A missing file starts an empty store.
func LoadWisdom(path string, opts WisdomOptions) (*Wisdom, error) {
	opts.applyDefaults()
	w := &Wisdom{
		path:       path,
		expiry:     opts.Expiry,
		minSuccess: opts.MinSuccessCount,
		now:        opts.Now,
		doc:        wisdomDoc{Version: wisdomVersion},
		index:      map[string]int{},
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(raw, &w.doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	now := w.now()
	kept := w.doc.Patterns[:0]
	for _, p := range w.doc.Patterns {
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			continue
		}
		kept = append(kept, p)
	}
	w.doc.Patterns = kept
	w.doc.Version = wisdomVersion
	w.doc.SessionCount++
	w.reindex()
	return w, nil
}

func (w *Wisdom) reindex() {
	w.index = make(map[string]int, len(w.doc.Patterns))
	for i, p := range w.doc.Patterns {
		w.index[p.Signature] = i
	}
}

func (w *Wisdom) entryLocked(signature, name string) *LearnedPattern {
	if i, ok := w.index[signature]; ok {
		return &w.doc.Patterns[i]
	}
	now := w.now()
	w.doc.Patterns = append(w.doc.Patterns, LearnedPattern{
		Signature: signature,
		Name:      name,
		FirstSeen: now,
		LastSeen:  now,
		ExpiresAt: now.Add(w.expiry),
	})
	i := len(w.doc.Patterns) - 1
	w.index[signature] = i
	return &w.doc.Patterns[i]
}

func recalcRate(p *LearnedPattern) {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		p.SuccessRate = 0
		return
	}
	p.SuccessRate = float64(p.SuccessCount) / float64(total)
}

// RecordSuccess counts a successful action for signature, refreshing the
// entry's expiry. A non-empty note is kept as a free-form improvement note.
func (w *Wisdom) RecordSuccess(signature, name, note string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.entryLocked(signature, name)
	now := w.now()
	p.SuccessCount++
	p.LastSeen = now
	p.ExpiresAt = now.Add(w.expiry)
	if note != "" {
		p.Notes = append(p.Notes, note)
	}
	recalcRate(p)
	w.doc.TotalHeals++
	w.doc.LastUpdated = now
}

// RecordFailure counts a failed action for signature. Expiry is not
// refreshed on failure.
func (w *Wisdom) RecordFailure(signature, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.entryLocked(signature, name)
	p.FailureCount++
	p.LastSeen = w.now()
	recalcRate(p)
	w.doc.TotalFailures++
	w.doc.LastUpdated = w.now()
}

// Trustworthy reports whether the entry has reached the minimum success
// count and is not expired.
func (w *Wisdom) Trustworthy(signature string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.index[signature]
	if !ok {
		return false
	}
	p := w.doc.Patterns[i]
	if !p.ExpiresAt.IsZero() && w.now().After(p.ExpiresAt) {
		return false
	}
	return p.SuccessCount >= w.minSuccess
}

// Get returns a copy of the entry for signature.
func (w *Wisdom) Get(signature string) (LearnedPattern, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.index[signature]
	if !ok {
		return LearnedPattern{}, false
	}
	return w.doc.Patterns[i], true
}

// Entries returns a copy of all live entries.
func (w *Wisdom) Entries() []LearnedPattern {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]LearnedPattern, len(w.doc.Patterns))
	copy(out, w.doc.Patterns)
	return out
}

// Totals returns (sessionCount, totalHeals, totalFailures).
func (w *Wisdom) Totals() (int, int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc.SessionCount, w.doc.TotalHeals, w.doc.TotalFailures
}

// Save persists the store atomically.
func (w *Wisdom) Save() error {
	w.mu.Lock()
	doc := w.doc
	doc.Patterns = make([]LearnedPattern, len(w.doc.Patterns))
	copy(doc.Patterns, w.doc.Patterns)
	path := w.path
	w.mu.Unlock()
	return fsatomic.WriteJSON(path, doc)
}

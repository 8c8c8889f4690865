package healer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loopwork-ai/loopwork/internal/breaker"
	"github.com/loopwork-ai/loopwork/internal/fsatomic"
)

// MonitorStateFile is the on-disk name under the state directory.
const MonitorStateFile = "monitor-state.json"

// RecoveryRecord remembers one applied task enhancement.
type RecoveryRecord struct {
	TaskID     string    `json:"taskId"`
	ExitReason string    `json:"exitReason"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
}

// MonitorState is the healer's persisted working state. The healer mutates
// it under its own mutex; this type carries no locking.
type MonitorState struct {
	LLMCallsThisSession int       `json:"llmCallsThisSession"`
	LastLLMCall         time.Time `json:"lastLlmCall"`

	// PatternCounts is the histogram of detected pattern names.
	PatternCounts map[string]int `json:"patternCounts"`

	// AnalyzedHashes is the session dedup set of normalized error hashes.
	AnalyzedHashes map[string]bool `json:"analyzedHashes"`

	// Breaker holds the serialized global breaker.
	Breaker *breaker.Snapshot `json:"breaker,omitempty"`

	// RecoveryHistory is keyed by "taskId|exitReason".
	RecoveryHistory map[string]RecoveryRecord `json:"recoveryHistory"`

	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// NewMonitorState returns an empty state with maps allocated.
func NewMonitorState() *MonitorState {
	return &MonitorState{
		PatternCounts:   map[string]int{},
		AnalyzedHashes:  map[string]bool{},
		RecoveryHistory: map[string]RecoveryRecord{},
	}
}

// recoveryKey builds the dedup key for a (task, reason) pair.
func recoveryKey(taskID, exitReason string) string {
	return taskID + "|" + exitReason
}

// LoadMonitorState reads the state file at path. Session-scoped fields (LLM
// call counter, analyzed-hash set) start fresh each process; the histogram,
// recovery history, breaker snapshot, and running counters carry over. A
// missing file yields an empty state.
func LoadMonitorState(path string) (*MonitorState, error) {
	st := NewMonitorState()
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return st, nil
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if st.PatternCounts == nil {
		st.PatternCounts = map[string]int{}
	}
	if st.RecoveryHistory == nil {
		st.RecoveryHistory = map[string]RecoveryRecord{}
	}
	st.LLMCallsThisSession = 0
	st.LastLLMCall = time.Time{}
	st.AnalyzedHashes = map[string]bool{}
	return st, nil
}

// SaveMonitorState persists the state atomically.
func SaveMonitorState(path string, st *MonitorState) error {
	return fsatomic.WriteJSON(path, st)
}

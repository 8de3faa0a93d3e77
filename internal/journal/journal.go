// Package journal persists one record per pipeline run. Confirmed steps and
// their transaction hashes survive a mid-pipeline failure, so a partial
// completion (deposit or mint already on-chain) stays recoverable.
package journal

import (
	"context"
	"sync"
	"time"
)

// StepRecord is one confirmed on-chain action within a run.
type StepRecord struct {
	Step   string `json:"step"`
	TxHash string `json:"txHash,omitempty"`
}

// Record is the durable outcome of one pipeline run.
type Record struct {
	RunID      string       `json:"runId"`
	Mode       string       `json:"mode"`
	ChainID    int64        `json:"chainId"`
	Asset      string       `json:"asset"`
	Amount     string       `json:"amount"`
	Steps      []StepRecord `json:"steps"`
	FailedStep string       `json:"failedStep,omitempty"`
	Error      string       `json:"error,omitempty"`
	Partial    bool         `json:"partial"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Completed reports whether the run finished without error.
func (r Record) Completed() bool {
	return r.Error == ""
}

// Store abstracts run-record persistence.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, runID string) (*Record, error)
}

// MemoryStore keeps records in memory, for tests and keyless local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.RunID] = record
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[runID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

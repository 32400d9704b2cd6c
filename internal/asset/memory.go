package asset

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryIndexer keeps records in process.
type MemoryIndexer struct {
	mu      sync.RWMutex
	targets map[string]map[string]json.RawMessage
}

// NewMemoryIndexer creates an empty indexer.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{targets: make(map[string]map[string]json.RawMessage)}
}

// Index implements Indexer.
func (m *MemoryIndexer) Index(ctx context.Context, jobID uuid.UUID, target string, records []json.RawMessage) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.targets[target]
	if !ok {
		docs = make(map[string]json.RawMessage)
		m.targets[target] = docs
	}

	var res Result
	for _, rec := range records {
		key, err := RecordKey(rec)
		if err != nil {
			res.Errors++
			continue
		}
		if _, exists := docs[key]; exists {
			res.Updated++
		} else {
			res.Created++
		}
		docs[key] = append(json.RawMessage(nil), rec...)
	}
	return res, nil
}

// Get returns the stored record, if any.
func (m *MemoryIndexer) Get(target, key string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.targets[target][key]
	return rec, ok
}

// Count returns the number of records stored under target.
func (m *MemoryIndexer) Count(target string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.targets[target])
}

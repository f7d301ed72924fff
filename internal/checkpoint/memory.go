package checkpoint

import (
	"context"
	"sync"
)

// MemoryLedger is an in-memory Ledger for development/testing.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[uint64]Record
	latest  uint64
}

// NewMemoryLedger constructs a MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[uint64]Record)}
}

// Save inserts a new checkpoint, enforcing version uniqueness.
func (m *MemoryLedger) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.Version]; exists {
		return ErrConflict
	}
	record.Parameters = record.Parameters.Clone()
	m.records[record.Version] = record
	if len(m.records) == 1 || record.Version > m.latest {
		m.latest = record.Version
	}
	return nil
}

// Latest returns the checkpoint with the highest version.
func (m *MemoryLedger) Latest(_ context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[m.latest]
	if !ok {
		return Record{}, ErrNotFound
	}
	record.Parameters = record.Parameters.Clone()
	return record, nil
}

// Close satisfies Ledger.
func (m *MemoryLedger) Close() error { return nil }

package store

import (
	"context"
	"slices"
	"sync"

	"tradecore/pkg/exception"
)

var _ Repository = (*Memory)(nil)

// Memory is a process-local repository for tests and paper trading without a
// journal directory.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	records []Record
	closed  bool
	// FailAppend, when set, is returned by Append instead of storing.
	FailAppend error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, r Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, exception.ErrClosed
	}
	if m.FailAppend != nil {
		return 0, m.FailAppend
	}
	m.seq++
	r.Seq = m.seq
	r.Payload = slices.Clone(r.Payload)
	m.records = append(m.records, r)
	return r.Seq, nil
}

func (m *Memory) Query(ctx context.Context, c Criteria) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Record, 0)
	for _, r := range m.records {
		if !c.Match(r) {
			continue
		}
		result = append(result, r)
		if c.Limit > 0 && len(result) == c.Limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

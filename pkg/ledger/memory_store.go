package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps entries in process memory. It is used in tests and by
// the CLI when no durable store is wanted.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	prev    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
		prev: make(map[string]bool),
	}
}

func (m *MemoryStore) Init(context.Context) error { return nil }

func (m *MemoryStore) Last(context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1].Clone()
	return &e, nil
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Sequence != uint64(len(m.entries))+1 || m.prev[e.PreviousHash] {
		return fmt.Errorf("%w: sequence %d", ErrChainConflict, e.Sequence)
	}
	if _, dup := m.byID[e.InteractionID]; dup {
		return fmt.Errorf("duplicate interaction id %s", e.InteractionID)
	}
	m.byID[e.InteractionID] = len(m.entries)
	m.prev[e.PreviousHash] = true
	m.entries = append(m.entries, e.Clone())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.entries[i].Clone()
	return &e, nil
}

func (m *MemoryStore) Recent(_ context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, min(q.Limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.Matches(m.entries[i]) {
			out = append(out, m.entries[i].Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Scan(ctx context.Context, from uint64, fn func(Entry) error) error {
	m.mu.RLock()
	snapshot := m.entries
	m.mu.RUnlock()

	start := 0
	if from > 1 {
		start = int(from - 1)
	}
	for i := start; i < len(snapshot); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(snapshot[i].Clone()); err != nil {
			return err
		}
	}
	return nil
}

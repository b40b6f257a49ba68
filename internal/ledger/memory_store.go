package ledger

import (
	"context"
	"sort"
	"sync"
)

type refKey struct {
	typ Type
	ref string
}

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Transaction
	refs    map[refKey]*Transaction
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refs: make(map[refKey]*Transaction)}
}

func (m *MemoryStore) Append(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := refKey{t.Type, t.ReferenceID}
	if _, ok := m.refs[k]; ok {
		return ErrDuplicate
	}
	cp := *t
	m.entries = append(m.entries, &cp)
	m.refs[k] = &cp
	return nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, typ Type, referenceID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.refs[refKey{typ, referenceID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.entries {
		if t.ProfileID == profileID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

package profiles

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	m.profiles[p.ID] = clone(p)
	return nil
}

func clone(p *Profile) *Profile {
	cp := *p
	if p.CommissionPercent != nil {
		v := *p.CommissionPercent
		cp.CommissionPercent = &v
	}
	if p.Destination != nil {
		d := *p.Destination
		cp.Destination = &d
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

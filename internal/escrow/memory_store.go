package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory agreement store for development and tests.
// Mutate holds the store lock across fn, which gives the same
// compare-and-set semantics as the row lock in PostgresStore.
type MemoryStore struct {
	mu           sync.RWMutex
	agreements   map[string]*Agreement
	correlations map[string]*Correlation
}

// NewMemoryStore creates a new in-memory agreement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements:   make(map[string]*Agreement),
		correlations: make(map[string]*Correlation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agreements[a.ID]; ok {
		return ErrAgreementExists
	}
	m.agreements[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn func(a *Agreement) error) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agreements[id]
	if !ok {
		return nil, ErrAgreementNotFound
	}
	next := clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ExternalPaymentRef != "" && next.ExternalPaymentRef != cur.ExternalPaymentRef {
		for oid, o := range m.agreements {
			if oid != id && o.ExternalPaymentRef == next.ExternalPaymentRef {
				return nil, errors.New("external payment reference already in use")
			}
		}
	}
	next.UpdatedAt = time.Now()
	m.agreements[id] = next
	return clone(next), nil
}

func (m *MemoryStore) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agreement
	for _, a := range m.agreements {
		if a.PayerID == profileID || a.PayeeProfileID == profileID {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByPayee(ctx context.Context, payeeID string) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agreement
	for _, a := range m.agreements {
		if a.PayeeProfileID == payeeID {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDueForRelease(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agreement
	for _, a := range m.agreements {
		if a.PaymentStatus != PaymentPaidEscrow ||
			a.WorkStatus != WorkFreelancerCompleted ||
			a.ConfirmationDeadline == nil || !a.ConfirmationDeadline.Before(now) {
			continue
		}
		d := *a.ConfirmationDeadline
		if d.Before(after.Deadline) || (d.Equal(after.Deadline) && a.ID <= after.ID) {
			continue
		}
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := *out[i].ConfirmationDeadline, *out[j].ConfirmationDeadline
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.correlations[c.ExternalRef]; ok {
		return nil
	}
	cp := *c
	m.correlations[c.ExternalRef] = &cp
	return nil
}

func (m *MemoryStore) FindCorrelation(ctx context.Context, externalRef string) (*Correlation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.correlations[externalRef]
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	cp := *c
	return &cp, nil
}

func clone(a *Agreement) *Agreement {
	cp := *a
	cp.ConfirmationDeadline = copyTime(a.ConfirmationDeadline)
	cp.HeldAt = copyTime(a.HeldAt)
	cp.ReleasedAt = copyTime(a.ReleasedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)

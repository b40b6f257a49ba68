package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/syncutil"
)

// MemoryStore is an in-memory wallet cache for development and tests.
// Replace and Update serialise per profile.
type MemoryStore struct {
	locks   *syncutil.KeyedMutex
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore creates an empty wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: syncutil.NewKeyedMutex(0), wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) Get(ctx context.Context, profileID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[profileID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Replace(ctx context.Context, profileID string, derive func(ctx context.Context) (*Wallet, error)) (*Wallet, error) {
	unlock, err := m.locks.Lock(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := derive(ctx)
	if err != nil {
		return nil, err
	}
	m.put(w)
	cp := *w
	return &cp, nil
}

// Update applies fn to the profile's wallet (zero-valued if absent) under
// the wallet lock. Nothing is stored if fn fails. Withdrawal settlement
// uses it to debit and complete atomically.
func (m *MemoryStore) Update(ctx context.Context, profileID string, fn func(w *Wallet) error) (*Wallet, error) {
	unlock, err := m.locks.Lock(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := m.Get(ctx, profileID)
	if err == ErrWalletNotFound {
		w = &Wallet{
			ProfileID:        profileID,
			PendingBalance:   decimal.Zero,
			AvailableBalance: decimal.Zero,
			TotalEarned:      decimal.Zero,
			TotalWithdrawn:   decimal.Zero,
		}
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	m.put(w)
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListProfiles(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) put(w *Wallet) {
	cp := *w
	m.mu.Lock()
	m.wallets[w.ProfileID] = &cp
	m.mu.Unlock()
}

var _ Store = (*MemoryStore)(nil)

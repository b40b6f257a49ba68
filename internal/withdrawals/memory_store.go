package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/wallet"
)

var errAlreadySettled = errors.New("already settled")

// MemoryStore keeps withdrawals in memory. It shares the wallet and ledger
// memory stores so Reserve and Settle are atomic with the wallet the same
// way the Postgres store is.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*Withdrawal
	wallets *wallet.MemoryStore
	ledger  *ledger.MemoryStore
}

// NewMemoryStore creates an in-memory withdrawal store.
func NewMemoryStore(wallets *wallet.MemoryStore, entries *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*Withdrawal),
		wallets: wallets,
		ledger:  entries,
	}
}

func (m *MemoryStore) Reserve(ctx context.Context, w *Withdrawal) error {
	_, err := m.wallets.Update(ctx, w.PayeeProfileID, func(wl *wallet.Wallet) error {
		open, err := m.SumOpen(ctx, w.PayeeProfileID)
		if err != nil {
			return err
		}
		free := wl.AvailableBalance.Sub(open)
		if w.Amount.GreaterThan(free) {
			return fmt.Errorf("%w: free %s, requested %s", ErrInsufficientBalance, money.Format(free), money.Format(w.Amount))
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.items[w.ID]; ok {
			return fmt.Errorf("withdrawal %s already exists", w.ID)
		}
		cp := *w
		m.items[w.ID] = &cp
		return nil
	})
	return err
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.items[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return clone(w), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn func(w *Withdrawal) error) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	w := clone(cur)
	if err := fn(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	m.items[id] = w
	return clone(w), nil
}

func (m *MemoryStore) Settle(ctx context.Context, id, payoutRef string, entry *ledger.Transaction) (*Withdrawal, error) {
	w, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var settled *Withdrawal
	_, err = m.wallets.Update(ctx, w.PayeeProfileID, func(wl *wallet.Wallet) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur := m.items[id]
		switch cur.Status {
		case StatusCompleted:
			settled = clone(cur)
			return errAlreadySettled
		case StatusProcessing:
		default:
			return ErrStateConflict
		}
		if wl.AvailableBalance.LessThan(cur.Amount) {
			return fmt.Errorf("%w: available %s, settling %s",
				ErrInsufficientBalance, money.Format(wl.AvailableBalance), money.Format(cur.Amount))
		}
		if err := m.ledger.Append(ctx, entry); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
			return err
		}

		wl.AvailableBalance = wl.AvailableBalance.Sub(cur.Amount)
		wl.TotalWithdrawn = wl.TotalWithdrawn.Add(cur.Amount)

		now := time.Now()
		next := clone(cur)
		next.Status = StatusCompleted
		next.ExternalPayoutRef = payoutRef
		next.ErrorMessage = ""
		next.CompletedAt = &now
		next.UpdatedAt = now
		m.items[id] = next
		settled = clone(next)
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadySettled) {
		return nil, err
	}
	return settled, nil
}

func (m *MemoryStore) ListByPayee(ctx context.Context, payeeID string, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Withdrawal
	for _, w := range m.items {
		if w.PayeeProfileID == payeeID {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Withdrawal
	for _, w := range m.items {
		if w.Status == StatusProcessing && w.UpdatedAt.Before(cutoff) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumOpen(ctx context.Context, payeeID string) (decimal.Decimal, error) {
	return m.sum(payeeID, StatusPending, StatusProcessing), nil
}

func (m *MemoryStore) SumCompleted(ctx context.Context, payeeID string) (decimal.Decimal, error) {
	return m.sum(payeeID, StatusCompleted), nil
}

func (m *MemoryStore) sum(payeeID string, statuses ...Status) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, w := range m.items {
		if w.PayeeProfileID != payeeID {
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				total = total.Add(w.Amount)
				break
			}
		}
	}
	return total
}

func clone(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)

// Package wallet derives payee balances.
//
// A wallet row is a cache. Its truth is the payee's agreements plus their
// completed withdrawals:
//
//	pending   = Σ net(paid_escrow)
//	earned    = Σ net(released)
//	withdrawn = Σ amount(completed withdrawals)
//	available = earned − withdrawn
//
// Recompute rewrites the row from that truth under the wallet's lock, so
// concurrent recomputes converge and never lose a debit.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/notify"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	// ErrInconsistent means completed withdrawals exceed earnings.
	ErrInconsistent = errors.New("wallet: withdrawn exceeds earned")
)

// Wallet is a payee's derived balance.
type Wallet struct {
	ProfileID        string          `json:"payeeProfileId"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	TotalEarned      decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn   decimal.Decimal `json:"totalWithdrawn"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// SameBalances reports whether w and o hold equal amounts.
func (w *Wallet) SameBalances(o *Wallet) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.PendingBalance.Equal(o.PendingBalance) &&
		w.AvailableBalance.Equal(o.AvailableBalance) &&
		w.TotalEarned.Equal(o.TotalEarned) &&
		w.TotalWithdrawn.Equal(o.TotalWithdrawn)
}

// Store caches wallets.
type Store interface {
	Get(ctx context.Context, profileID string) (*Wallet, error)
	// Replace runs derive while holding the wallet's lock and stores its
	// result.
	Replace(ctx context.Context, profileID string, derive func(ctx context.Context) (*Wallet, error)) (*Wallet, error)
	// ListProfiles returns every profile with a wallet row.
	ListProfiles(ctx context.Context) ([]string, error)
}

// AgreementSource lists a payee's agreements.
type AgreementSource interface {
	ListByPayee(ctx context.Context, payeeID string) ([]*escrow.Agreement, error)
}

// WithdrawnSource sums a payee's completed withdrawals.
type WithdrawnSource interface {
	SumCompleted(ctx context.Context, payeeID string) (decimal.Decimal, error)
}

// Derive computes balances from agreements and the withdrawn total.
func Derive(profileID string, agreements []*escrow.Agreement, withdrawn decimal.Decimal) (*Wallet, error) {
	pending, earned := decimal.Zero, decimal.Zero
	for _, a := range agreements {
		if a.PayeeProfileID != profileID {
			continue
		}
		switch a.PaymentStatus {
		case escrow.PaymentPaidEscrow:
			pending = pending.Add(a.NetAmount)
		case escrow.PaymentReleased:
			earned = earned.Add(a.NetAmount)
		}
	}
	available := earned.Sub(withdrawn)
	if available.IsNegative() {
		return nil, fmt.Errorf("%w: profile %s earned %s, withdrawn %s",
			ErrInconsistent, profileID, money.Format(earned), money.Format(withdrawn))
	}
	return &Wallet{
		ProfileID:        profileID,
		PendingBalance:   pending,
		AvailableBalance: available,
		TotalEarned:      earned,
		TotalWithdrawn:   withdrawn,
		UpdatedAt:        time.Now(),
	}, nil
}

// Ledger owns balance truth: every balance change goes through Recompute
// (or the withdrawal settlement debit, which Recompute reproduces).
type Ledger struct {
	store      Store
	agreements AgreementSource
	withdrawn  WithdrawnSource
	notifier   notify.Notifier
	logger     *slog.Logger
}

// NewLedger creates a wallet ledger.
func NewLedger(store Store, agreements AgreementSource, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, agreements: agreements, notifier: notify.Nop{}, logger: logger}
}

// WithWithdrawals sets the completed-withdrawal source. Without one the
// withdrawn total is zero.
func (l *Ledger) WithWithdrawals(src WithdrawnSource) *Ledger {
	l.withdrawn = src
	return l
}

// WithNotifier adds a notification sink for balance changes.
func (l *Ledger) WithNotifier(n notify.Notifier) *Ledger {
	if n != nil {
		l.notifier = n
	}
	return l
}

// Derive computes the wallet without storing it.
func (l *Ledger) Derive(ctx context.Context, profileID string) (*Wallet, error) {
	agreements, err := l.agreements.ListByPayee(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	withdrawn := decimal.Zero
	if l.withdrawn != nil {
		withdrawn, err = l.withdrawn.SumCompleted(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("sum withdrawals: %w", err)
		}
	}
	return Derive(profileID, agreements, withdrawn)
}

// Recompute rederives and stores the payee's wallet. Idempotent and safe
// to run concurrently.
func (l *Ledger) Recompute(ctx context.Context, profileID string) (*Wallet, error) {
	before, err := l.store.Get(ctx, profileID)
	if err != nil && !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	w, err := l.store.Replace(ctx, profileID, func(ctx context.Context) (*Wallet, error) {
		return l.Derive(ctx, profileID)
	})
	if err != nil {
		return nil, fmt.Errorf("recompute wallet %s: %w", profileID, err)
	}

	if !w.SameBalances(before) {
		l.notifier.Notify(ctx, notify.NewEvent(notify.EventBalanceChanged, profileID, balanceData(w)))
		l.logger.Debug("wallet recomputed", "profile", profileID,
			"pending", money.Format(w.PendingBalance), "available", money.Format(w.AvailableBalance))
	}
	return w, nil
}

// Refresh recomputes and discards the result.
func (l *Ledger) Refresh(ctx context.Context, profileID string) error {
	_, err := l.Recompute(ctx, profileID)
	return err
}

// Get returns the cached wallet, computing it on first access.
func (l *Ledger) Get(ctx context.Context, profileID string) (*Wallet, error) {
	w, err := l.store.Get(ctx, profileID)
	if errors.Is(err, ErrWalletNotFound) {
		return l.Recompute(ctx, profileID)
	}
	return w, err
}

// Profiles lists payees with a wallet row.
func (l *Ledger) Profiles(ctx context.Context) ([]string, error) {
	return l.store.ListProfiles(ctx)
}

func balanceData(w *Wallet) map[string]any {
	return map[string]any{
		"pendingBalance":   money.Format(w.PendingBalance),
		"availableBalance": money.Format(w.AvailableBalance),
		"totalEarned":      money.Format(w.TotalEarned),
		"totalWithdrawn":   money.Format(w.TotalWithdrawn),
	}
}

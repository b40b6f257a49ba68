// Package withdrawals moves a payee's available balance to their payout
// destination.
//
// Lifecycle:
//
//	pending ──► processing ──► completed
//	   │             │
//	   └─────────────┴───────► failed
//
// A request reserves its amount against the wallet's available balance at
// creation. Process calls the payout rail with the withdrawal ID as the
// idempotency key; a success settles the request, debits the wallet and
// records the ledger entry in one store transaction. A payout with an
// unknown outcome leaves the request processing for the reconciler.
package withdrawals

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/wallet"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	// ErrInsufficientBalance is wallet.ErrInsufficientBalance so either
	// sentinel matches.
	ErrInsufficientBalance = wallet.ErrInsufficientBalance
	ErrInvalidAmount       = errors.New("amount must be positive with at most 2 decimal places")
	ErrInvalidState        = errors.New("withdrawal is not in a valid state for this operation")
	ErrStateConflict       = errors.New("withdrawal changed concurrently")
)

// Status is the withdrawal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Withdrawal is a payout request.
type Withdrawal struct {
	ID                string               `json:"id"`
	PayeeProfileID    string               `json:"payeeProfileId"`
	Amount            decimal.Decimal      `json:"amount"`
	Destination       profiles.Destination `json:"payoutDestination"`
	Status            Status               `json:"status"`
	ExternalPayoutRef string               `json:"externalPayoutRef,omitempty"`
	ErrorMessage      string               `json:"errorMessage,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// Store persists withdrawals.
type Store interface {
	// Reserve inserts w if its amount fits the payee's cached available
	// balance minus open (pending or processing) requests. The check and
	// the insert happen under the wallet lock.
	Reserve(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	// Mutate loads the withdrawal under a row lock, applies fn and saves.
	// fn returning an error aborts without writing.
	Mutate(ctx context.Context, id string, fn func(w *Withdrawal) error) (*Withdrawal, error)
	// Settle moves a processing withdrawal to completed with payoutRef,
	// debits the wallet and appends entry, all or nothing. Settling an
	// already completed withdrawal returns it unchanged.
	Settle(ctx context.Context, id, payoutRef string, entry *ledger.Transaction) (*Withdrawal, error)
	ListByPayee(ctx context.Context, payeeID string, limit int) ([]*Withdrawal, error)
	// ListStale returns processing withdrawals last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Withdrawal, error)
	SumOpen(ctx context.Context, payeeID string) (decimal.Decimal, error)
	SumCompleted(ctx context.Context, payeeID string) (decimal.Decimal, error)
}

func expect(statuses ...Status) func(w *Withdrawal) error {
	return func(w *Withdrawal) error {
		for _, s := range statuses {
			if w.Status == s {
				return nil
			}
		}
		return ErrStateConflict
	}
}

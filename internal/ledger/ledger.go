// Package ledger is the append-only log of money movements per payee.
//
// Entries are immutable and unique on (type, reference_id), so recording
// the same movement twice (a retried release, a replayed settlement) is a
// no-op. Balances are never derived from this log; it is the audit trail
// next to the wallet cache.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/idgen"
)

var (
	ErrDuplicate     = errors.New("ledger: entry already recorded")
	ErrNotFound      = errors.New("ledger: entry not found")
	ErrInvalidAmount = errors.New("ledger: amount must be non-zero")
)

// Type classifies an entry.
type Type string

const (
	TypeEscrowHold      Type = "escrow_hold"
	TypeRelease         Type = "release"
	TypeWithdrawal      Type = "withdrawal"
	TypeAdminAdjustment Type = "admin_adjustment"
)

// Transaction is an immutable ledger entry. Amount is signed: holds and
// releases are credits, withdrawals are debits.
type Transaction struct {
	ID          string          `json:"id"`
	ProfileID   string          `json:"payeeProfileId"`
	Type        Type            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"referenceId"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists entries.
type Store interface {
	// Append inserts t, or returns ErrDuplicate if (type, reference) exists.
	Append(ctx context.Context, t *Transaction) error
	GetByReference(ctx context.Context, typ Type, referenceID string) (*Transaction, error)
	ListByProfile(ctx context.Context, profileID string, limit int) ([]*Transaction, error)
}

// NewTransaction builds an entry with a fresh ID.
func NewTransaction(profileID string, typ Type, amount decimal.Decimal, referenceID string) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		ProfileID:   profileID,
		Type:        typ,
		Amount:      amount,
		ReferenceID: referenceID,
		CreatedAt:   time.Now(),
	}
}

// Journal records domain movements. Every method is idempotent per
// reference.
type Journal struct {
	store  Store
	logger *slog.Logger
}

// NewJournal creates a journal over store.
func NewJournal(store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger}
}

// RecordHold records that net is held in escrow for the payee.
func (j *Journal) RecordHold(ctx context.Context, profileID, agreementID string, net decimal.Decimal) error {
	return j.record(ctx, NewTransaction(profileID, TypeEscrowHold, net, agreementID))
}

// RecordRelease records that net was released to the payee.
func (j *Journal) RecordRelease(ctx context.Context, profileID, agreementID string, net decimal.Decimal) error {
	return j.record(ctx, NewTransaction(profileID, TypeRelease, net, agreementID))
}

// Adjust records a manual correction annotation. It does not change
// balances.
func (j *Journal) Adjust(ctx context.Context, profileID string, amount decimal.Decimal, note string) (*Transaction, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	t := NewTransaction(profileID, TypeAdminAdjustment, amount, idgen.WithPrefix("adj_"))
	t.Note = note
	done := observeOp(string(TypeAdminAdjustment))
	defer done()
	if err := j.store.Append(ctx, t); err != nil {
		return nil, fmt.Errorf("record adjustment: %w", err)
	}
	return t, nil
}

// History lists a payee's entries, newest first.
func (j *Journal) History(ctx context.Context, profileID string, limit int) ([]*Transaction, error) {
	return j.store.ListByProfile(ctx, profileID, limit)
}

func (j *Journal) record(ctx context.Context, t *Transaction) error {
	done := observeOp(string(t.Type))
	defer done()

	err := j.store.Append(ctx, t)
	if errors.Is(err, ErrDuplicate) {
		j.logger.Debug("ledger entry already recorded", "type", t.Type, "reference", t.ReferenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", t.Type, t.ReferenceID, err)
	}
	return nil
}

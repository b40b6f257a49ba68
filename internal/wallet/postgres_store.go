package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/money"
)

// PostgresStore persists wallets in PostgreSQL. The wallet row lock
// (SELECT ... FOR UPDATE) serialises recomputes with withdrawal settlement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `payee_profile_id, pending_balance, available_balance, total_earned, total_withdrawn, updated_at`

func (p *PostgresStore) Get(ctx context.Context, profileID string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE payee_profile_id = $1`, profileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// Replace locks the wallet row (creating it if needed), derives the new
// balances, and writes them in the same transaction. derive runs on its
// own connections; the pool needs at least two.
func (p *PostgresStore) Replace(ctx context.Context, profileID string, derive func(ctx context.Context) (*Wallet, error)) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := Lock(ctx, tx, profileID); err != nil {
		return nil, err
	}

	w, err := derive(ctx)
	if err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	if err := writeWallet(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payee_profile_id FROM wallets ORDER BY payee_profile_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Debit subtracts amount from the available balance inside tx, holding the
// wallet row lock until tx ends. Withdrawal settlement calls it alongside
// its own status update so both commit together.
func Debit(ctx context.Context, tx *sql.Tx, profileID string, amount decimal.Decimal) (*Wallet, error) {
	w, err := Lock(ctx, tx, profileID)
	if err != nil {
		return nil, err
	}
	if w.AvailableBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, requested %s",
			ErrInsufficientBalance, money.Format(w.AvailableBalance), money.Format(amount))
	}
	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	w.UpdatedAt = time.Now()
	if err := writeWallet(ctx, tx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Lock ensures the wallet row exists and locks it FOR UPDATE until tx
// ends.
func Lock(ctx context.Context, tx *sql.Tx, profileID string) (*Wallet, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (payee_profile_id, updated_at) VALUES ($1, NOW())
		ON CONFLICT (payee_profile_id) DO NOTHING`, profileID); err != nil {
		return nil, fmt.Errorf("ensure wallet row: %w", err)
	}
	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE payee_profile_id = $1 FOR UPDATE`, profileID))
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

func writeWallet(ctx context.Context, tx *sql.Tx, w *Wallet) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			pending_balance = $2, available_balance = $3,
			total_earned = $4, total_withdrawn = $5, updated_at = $6
		WHERE payee_profile_id = $1`,
		w.ProfileID, w.PendingBalance, w.AvailableBalance, w.TotalEarned, w.TotalWithdrawn, w.UpdatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(sc scanner) (*Wallet, error) {
	w := &Wallet{}
	err := sc.Scan(&w.ProfileID, &w.PendingBalance, &w.AvailableBalance, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var _ Store = (*PostgresStore)(nil)

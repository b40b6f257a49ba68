package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/wallet"
)

// PostgresStore persists withdrawals in PostgreSQL. Reserve and Settle
// take the payee's wallet row lock before touching withdrawal rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, payee_profile_id, amount, destination_key, destination_key_type,
		       status, external_payout_ref, error_message, completed_at, created_at, updated_at`

func (p *PostgresStore) Reserve(ctx context.Context, w *Withdrawal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	wl, err := wallet.Lock(ctx, tx, w.PayeeProfileID)
	if err != nil {
		return err
	}
	var open decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
		WHERE payee_profile_id = $1 AND status IN ('pending', 'processing')`,
		w.PayeeProfileID).Scan(&open); err != nil {
		return err
	}
	free := wl.AvailableBalance.Sub(open)
	if w.Amount.GreaterThan(free) {
		return fmt.Errorf("%w: free %s, requested %s", ErrInsufficientBalance, money.Format(free), money.Format(w.Amount))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (
			id, payee_profile_id, amount, destination_key, destination_key_type,
			status, external_payout_ref, error_message, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.PayeeProfileID, w.Amount, w.Destination.Key, string(w.Destination.KeyType),
		string(w.Status), nullString(w.ExternalPayoutRef), nullString(w.ErrorMessage), nullTime(w.CompletedAt),
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(w *Withdrawal) error) (*Withdrawal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := lockWithdrawal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	if err := update(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Settle(ctx context.Context, id, payoutRef string, entry *ledger.Transaction) (*Withdrawal, error) {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// wallet row first, matching Reserve's lock order
	if _, err := wallet.Lock(ctx, tx, cur.PayeeProfileID); err != nil {
		return nil, err
	}
	w, err := lockWithdrawal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case StatusCompleted:
		return w, nil
	case StatusProcessing:
	default:
		return nil, ErrStateConflict
	}

	if _, err := wallet.Debit(ctx, tx, w.PayeeProfileID, w.Amount); err != nil {
		return nil, err
	}
	if err := ledger.AppendWith(ctx, tx, entry); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	now := time.Now()
	w.Status = StatusCompleted
	w.ExternalPayoutRef = payoutRef
	w.ErrorMessage = ""
	w.CompletedAt = &now
	w.UpdatedAt = now
	if err := update(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListByPayee(ctx context.Context, payeeID string, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE payee_profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, payeeID, limit)
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func (p *PostgresStore) SumOpen(ctx context.Context, payeeID string) (decimal.Decimal, error) {
	return p.sum(ctx, payeeID, `status IN ('pending', 'processing')`)
}

func (p *PostgresStore) SumCompleted(ctx context.Context, payeeID string) (decimal.Decimal, error) {
	return p.sum(ctx, payeeID, `status = 'completed'`)
}

func (p *PostgresStore) sum(ctx context.Context, payeeID, cond string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
		WHERE payee_profile_id = $1 AND `+cond, payeeID).Scan(&total) // #nosec G202 -- cond is a constant
	return total, err
}

func lockWithdrawal(ctx context.Context, tx *sql.Tx, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(tx.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func update(ctx context.Context, tx *sql.Tx, w *Withdrawal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET
			status = $2, external_payout_ref = $3, error_message = $4,
			completed_at = $5, updated_at = $6
		WHERE id = $1`,
		w.ID, string(w.Status), nullString(w.ExternalPayoutRef), nullString(w.ErrorMessage),
		nullTime(w.CompletedAt), w.UpdatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(sc scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		keyType, status string
		ref, errMsg     sql.NullString
		completedAt     sql.NullTime
	)
	err := sc.Scan(
		&w.ID, &w.PayeeProfileID, &w.Amount, &w.Destination.Key, &keyType,
		&status, &ref, &errMsg, &completedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Destination.KeyType = profiles.KeyType(keyType)
	w.Status = Status(status)
	w.ExternalPayoutRef = ref.String
	w.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return w, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	defer func() { _ = rows.Close() }()
	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

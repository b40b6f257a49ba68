package ledger

import (
	"context"
	"database/sql"
	"errors"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore persists entries in the transactions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, t *Transaction) error {
	return AppendWith(ctx, p.db, t)
}

// AppendWith inserts t through ex, so callers can write the entry inside
// their own transaction. Returns ErrDuplicate on a (type, reference) clash.
func AppendWith(ctx context.Context, ex Execer, t *Transaction) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO transactions (id, payee_profile_id, type, amount, reference_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (type, reference_id) DO NOTHING`,
		t.ID, t.ProfileID, string(t.Type), t.Amount, t.ReferenceID, t.Note, t.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const txColumns = `id, payee_profile_id, type, amount, reference_id, note, created_at`

func (p *PostgresStore) GetByReference(ctx context.Context, typ Type, referenceID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE type = $1 AND reference_id = $2`,
		string(typ), referenceID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE payee_profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var typ string
	var note sql.NullString
	if err := s.Scan(&t.ID, &t.ProfileID, &typ, &t.Amount, &t.ReferenceID, &note, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Note = note.String
	return t, nil
}

var _ Store = (*PostgresStore)(nil)

package profiles

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// PostgresStore persists profiles in the payee_profiles table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	var (
		pr         Profile
		commission decimal.NullDecimal
		account    sql.NullString
		key        sql.NullString
		keyType    sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, commission_percent, gateway_account_id, payout_key, payout_key_type,
		       created_at, updated_at
		FROM payee_profiles WHERE id = $1`, id,
	).Scan(&pr.ID, &commission, &account, &key, &keyType, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	if commission.Valid {
		pr.CommissionPercent = &commission.Decimal
	}
	pr.GatewayAccount = account.String
	if key.Valid {
		pr.Destination = &Destination{Key: key.String, KeyType: KeyType(keyType.String)}
	}
	return &pr, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, pr *Profile) error {
	var commission decimal.NullDecimal
	if pr.CommissionPercent != nil {
		commission = decimal.NewNullDecimal(*pr.CommissionPercent)
	}
	var key, keyType sql.NullString
	if pr.Destination != nil {
		key = sql.NullString{String: pr.Destination.Key, Valid: true}
		keyType = sql.NullString{String: string(pr.Destination.KeyType), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payee_profiles (
			id, commission_percent, gateway_account_id, payout_key, payout_key_type,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			commission_percent = EXCLUDED.commission_percent,
			gateway_account_id = EXCLUDED.gateway_account_id,
			payout_key         = EXCLUDED.payout_key,
			payout_key_type    = EXCLUDED.payout_key_type,
			updated_at         = EXCLUDED.updated_at`,
		pr.ID, commission, nullString(pr.GatewayAccount), key, keyType,
		pr.CreatedAt, pr.UpdatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

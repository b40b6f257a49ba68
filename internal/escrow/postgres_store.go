package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists agreements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agreement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agreementColumns = `id, kind, payer_id, payee_profile_id,
		       gross_amount, commission_percent, platform_fee, gateway_fee, net_amount,
		       payment_status, work_status, external_payment_ref,
		       confirmation_deadline, held_at, released_at, failure_reason,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Agreement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agreements (
			id, kind, payer_id, payee_profile_id,
			gross_amount, commission_percent, platform_fee, gateway_fee, net_amount,
			payment_status, work_status, external_payment_ref,
			confirmation_deadline, held_at, released_at, failure_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, string(a.Kind), a.PayerID, a.PayeeProfileID,
		a.GrossAmount, a.CommissionPercent, a.PlatformFee, a.GatewayFee, a.NetAmount,
		string(a.PaymentStatus), string(a.WorkStatus), nullString(a.ExternalPaymentRef),
		nullTime(a.ConfirmationDeadline), nullTime(a.HeldAt), nullTime(a.ReleasedAt), nullString(a.FailureReason),
		a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAgreementExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agreement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id)
	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgreementNotFound
	}
	return a, err
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(a *Agreement) error) (*Agreement, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAgreement(tx.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgreementNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE agreements SET
			commission_percent = $1, platform_fee = $2, gateway_fee = $3, net_amount = $4,
			payment_status = $5, work_status = $6, external_payment_ref = $7,
			confirmation_deadline = $8, held_at = $9, released_at = $10, failure_reason = $11,
			updated_at = $12
		WHERE id = $13`,
		a.CommissionPercent, a.PlatformFee, a.GatewayFee, a.NetAmount,
		string(a.PaymentStatus), string(a.WorkStatus), nullString(a.ExternalPaymentRef),
		nullTime(a.ConfirmationDeadline), nullTime(a.HeldAt), nullTime(a.ReleasedAt), nullString(a.FailureReason),
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update agreement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Agreement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agreementColumns+`
		FROM agreements
		WHERE payer_id = $1 OR payee_profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

func (p *PostgresStore) ListByPayee(ctx context.Context, payeeID string) ([]*Agreement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agreementColumns+`
		FROM agreements
		WHERE payee_profile_id = $1`, payeeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Agreement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agreementColumns+`
		FROM agreements
		WHERE payment_status = 'paid_escrow'
		  AND work_status = 'freelancer_completed'
		  AND confirmation_deadline < $1
		  AND (confirmation_deadline, id) > ($2, $3)
		ORDER BY confirmation_deadline ASC, id ASC
		LIMIT $4`, now, after.Deadline, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

func (p *PostgresStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_correlations (external_ref, agreement_id, kind, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_ref) DO NOTHING`,
		c.ExternalRef, c.AgreementID, string(c.Kind), c.CreatedAt,
	)
	return err
}

func (p *PostgresStore) FindCorrelation(ctx context.Context, externalRef string) (*Correlation, error) {
	c := &Correlation{}
	var kind string
	err := p.db.QueryRowContext(ctx, `
		SELECT external_ref, agreement_id, kind, created_at
		FROM payment_correlations WHERE external_ref = $1`, externalRef,
	).Scan(&c.ExternalRef, &c.AgreementID, &kind, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgreement(s scanner) (*Agreement, error) {
	a := &Agreement{}
	var (
		kind, paymentStatus, workStatus string
		ref, failure                    sql.NullString
		deadline, heldAt, releasedAt    sql.NullTime
	)
	err := s.Scan(
		&a.ID, &kind, &a.PayerID, &a.PayeeProfileID,
		&a.GrossAmount, &a.CommissionPercent, &a.PlatformFee, &a.GatewayFee, &a.NetAmount,
		&paymentStatus, &workStatus, &ref,
		&deadline, &heldAt, &releasedAt, &failure,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.PaymentStatus = PaymentStatus(paymentStatus)
	a.WorkStatus = WorkStatus(workStatus)
	a.ExternalPaymentRef = ref.String
	a.FailureReason = failure.String
	a.ConfirmationDeadline = timePtr(deadline)
	a.HeldAt = timePtr(heldAt)
	a.ReleasedAt = timePtr(releasedAt)
	return a, nil
}

func scanAgreements(rows *sql.Rows) ([]*Agreement, error) {
	var out []*Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)

// Package profiles is the directory of payee attributes owned by the
// profile system: commission plan, gateway account and payout destination.
// Money code reads it; the admin API writes it.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/fees"
)

var (
	ErrProfileNotFound    = errors.New("profile not found")
	ErrNoGatewayAccount   = errors.New("profile has no gateway account")
	ErrNoDestination      = errors.New("profile has no payout destination")
	ErrInvalidKeyType     = errors.New("invalid payout key type")
	ErrInvalidDestination = errors.New("payout destination key is required")
)

// KeyType classifies a payout destination key.
type KeyType string

const (
	KeyCPF         KeyType = "cpf"
	KeyCNPJ        KeyType = "cnpj"
	KeyEmail       KeyType = "email"
	KeyPhone       KeyType = "phone"
	KeyRandom      KeyType = "evp"
	KeyBankAccount KeyType = "bank_account"
)

// KeyTypes lists accepted key types.
var KeyTypes = []string{
	string(KeyCPF), string(KeyCNPJ), string(KeyEmail),
	string(KeyPhone), string(KeyRandom), string(KeyBankAccount),
}

// Destination is where a payee's withdrawals are paid.
type Destination struct {
	Key     string  `json:"key"`
	KeyType KeyType `json:"keyType"`
}

// Validate checks the destination is usable.
func (d Destination) Validate() error {
	if d.Key == "" {
		return ErrInvalidDestination
	}
	for _, k := range KeyTypes {
		if string(d.KeyType) == k {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidKeyType, d.KeyType)
}

// Profile holds the payee attributes money code depends on.
type Profile struct {
	ID string `json:"id"`
	// CommissionPercent is the explicit plan; nil falls back to the default.
	CommissionPercent *decimal.Decimal `json:"commissionPercent,omitempty"`
	GatewayAccount    string           `json:"gatewayAccount,omitempty"`
	Destination       *Destination     `json:"payoutDestination,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Store persists profiles.
type Store interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

// Directory answers the lookups escrow and withdrawals need.
type Directory struct {
	store             Store
	defaultCommission decimal.Decimal
}

// NewDirectory creates a directory falling back to defaultCommission when
// a profile has no explicit plan.
func NewDirectory(store Store, defaultCommission decimal.Decimal) *Directory {
	return &Directory{store: store, defaultCommission: defaultCommission}
}

// Get returns the stored profile.
func (d *Directory) Get(ctx context.Context, id string) (*Profile, error) {
	return d.store.Get(ctx, id)
}

// Upsert validates and stores a profile.
func (d *Directory) Upsert(ctx context.Context, p *Profile) error {
	if p.CommissionPercent != nil {
		if err := fees.ValidateCommission(*p.CommissionPercent); err != nil {
			return err
		}
	}
	if p.Destination != nil {
		if err := p.Destination.Validate(); err != nil {
			return err
		}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return d.store.Upsert(ctx, p)
}

// CommissionPercent resolves the commission for a payee: explicit plan,
// then the configured default. Unknown profiles get the default.
func (d *Directory) CommissionPercent(ctx context.Context, profileID string) (decimal.Decimal, error) {
	p, err := d.store.Get(ctx, profileID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return d.defaultCommission, nil
	case err != nil:
		return decimal.Zero, err
	case p.CommissionPercent != nil:
		return *p.CommissionPercent, nil
	default:
		return d.defaultCommission, nil
	}
}

// GatewayAccount returns the payee's connected gateway account.
func (d *Directory) GatewayAccount(ctx context.Context, profileID string) (string, error) {
	p, err := d.store.Get(ctx, profileID)
	if errors.Is(err, ErrProfileNotFound) {
		return "", ErrNoGatewayAccount
	}
	if err != nil {
		return "", err
	}
	if p.GatewayAccount == "" {
		return "", ErrNoGatewayAccount
	}
	return p.GatewayAccount, nil
}

// PayoutDestination returns the payee's registered payout destination.
func (d *Directory) PayoutDestination(ctx context.Context, profileID string) (*Destination, error) {
	p, err := d.store.Get(ctx, profileID)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, ErrNoDestination
	}
	if err != nil {
		return nil, err
	}
	if p.Destination == nil || p.Destination.Key == "" {
		return nil, ErrNoDestination
	}
	cp := *p.Destination
	return &cp, nil
}

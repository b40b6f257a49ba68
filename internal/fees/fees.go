// Package fees splits a gross agreement amount into platform commission,
// gateway fee and the net amount owed to the payee.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/money"
)

// DefaultCommissionPercent applies when a payee has no explicit plan.
var DefaultCommissionPercent = decimal.NewFromInt(10)

var (
	ErrInvalidAmount     = errors.New("gross amount must be positive with at most 2 decimal places")
	ErrInvalidCommission = errors.New("commission percent must be in [0, 100)")
	ErrFeesExceedAmount  = errors.New("fees exceed gross amount")
)

// GatewayModel is the gateway's pricing: percent of gross plus a fixed
// amount per charge. The zero value models no gateway fee.
type GatewayModel struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// Fee returns the gateway fee for gross, rounded once to the cent.
func (m GatewayModel) Fee(gross decimal.Decimal) decimal.Decimal {
	return money.Round2(gross.Mul(m.Percent).Div(decimal.NewFromInt(100)).Add(m.Fixed))
}

// Split is the result of a fee computation.
// PlatformFee + GatewayFee + Net == Gross, to the cent.
type Split struct {
	Gross             decimal.Decimal `json:"gross"`
	CommissionPercent decimal.Decimal `json:"commissionPercent"`
	PlatformFee       decimal.Decimal `json:"platformFee"`
	GatewayFee        decimal.Decimal `json:"gatewayFee"`
	Net               decimal.Decimal `json:"net"`
}

// Calculator computes fee splits. It is pure and safe for concurrent use.
type Calculator struct {
	gateway GatewayModel
}

// NewCalculator creates a calculator using the given gateway fee model.
func NewCalculator(gateway GatewayModel) *Calculator {
	return &Calculator{gateway: gateway}
}

// Compute splits gross using commissionPercent. Each fee is rounded once;
// net absorbs the remainder so the split always conserves gross.
func (c *Calculator) Compute(gross, commissionPercent decimal.Decimal) (Split, error) {
	if !gross.IsPositive() || !money.IsCents(gross) {
		return Split{}, fmt.Errorf("%w: %s", ErrInvalidAmount, gross)
	}
	if err := ValidateCommission(commissionPercent); err != nil {
		return Split{}, err
	}

	platformFee := money.Percent(gross, commissionPercent)
	gatewayFee := c.gateway.Fee(gross)
	net := gross.Sub(platformFee).Sub(gatewayFee)
	if net.IsNegative() {
		return Split{}, fmt.Errorf("%w: gross %s, platform %s, gateway %s",
			ErrFeesExceedAmount, money.Format(gross), money.Format(platformFee), money.Format(gatewayFee))
	}

	return Split{
		Gross:             gross,
		CommissionPercent: commissionPercent,
		PlatformFee:       platformFee,
		GatewayFee:        gatewayFee,
		Net:               net,
	}, nil
}

// ValidateCommission checks pct is in [0, 100).
func ValidateCommission(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ErrInvalidCommission, pct)
	}
	return nil
}

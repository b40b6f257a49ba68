// Package money provides shared parsing, rounding and formatting for
// currency amounts.
//
// Amounts are shopspring decimals with two decimal places. Gateways that
// work in minor units (cents) convert at the adapter boundary with
// ToMinor and FromMinor.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 2

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrPrecision = errors.New("amount has more than 2 decimal places")
)

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1000.00") to an amount.
//
// Rules:
//   - Empty or blank strings are rejected
//   - More than 2 fractional digits are rejected, never silently rounded
//   - Negative amounts parse; callers decide whether they are allowed
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if !IsCents(d) {
		return decimal.Zero, ErrPrecision
	}
	return d, nil
}

// IsCents reports whether d has no precision beyond the cent.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(Decimals))
}

// Round2 rounds to the cent, half away from zero (half-up for positive
// amounts).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Decimals)
}

// Percent returns round2(amount * pct / 100).
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct).Div(hundred))
}

// ToMinor converts an amount to integer minor units (cents).
func ToMinor(d decimal.Decimal) int64 {
	return Round2(d).Mul(hundred).IntPart()
}

// FromMinor converts integer minor units (cents) to an amount.
func FromMinor(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}

// Format renders d with exactly two decimal places (e.g. "900.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

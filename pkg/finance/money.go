// Package finance provides integer-math monetary values. Bills and cost
// rules carry amounts in minor units; floats never enter the arithmetic.
package finance

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCurrencyMismatch is returned when combining amounts in different
	// currencies.
	ErrCurrencyMismatch = errors.New("finance: currency mismatch")
	// ErrScaleMismatch is returned when combining amounts with different
	// minor-unit scales.
	ErrScaleMismatch = errors.New("finance: scale mismatch")
)

// DefaultScale is the minor-unit exponent for fiat currencies (cents).
const DefaultScale = 2

// Money is a monetary value in minor units of a specific currency.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR
}

// NewMoney creates a Money value with the default scale.
func NewMoney(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency, Scale: DefaultScale}
}

// Zero returns the zero value in currency.
func Zero(currency string) Money {
	return NewMoney(0, currency)
}

// Add adds two Money amounts.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other from m.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Mul multiplies the amount by an integer factor.
func (m Money) Mul(n int64) Money {
	return Money{AmountMinor: m.AmountMinor * n, Currency: m.Currency, Scale: m.Scale}
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive reports whether the amount is > 0.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative reports whether the amount is < 0.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String formats the amount with its currency, e.g. "2.00 USD".
func (m Money) String() string {
	if m.Scale <= 0 {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	units := m.AmountMinor / div
	frac := m.AmountMinor % div
	sign := ""
	if m.AmountMinor < 0 {
		sign = "-"
		units, frac = -units, -frac
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, units, m.Scale, frac, strings.ToUpper(m.Currency))
}

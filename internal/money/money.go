// Package money implements exact currency arithmetic on integer minor units.
// All amounts inside the system are carried as int64 cents; decimal values
// only appear at the parse and display boundary.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units of a single currency. The zero value is
// zero of the empty currency and is safe to use.
type Money struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
}

// New returns an amount of cents in the given currency.
func New(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: currency}
}

// Zero returns the zero amount of the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// Parse converts a decimal string such as "12.50" into minor units. Values
// with more than two fractional digits are rejected rather than rounded.
func Parse(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has sub-cent precision", value)
	}
	return Money{Cents: cents.IntPart(), Currency: currency}, nil
}

func (m Money) sameCurrency(o Money) {
	if m.Currency != o.Currency && m.Currency != "" && o.Currency != "" {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", m.Currency, o.Currency))
	}
}

func (m Money) currencyOr(o Money) string {
	if m.Currency != "" {
		return m.Currency
	}
	return o.Currency
}

// Add returns m+o. Both operands must share a currency.
func (m Money) Add(o Money) Money {
	m.sameCurrency(o)
	return Money{Cents: m.Cents + o.Cents, Currency: m.currencyOr(o)}
}

// Sub returns m-o. Both operands must share a currency.
func (m Money) Sub(o Money) Money {
	m.sameCurrency(o)
	return Money{Cents: m.Cents - o.Cents, Currency: m.currencyOr(o)}
}

// Neg returns the amount with its sign flipped.
func (m Money) Neg() Money {
	return Money{Cents: -m.Cents, Currency: m.Currency}
}

// MulQty scales the amount by an integer quantity.
func (m Money) MulQty(qty int64) Money {
	return Money{Cents: m.Cents * qty, Currency: m.Currency}
}

// Percent returns pct percent of the amount, rounded half up to the nearest
// cent. Used for line-level tax rates.
func (m Money) Percent(pct float64) Money {
	cents := decimal.NewFromInt(m.Cents).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return Money{Cents: cents.IntPart(), Currency: m.Currency}
}

// Split divides the amount into n parts that sum exactly to the original.
// The remainder from integer division is carried by the last part.
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	base := m.Cents / int64(n)
	parts := make([]Money, n)
	for i := range parts {
		parts[i] = Money{Cents: base, Currency: m.Currency}
	}
	parts[n-1].Cents += m.Cents - base*int64(n)
	return parts
}

// Min returns the smaller of the two amounts.
func Min(a, b Money) Money {
	a.sameCurrency(b)
	if a.Cents < b.Cents {
		return a
	}
	return b
}

func (m Money) IsZero() bool     { return m.Cents == 0 }
func (m Money) IsNegative() bool { return m.Cents < 0 }
func (m Money) IsPositive() bool { return m.Cents > 0 }

// Cmp returns -1, 0 or 1 comparing m against o.
func (m Money) Cmp(o Money) int {
	m.sameCurrency(o)
	switch {
	case m.Cents < o.Cents:
		return -1
	case m.Cents > o.Cents:
		return 1
	default:
		return 0
	}
}

// Decimal returns the amount as a two-place decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.Cents).Div(decimal.NewFromInt(100))
}

// String renders the amount as "<currency> <value>" with two decimals.
func (m Money) String() string {
	if m.Currency == "" {
		return m.Decimal().StringFixed(2)
	}
	return m.Currency + " " + m.Decimal().StringFixed(2)
}

// Package core provides money parsing and handling utilities.
//
// Amounts are carried as exact decimals so that sums over many messages never
// drift. Storage converts to integer cents at the boundary.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a single-currency decimal amount.
type Money struct {
	d decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = Money{}

func NewMoney(d decimal.Decimal) Money {
	return Money{d: d}
}

// MoneyFromCents builds an amount from integer minor units.
func MoneyFromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// ParseMoney converts a decimal string to Money.
//
// Thousands separators (",") are stripped before parsing. Negative values are
// rejected; zero is allowed so callers can decide what an empty amount means.
//
// Examples:
//
//	ParseMoney("1,234.50") -> 1234.50, nil
//	ParseMoney("500")      -> 500, nil
//	ParseMoney("-1")       -> 0, ErrInvalidAmount
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", "")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Zero, ErrInvalidAmount
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return Zero, ErrInvalidAmount
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalidAmount
	}
	return Money{d: d}, nil
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic("core: invalid money literal " + s)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }

func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// Mul scales the amount by an integer factor.
func (m Money) Mul(n int64) Money { return Money{d: m.d.Mul(decimal.NewFromInt(n))} }

// Div divides by an integer, keeping decimal.DivisionPrecision digits.
func (m Money) Div(n int64) Money { return Money{d: m.d.Div(decimal.NewFromInt(n))} }

// Ratio returns m / o. The caller must make sure o is not zero.
func (m Money) Ratio(o Money) decimal.Decimal { return m.d.Div(o.d) }

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsPositive() bool { return m.d.IsPositive() }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

// Cents returns the amount in minor units, rounded half away from zero.
func (m Money) Cents() int64 {
	return m.d.Mul(hundred).Round(0).IntPart()
}

// String renders the amount with two decimals and no grouping.
func (m Money) String() string {
	return m.d.StringFixed(2)
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.d.StringFixed(2)), nil
}

// UnmarshalJSON accepts both quoted and bare JSON numbers.
func (m *Money) UnmarshalJSON(b []byte) error {
	return m.d.UnmarshalJSON(b)
}

package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

var (
	// ErrNotPositive is returned for zero or negative amounts.
	ErrNotPositive = errors.New("amount must be greater than zero")
	// ErrTooPrecise is returned for amounts with more than Scale fractional digits.
	ErrTooPrecise = errors.New("amount must have at most 2 decimal places")
)

// Parse reads a decimal string such as "100.00".
func Parse(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// ValidatePositive checks that amount is strictly positive and representable
// at Scale without rounding.
func ValidatePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNotPositive
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return ErrTooPrecise
	}
	return nil
}

// Format renders amount with exactly Scale fractional digits.
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}

// Amount is a decimal that always serializes as a fixed-scale JSON string.
type Amount decimal.Decimal

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount(d)
}

// Decimal returns the underlying value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.Decimal(a)
}

func (a Amount) String() string {
	return Format(decimal.Decimal(a))
}

// MarshalJSON encodes the amount as a quoted string, e.g. "500.00".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	d, err := Parse(strings.Trim(string(data), `"`))
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", data, err)
	}
	*a = Amount(d)
	return nil
}

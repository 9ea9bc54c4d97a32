// Package money rounds monetary amounts to the minor-unit precision of a
// currency.
package money

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// RoundingMode selects how amounts are brought to minor-unit precision.
type RoundingMode string

const (
	// RoundHalfEven rounds to the nearest minor unit, ties to even.
	RoundHalfEven RoundingMode = "half_even"
	// RoundDown truncates towards zero.
	RoundDown RoundingMode = "down"
)

// DefaultCurrency is used when a basket does not carry a currency code.
const DefaultCurrency = "USD"

// Rounder rounds amounts to a fixed number of decimal places.
type Rounder struct {
	Scale int32
	Mode  RoundingMode
}

// NewRounder returns a Rounder for the given ISO 4217 currency code. An empty
// code falls back to DefaultCurrency.
func NewRounder(code string, mode RoundingMode) (Rounder, error) {
	if code == "" {
		code = DefaultCurrency
	}
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return Rounder{}, errors.Wrapf(err, "parse currency %q", code)
	}
	switch mode {
	case "":
		mode = RoundHalfEven
	case RoundHalfEven, RoundDown:
	default:
		return Rounder{}, errors.Errorf("unsupported rounding mode: %q", mode)
	}

	scale, _ := currency.Standard.Rounding(unit)
	return Rounder{Scale: int32(scale), Mode: mode}, nil
}

// Round brings amount to the rounder's precision.
func (r Rounder) Round(amount decimal.Decimal) decimal.Decimal {
	if r.Mode == RoundDown {
		return amount.RoundDown(r.Scale)
	}
	return amount.RoundBank(r.Scale)
}

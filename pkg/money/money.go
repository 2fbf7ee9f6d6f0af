// Package money centralizes the decimal-arithmetic rules spec §4.4 and §9
// require: arbitrary-precision decimals, half-away-from-zero rounding at a
// pair's declared precision, and 8-digit storage precision regardless of
// display precision.
package money

import "github.com/shopspring/decimal"

// StorageScale is the fractional-digit precision every monetary column
// persists at (spec §6: "Monetary columns are decimal with 8 fractional
// digits of storage precision regardless of per-pair display precision").
const StorageScale = 8

// Quantize rounds d to places fractional digits, half-away-from-zero.
// shopspring/decimal's Round already rounds half-away-from-zero on the
// magnitude, but to be explicit and resilient to library changes we flip the
// sign, round, and flip back.
func Quantize(d decimal.Decimal, places int32) decimal.Decimal {
	if d.IsZero() {
		return d.Round(places)
	}
	if d.IsNegative() {
		return d.Neg().Round(places).Neg()
	}
	return d.Round(places)
}

// ForStorage quantizes to the fixed storage precision.
func ForStorage(d decimal.Decimal) decimal.Decimal {
	return Quantize(d, StorageScale)
}

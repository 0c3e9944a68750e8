// Package money provides decimal money arithmetic for the marketplace.
//
// All amounts are stored with two decimal places (NUMERIC(12,2) in Postgres).
// The fee split is computed once, at transaction creation, and never
// recomputed for an existing record.
package money

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every amount.
const Scale = 2

// Split divides an amount into the platform fee and the seller's share.
// The fee is rounded half-up to two decimals; the seller gets the remainder,
// so fee + seller always equals amount exactly.
func Split(amount, feeRate decimal.Decimal) (fee, seller decimal.Decimal) {
	fee = amount.Mul(feeRate).Round(Scale)
	seller = amount.Sub(fee)
	return fee, seller
}

// Parse parses a decimal amount string and normalizes it to two decimals.
// Returns false for malformed input or negative amounts.
func Parse(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d.Round(Scale), true
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

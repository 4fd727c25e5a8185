package settlement

import "github.com/shopspring/decimal"

// FeePolicy is the compliance fee configuration.
type FeePolicy struct {
	Percentage decimal.Decimal
	Min        decimal.Decimal
	Max        decimal.Decimal
}

// Fee returns clamp(amount * percentage, min, max).
func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(p.Percentage)
	if fee.LessThan(p.Min) {
		fee = p.Min
	}
	if fee.GreaterThan(p.Max) {
		fee = p.Max
	}
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// Package pricing computes how far above a target price the bot may go when
// buying.
package pricing

import "github.com/shopspring/decimal"

// Tolerance is the price tolerance configuration of one manager instance.
// Ratios are fractions (0.05 = 5%); MinCompromise is in minor units.
type Tolerance struct {
	Fluctuation   float64
	Compromise    float64
	MinCompromise int64
}

// Ceiling returns the highest acceptable price for a target price:
//
//	target*(1+Fluctuation) + max(target*Compromise, MinCompromise)
//
// rounded down to whole minor units. Negative configuration values are
// treated as zero so the result is never below target.
func (t Tolerance) Ceiling(target int64) int64 {
	if target < 0 {
		target = 0
	}
	p := decimal.NewFromInt(target)

	fluct := nonNegative(decimal.NewFromFloat(t.Fluctuation))
	allowed := p.Mul(decimal.NewFromInt(1).Add(fluct))

	compromise := p.Mul(nonNegative(decimal.NewFromFloat(t.Compromise)))
	if floor := decimal.NewFromInt(max(t.MinCompromise, 0)); floor.GreaterThan(compromise) {
		compromise = floor
	}

	return allowed.Add(compromise).Floor().IntPart()
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

package fulfillment

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// GasPolicy derives the gas price of a submission attempt from the node's
// suggestion.
type GasPolicy struct {
	// Multiplier scales the suggested price on the first attempt.
	Multiplier decimal.Decimal

	// BumpPercent raises the price by this percentage per retry, compounding,
	// so a replacement clears the node's underpriced check.
	BumpPercent int64

	// MaxPrice caps the result; nil means no cap.
	MaxPrice *big.Int
}

// DefaultGasPolicy returns a 1.1x multiplier with 12% bumps and no cap.
func DefaultGasPolicy() GasPolicy {
	return GasPolicy{
		Multiplier:  decimal.RequireFromString("1.1"),
		BumpPercent: 12,
	}
}

// Price returns suggested * Multiplier * (1 + BumpPercent/100)^attempt,
// rounded up to a whole wei and capped at MaxPrice.
func (p GasPolicy) Price(suggested *big.Int, attempt int) *big.Int {
	if suggested == nil || suggested.Sign() <= 0 {
		suggested = big.NewInt(1)
	}
	if attempt < 0 {
		attempt = 0
	}

	mult := p.Multiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}

	price := decimal.NewFromBigInt(suggested, 0).Mul(mult)
	if p.BumpPercent > 0 && attempt > 0 {
		bump := decimal.NewFromInt(100 + p.BumpPercent).Div(decimal.NewFromInt(100))
		for i := 0; i < attempt; i++ {
			price = price.Mul(bump)
		}
	}

	out := price.Ceil().BigInt()
	if p.MaxPrice != nil && p.MaxPrice.Sign() > 0 && out.Cmp(p.MaxPrice) > 0 {
		return new(big.Int).Set(p.MaxPrice)
	}
	return out
}

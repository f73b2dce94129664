package router

import (
	match "github.com/0x5487/hybrid-engine"
	"github.com/shopspring/decimal"
)

// estimate walks levels best first and returns how much of size they can fill and at what average price.
func estimate(levels []*match.DepthItem, size decimal.Decimal) (fillable, price decimal.Decimal) {
	remaining := size
	quote := decimal.Zero
	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, level.Amount)
		quote = quote.Add(take.Mul(level.Price))
		remaining = remaining.Sub(take)
	}

	fillable = size.Sub(remaining)
	if fillable.IsZero() {
		return fillable, decimal.Zero
	}
	return fillable, quote.Div(fillable)
}

// consume returns levels with amount taken from the front.
func consume(levels []*match.DepthItem, amount decimal.Decimal) []*match.DepthItem {
	out := make([]*match.DepthItem, 0, len(levels))
	for _, level := range levels {
		if !amount.IsPositive() {
			out = append(out, level)
			continue
		}
		take := decimal.Min(amount, level.Amount)
		amount = amount.Sub(take)
		if left := level.Amount.Sub(take); left.IsPositive() {
			out = append(out, &match.DepthItem{Price: level.Price, Amount: left, Count: level.Count})
		}
	}
	return out
}

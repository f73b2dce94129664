// Package amm provides automated market maker venues the hybrid router can trade against:
// an in-process constant-product pool and an adapter for Uniswap V2 style routers on EVM chains.
package amm

import (
	"context"
	"errors"
	"time"

	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownPair           = errors.New("amm: unknown pair")
	ErrInvalidAmount         = errors.New("amm: amount must be positive")
	ErrInvalidSide           = errors.New("amm: unknown side")
	ErrInsufficientLiquidity = errors.New("amm: not enough liquidity in pool")
	ErrSlippageExceeded      = errors.New("amm: price moved beyond the limit")
	ErrNoSigner              = errors.New("amm: no signing key configured")
	ErrSwapReverted          = errors.New("amm: swap transaction reverted")
)

// Venue is an AMM the router can quote and swap against.
//
// Side is taken from the trader's point of view on the base asset: Buy spends quote to receive
// exactly amount base, Sell spends exactly amount base to receive quote.
type Venue interface {
	GetQuote(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal) (*Quote, error)
	// ExecuteSwap swaps amount base. For Sell, limit is the minimum quote received;
	// for Buy it is the maximum quote spent. A zero limit disables the check.
	ExecuteSwap(ctx context.Context, pair string, side protocol.Side, amount, limit decimal.Decimal) (*SwapReceipt, error)
}

// Quote is the expected outcome of swapping Amount base.
type Quote struct {
	Pair   string          `json:"pair"`
	Side   protocol.Side   `json:"side"`
	Amount decimal.Decimal `json:"amount"` // Base amount

	// ExpectedOut is the quote received for Sell, ExpectedIn the quote spent for Buy.
	ExpectedOut decimal.Decimal `json:"expected_out"`
	ExpectedIn  decimal.Decimal `json:"expected_in"`

	PriceImpact decimal.Decimal `json:"price_impact"` // Relative distance of the execution price from spot
	GasEstimate decimal.Decimal `json:"gas_estimate"` // Native token spent on gas
}

// QuoteAmount returns the quote side of the swap regardless of direction.
func (q *Quote) QuoteAmount() decimal.Decimal {
	if q.Side == protocol.SideBuy {
		return q.ExpectedIn
	}
	return q.ExpectedOut
}

// Price returns the execution price in quote per base, gas excluded.
func (q *Quote) Price() decimal.Decimal {
	if q.Amount.IsZero() {
		return decimal.Zero
	}
	return q.QuoteAmount().Div(q.Amount)
}

// SwapReceipt describes an executed swap.
type SwapReceipt struct {
	TxHash      string          `json:"tx_hash"`
	Pair        string          `json:"pair"`
	Side        protocol.Side   `json:"side"`
	Amount      decimal.Decimal `json:"amount"`       // Base amount swapped
	QuoteAmount decimal.Decimal `json:"quote_amount"` // Quote spent (Buy) or received (Sell)
	GasCost     decimal.Decimal `json:"gas_cost"`     // Native token spent on gas
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Price returns the realised price in quote per base.
func (r *SwapReceipt) Price() decimal.Decimal {
	if r.Amount.IsZero() {
		return decimal.Zero
	}
	return r.QuoteAmount.Div(r.Amount)
}

// withinLimit reports whether a quote amount respects the caller's slippage limit.
func withinLimit(side protocol.Side, quoteAmount, limit decimal.Decimal) bool {
	if limit.IsZero() {
		return true
	}
	if side == protocol.SideBuy {
		return quoteAmount.LessThanOrEqual(limit)
	}
	return quoteAmount.GreaterThanOrEqual(limit)
}

func validate(side protocol.Side, amount decimal.Decimal) error {
	if !side.IsValid() {
		return ErrInvalidSide
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

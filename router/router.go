// Package router splits a trade between the off-chain order book and an AMM,
// chunk by chunk, taking whichever venue gives the better effective price.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/amm"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", match.ErrValidation)
	ErrInvalidSide   = fmt.Errorf("%w: unknown side", match.ErrValidation)
	ErrInvalidPair   = fmt.Errorf("%w: pair is required", match.ErrValidation)
	ErrNoLiquidity   = errors.New("router: neither venue can fill the order")
)

// Engine is the order-book side of the router.
type Engine interface {
	ProcessOrder(ctx context.Context, order *match.Order) (*match.MatchResult, error)
	GetOrderbook(ctx context.Context, pair string, depth uint32) (*match.Depth, error)
}

// Fill is one execution on one venue.
type Fill struct {
	Chunk       int             `json:"chunk"`
	Venue       protocol.Venue  `json:"venue"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	GasCost     decimal.Decimal `json:"gas_cost,omitempty"`
	Reference   string          `json:"reference"` // Order id or transaction hash
}

// VenueFill aggregates the fills of one venue.
type VenueFill struct {
	Amount       decimal.Decimal `json:"amount"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Fills        int             `json:"fills"`
}

// RoutingResult is the blended outcome of one Route call.
type RoutingResult struct {
	ID             string                        `json:"id"`
	Pair           string                        `json:"pair"`
	Side           protocol.Side                 `json:"side"`
	Requested      decimal.Decimal               `json:"requested"`
	Filled         decimal.Decimal               `json:"filled"`
	Unfilled       decimal.Decimal               `json:"unfilled"`
	QuoteAmount    decimal.Decimal               `json:"quote_amount"`
	AveragePrice   decimal.Decimal               `json:"average_price"` // Volume weighted across all fills
	Chunks         int                           `json:"chunks"`
	Fills          []Fill                        `json:"fills"`
	VenueBreakdown map[protocol.Venue]*VenueFill `json:"venue_breakdown"`
}

func (r *RoutingResult) add(f Fill) {
	if !f.Amount.IsPositive() {
		return
	}
	r.Fills = append(r.Fills, f)
	r.Filled = r.Filled.Add(f.Amount)
	r.QuoteAmount = r.QuoteAmount.Add(f.QuoteAmount)

	vf, ok := r.VenueBreakdown[f.Venue]
	if !ok {
		vf = &VenueFill{}
		r.VenueBreakdown[f.Venue] = vf
	}
	vf.Amount = vf.Amount.Add(f.Amount)
	vf.QuoteAmount = vf.QuoteAmount.Add(f.QuoteAmount)
	vf.AveragePrice = vf.QuoteAmount.Div(vf.Amount)
	vf.Fills++
}

func (r *RoutingResult) finish() {
	r.Unfilled = r.Requested.Sub(r.Filled)
	if r.Filled.IsPositive() {
		r.AveragePrice = r.QuoteAmount.Div(r.Filled)
	}
}

// ChunkPlan is the routing decision for one chunk.
type ChunkPlan struct {
	Index          int             `json:"index"`
	Amount         decimal.Decimal `json:"amount"`
	Venue          protocol.Venue  `json:"venue"` // Empty when neither venue can fill
	BookPrice      decimal.Decimal `json:"book_price"`
	BookFillable   decimal.Decimal `json:"book_fillable"`
	AMMPrice       decimal.Decimal `json:"amm_price"` // Gas included
	AMMPriceImpact decimal.Decimal `json:"amm_price_impact"`
	AMMAvailable   bool            `json:"amm_available"`

	quote *amm.Quote
}

// HybridRouter routes trades across the order book and an AMM.
type HybridRouter struct {
	engine   Engine
	venue    amm.Venue
	config   Config
	logger   *slog.Logger
	observer Observer
}

// New creates a router. venue may be nil, in which case every chunk goes to the book.
func New(engine Engine, venue amm.Venue, opts ...Option) *HybridRouter {
	r := defaultRouter()
	r.engine = engine
	r.venue = venue
	for _, opt := range opts {
		opt(r)
	}
	if r.config.MaxChunks < 1 {
		r.config.MaxChunks = 1
	}
	if r.config.DepthLevels == 0 {
		r.config.DepthLevels = DefaultConfig().DepthLevels
	}
	return r
}

// Route executes amount base on the better venue chunk by chunk and returns the blended result.
// A partially filled route returns its result without error; ErrNoLiquidity is returned
// together with the result when nothing could be filled.
func (r *HybridRouter) Route(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal, opts ...RouteOption) (*RoutingResult, error) {
	if err := validate(pair, side, amount); err != nil {
		return nil, err
	}
	ro := routeOptions{userID: "router"}
	for _, opt := range opts {
		opt(&ro)
	}
	slippage := r.config.MaxSlippage
	if ro.maxSlippage != nil {
		slippage = *ro.maxSlippage
	}

	start := time.Now()
	result := &RoutingResult{
		ID:             uuid.NewString(),
		Pair:           pair,
		Side:           side,
		Requested:      amount,
		VenueBreakdown: make(map[protocol.Venue]*VenueFill),
	}

	chunks := r.chunkSizes(ctx, pair, side, amount)
	result.Chunks = len(chunks)

	for i, size := range chunks {
		if err := ctx.Err(); err != nil {
			result.finish()
			return result, err
		}

		levels, err := r.bookLevels(ctx, pair, side)
		if err != nil {
			r.logger.Warn("router could not read book depth", "pair", pair, "error", err)
		}
		plan := r.decide(ctx, i, pair, side, size, levels)

		switch plan.Venue {
		case protocol.VenueOrderBook:
			filled := r.executeBook(ctx, result, i, ro.userID, size)
			if rest := size.Sub(filled); rest.IsPositive() && plan.AMMAvailable {
				r.executeAMM(ctx, result, i, rest, nil, slippage)
			}
		case protocol.VenueAMM:
			if filled := r.executeAMM(ctx, result, i, size, plan.quote, slippage); filled.LessThan(size) && plan.BookFillable.IsPositive() {
				r.executeBook(ctx, result, i, ro.userID, size.Sub(filled))
			}
		default:
			r.logger.Warn("no venue for chunk", "pair", pair, "chunk", i, "amount", size.String())
		}
	}

	result.finish()
	elapsed := time.Since(start)
	r.observer.RouteCompleted(pair, result.Chunks, elapsed)
	r.logger.Info("route completed",
		"route_id", result.ID,
		"pair", pair,
		"side", side.String(),
		"requested", amount.String(),
		"filled", result.Filled.String(),
		"avg_price", result.AveragePrice.String(),
		"chunks", result.Chunks,
		"elapsed", elapsed.String(),
	)

	if result.Filled.IsZero() {
		return result, ErrNoLiquidity
	}
	return result, nil
}

// Plan returns the chunk decisions Route would make now, without executing anything.
// Book depth is consumed locally as chunks are assigned to it; AMM quotes are taken per chunk
// against the current pool state.
func (r *HybridRouter) Plan(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal) ([]ChunkPlan, error) {
	if err := validate(pair, side, amount); err != nil {
		return nil, err
	}

	levels, err := r.bookLevels(ctx, pair, side)
	if err != nil {
		return nil, err
	}

	chunks := r.chunkSizes(ctx, pair, side, amount)
	plans := make([]ChunkPlan, 0, len(chunks))
	for i, size := range chunks {
		plan := r.decide(ctx, i, pair, side, size, levels)
		if plan.Venue == protocol.VenueOrderBook {
			levels = consume(levels, plan.BookFillable)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// chunkSizes halves the chunk size until the AMM price impact of one chunk is within bounds.
func (r *HybridRouter) chunkSizes(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal) []decimal.Decimal {
	n := 1
	if r.venue != nil && r.config.MaxPriceImpact.IsPositive() {
		size := amount
		for n*2 <= r.config.MaxChunks {
			quote, err := r.quote(ctx, pair, side, size)
			if err != nil && !errors.Is(err, amm.ErrInsufficientLiquidity) {
				break
			}
			if err == nil && quote.PriceImpact.LessThanOrEqual(r.config.MaxPriceImpact) {
				break
			}
			half := size.Div(decimal.NewFromInt(2))
			if r.config.MinChunk.IsPositive() && half.LessThan(r.config.MinChunk) {
				break
			}
			size = half
			n *= 2
		}
	}

	sizes := make([]decimal.Decimal, n)
	each := amount.Div(decimal.NewFromInt(int64(n)))
	rest := amount
	for i := 0; i < n-1; i++ {
		sizes[i] = each
		rest = rest.Sub(each)
	}
	sizes[n-1] = rest
	return sizes
}

// decide compares the book and the AMM for one chunk. Equal prices within TieTolerance go to the book.
func (r *HybridRouter) decide(ctx context.Context, index int, pair string, side protocol.Side, size decimal.Decimal, levels []*match.DepthItem) ChunkPlan {
	plan := ChunkPlan{Index: index, Amount: size}
	plan.BookFillable, plan.BookPrice = estimate(levels, size)

	if r.venue != nil {
		quote, err := r.quote(ctx, pair, side, size)
		if err == nil {
			plan.AMMAvailable = true
			plan.AMMPrice = r.effectivePrice(quote)
			plan.AMMPriceImpact = quote.PriceImpact
			plan.quote = quote
		} else if !errors.Is(err, amm.ErrUnknownPair) {
			r.logger.Warn("amm quote failed", "pair", pair, "amount", size.String(), "error", err)
		}
	}

	bookOK := plan.BookFillable.IsPositive()
	switch {
	case bookOK && !plan.AMMAvailable:
		plan.Venue = protocol.VenueOrderBook
	case !bookOK && plan.AMMAvailable:
		plan.Venue = protocol.VenueAMM
	case bookOK && plan.AMMAvailable:
		plan.Venue = r.better(side, plan.BookPrice, plan.AMMPrice)
	}
	return plan
}

func (r *HybridRouter) better(side protocol.Side, bookPrice, ammPrice decimal.Decimal) protocol.Venue {
	scale := decimal.Max(bookPrice.Abs(), ammPrice.Abs())
	if bookPrice.Sub(ammPrice).Abs().LessThanOrEqual(scale.Mul(r.config.TieTolerance)) {
		return protocol.VenueOrderBook
	}
	if side == protocol.SideBuy {
		if ammPrice.LessThan(bookPrice) {
			return protocol.VenueAMM
		}
		return protocol.VenueOrderBook
	}
	if ammPrice.GreaterThan(bookPrice) {
		return protocol.VenueAMM
	}
	return protocol.VenueOrderBook
}

// effectivePrice folds the gas cost into the AMM price.
func (r *HybridRouter) effectivePrice(q *amm.Quote) decimal.Decimal {
	gas := q.GasEstimate.Mul(r.config.GasPriceQuote)
	if q.Side == protocol.SideBuy {
		return q.QuoteAmount().Add(gas).Div(q.Amount)
	}
	return q.QuoteAmount().Sub(gas).Div(q.Amount)
}

func (r *HybridRouter) executeBook(ctx context.Context, result *RoutingResult, chunk int, userID string, size decimal.Decimal) decimal.Decimal {
	id := fmt.Sprintf("%s-%d-%d", result.ID, chunk, len(result.Fills))
	order := match.NewMarketOrder(id, userID, result.Pair, result.Side, size)

	res, err := r.engine.ProcessOrder(ctx, order)
	if err != nil {
		r.logger.Warn("order book leg failed", "route_id", result.ID, "chunk", chunk, "error", err)
		return decimal.Zero
	}

	filled := decimal.Zero
	quoteAmount := decimal.Zero
	for _, t := range res.Trades {
		filled = filled.Add(t.Amount)
		quoteAmount = quoteAmount.Add(t.Amount.Mul(t.Price))
	}
	if filled.IsZero() {
		return filled
	}

	result.add(Fill{
		Chunk:       chunk,
		Venue:       protocol.VenueOrderBook,
		Amount:      filled,
		Price:       quoteAmount.Div(filled),
		QuoteAmount: quoteAmount,
		Reference:   id,
	})
	r.observer.RouteFilled(result.Pair, protocol.VenueOrderBook, filled)
	return filled
}

func (r *HybridRouter) executeAMM(ctx context.Context, result *RoutingResult, chunk int, size decimal.Decimal, quote *amm.Quote, slippage decimal.Decimal) decimal.Decimal {
	if r.venue == nil {
		return decimal.Zero
	}
	if quote == nil || !quote.Amount.Equal(size) {
		q, err := r.quote(ctx, result.Pair, result.Side, size)
		if err != nil {
			r.logger.Warn("amm quote failed", "route_id", result.ID, "chunk", chunk, "error", err)
			return decimal.Zero
		}
		quote = q
	}

	limit := quote.QuoteAmount().Mul(decimal.NewFromInt(1).Sub(slippage))
	if result.Side == protocol.SideBuy {
		limit = quote.QuoteAmount().Mul(decimal.NewFromInt(1).Add(slippage))
	}

	receipt, err := r.venue.ExecuteSwap(ctx, result.Pair, result.Side, size, limit)
	if err != nil {
		r.logger.Warn("amm leg failed", "route_id", result.ID, "chunk", chunk, "error", err)
		return decimal.Zero
	}

	result.add(Fill{
		Chunk:       chunk,
		Venue:       protocol.VenueAMM,
		Amount:      receipt.Amount,
		Price:       receipt.Price(),
		QuoteAmount: receipt.QuoteAmount,
		GasCost:     receipt.GasCost,
		Reference:   receipt.TxHash,
	})
	r.observer.RouteFilled(result.Pair, protocol.VenueAMM, receipt.Amount)
	return receipt.Amount
}

func (r *HybridRouter) quote(ctx context.Context, pair string, side protocol.Side, size decimal.Decimal) (*amm.Quote, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.venue.GetQuote(ctx, pair, side, size)
}

// bookLevels returns the resting levels a taker on side would consume, best first.
// A pair the engine has never seen has an empty book.
func (r *HybridRouter) bookLevels(ctx context.Context, pair string, side protocol.Side) ([]*match.DepthItem, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	depth, err := r.engine.GetOrderbook(ctx, pair, r.config.DepthLevels)
	if errors.Is(err, match.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if side == protocol.SideBuy {
		return depth.Asks, nil
	}
	return depth.Bids, nil
}

func (r *HybridRouter) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.QuoteTimeout > 0 {
		return context.WithTimeout(ctx, r.config.QuoteTimeout)
	}
	return context.WithCancel(ctx)
}

func validate(pair string, side protocol.Side, amount decimal.Decimal) error {
	if pair == "" {
		return ErrInvalidPair
	}
	if !side.IsValid() {
		return ErrInvalidSide
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

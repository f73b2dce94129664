package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/amm"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pair = "ETH-USDT"

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// fixedVenue quotes a constant price; impact grows linearly with size when impactPerUnit is set.
type fixedVenue struct {
	price         decimal.Decimal
	gas           decimal.Decimal
	impactPerUnit decimal.Decimal
	swapErr       error

	mu    sync.Mutex
	swaps []decimal.Decimal
}

func (v *fixedVenue) GetQuote(_ context.Context, p string, side protocol.Side, amount decimal.Decimal) (*amm.Quote, error) {
	q := &amm.Quote{
		Pair:        p,
		Side:        side,
		Amount:      amount,
		PriceImpact: amount.Mul(v.impactPerUnit),
		GasEstimate: v.gas,
	}
	if side == protocol.SideBuy {
		q.ExpectedIn = amount.Mul(v.price)
	} else {
		q.ExpectedOut = amount.Mul(v.price)
	}
	return q, nil
}

func (v *fixedVenue) ExecuteSwap(_ context.Context, p string, side protocol.Side, amount, _ decimal.Decimal) (*amm.SwapReceipt, error) {
	if v.swapErr != nil {
		return nil, v.swapErr
	}
	v.mu.Lock()
	v.swaps = append(v.swaps, amount)
	v.mu.Unlock()
	return &amm.SwapReceipt{
		TxHash:      "0x" + xid.New().String(),
		Pair:        p,
		Side:        side,
		Amount:      amount,
		QuoteAmount: amount.Mul(v.price),
		GasCost:     v.gas,
		ExecutedAt:  time.Now(),
	}, nil
}

func newEngine(t *testing.T) *match.MatchingEngine {
	t.Helper()
	engine := match.NewMatchingEngine(
		match.WithShards(2),
		match.WithBatchWindow(time.Millisecond),
		match.WithPublishLog(match.NewDiscardPublishLog()),
	)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func rest(t *testing.T, engine *match.MatchingEngine, side protocol.Side, price, amount string) {
	t.Helper()
	o := match.NewLimitOrder(xid.New().String(), "maker", pair, side, d(price), d(amount))
	_, err := engine.ProcessOrder(context.Background(), o)
	require.NoError(t, err)
}

func TestRouteTieGoesToOrderBook(t *testing.T) {
	ctx := context.Background()

	t.Run("buy", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "10")
		venue := &fixedVenue{price: d("5")}
		r := New(engine, venue)

		plans, err := r.Plan(ctx, pair, protocol.SideBuy, d("2"))
		require.NoError(t, err)
		require.Len(t, plans, 1)
		assert.Equal(t, protocol.VenueOrderBook, plans[0].Venue)
		assert.True(t, plans[0].BookPrice.Equal(plans[0].AMMPrice))

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("2"))
		require.NoError(t, err)
		assert.Equal(t, "2", result.Filled.String())
		assert.Equal(t, "5", result.AveragePrice.String())
		require.Contains(t, result.VenueBreakdown, protocol.VenueOrderBook)
		assert.NotContains(t, result.VenueBreakdown, protocol.VenueAMM)
		assert.Empty(t, venue.swaps)
		assert.NotEmpty(t, result.ID)
	})

	t.Run("sell", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideBuy, "5", "10")
		r := New(engine, &fixedVenue{price: d("5")})

		result, err := r.Route(ctx, pair, protocol.SideSell, d("3"))
		require.NoError(t, err)
		require.Len(t, result.Fills, 1)
		assert.Equal(t, protocol.VenueOrderBook, result.Fills[0].Venue)
	})
}

func TestRoutePicksBetterVenue(t *testing.T) {
	ctx := context.Background()

	t.Run("cheaper amm", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "10")
		venue := &fixedVenue{price: d("4.9")}
		r := New(engine, venue)

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("2"))
		require.NoError(t, err)
		require.Len(t, result.Fills, 1)
		assert.Equal(t, protocol.VenueAMM, result.Fills[0].Venue)
		assert.Equal(t, "9.8", result.QuoteAmount.String())

		depth, err := engine.GetOrderbook(ctx, pair, 1)
		require.NoError(t, err)
		assert.Equal(t, "10", depth.Asks[0].Amount.String())
	})

	t.Run("gas makes the amm worse", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "10")
		cfg := DefaultConfig()
		cfg.GasPriceQuote = d("1")
		r := New(engine, &fixedVenue{price: d("4.99"), gas: d("1")}, WithConfig(cfg))

		plans, err := r.Plan(ctx, pair, protocol.SideBuy, d("2"))
		require.NoError(t, err)
		assert.Equal(t, "5.49", plans[0].AMMPrice.String())
		assert.Equal(t, protocol.VenueOrderBook, plans[0].Venue)
	})

	t.Run("sell prefers the higher price", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideBuy, "5", "10")
		r := New(engine, &fixedVenue{price: d("5.5")})

		result, err := r.Route(ctx, pair, protocol.SideSell, d("1"))
		require.NoError(t, err)
		assert.Contains(t, result.VenueBreakdown, protocol.VenueAMM)
		assert.Equal(t, "5.5", result.AveragePrice.String())
	})
}

func TestRouteFallsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("book underfill goes to amm", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "1")
		venue := &fixedVenue{price: d("6")}
		r := New(engine, venue)

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("3"))
		require.NoError(t, err)
		assert.Equal(t, "3", result.Filled.String())
		assert.True(t, result.Unfilled.IsZero())
		require.Len(t, result.Fills, 2)
		assert.Equal(t, protocol.VenueOrderBook, result.Fills[0].Venue)
		assert.Equal(t, "1", result.Fills[0].Amount.String())
		assert.Equal(t, protocol.VenueAMM, result.Fills[1].Venue)
		assert.Equal(t, "2", result.Fills[1].Amount.String())

		assert.True(t, result.AveragePrice.Equal(d("17").Div(d("3"))))
		assert.Equal(t, "12", result.VenueBreakdown[protocol.VenueAMM].QuoteAmount.String())
	})

	t.Run("failed swap goes to book", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "10")
		r := New(engine, &fixedVenue{price: d("4"), swapErr: amm.ErrSlippageExceeded})

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("2"))
		require.NoError(t, err)
		require.Len(t, result.Fills, 1)
		assert.Equal(t, protocol.VenueOrderBook, result.Fills[0].Venue)
	})

	t.Run("no venue", func(t *testing.T) {
		engine := newEngine(t)
		r := New(engine, nil)

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("2"))
		assert.ErrorIs(t, err, ErrNoLiquidity)
		require.NotNil(t, result)
		assert.Equal(t, "2", result.Unfilled.String())
	})
}

func TestRouteChunking(t *testing.T) {
	ctx := context.Background()

	t.Run("constant product pool", func(t *testing.T) {
		engine := newEngine(t)
		sim := amm.NewSimulator(amm.NewPool(pair, d("100"), d("500"), decimal.Zero))
		cfg := DefaultConfig()
		cfg.MaxPriceImpact = d("0.05")
		r := New(engine, sim, WithConfig(cfg))

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("8"))
		require.NoError(t, err)
		assert.Equal(t, 2, result.Chunks)
		require.Len(t, result.Fills, 2)
		assert.Equal(t, "4", result.Fills[0].Amount.String())
		assert.Equal(t, "8", result.Filled.String())
		assert.True(t, result.Fills[1].Price.GreaterThan(result.Fills[0].Price))

		pool, _ := sim.Pool(pair)
		base, _ := pool.Reserves()
		assert.Equal(t, "92", base.String())
	})

	t.Run("plan splits across venues", func(t *testing.T) {
		engine := newEngine(t)
		rest(t, engine, protocol.SideSell, "5", "2")
		rest(t, engine, protocol.SideSell, "7", "10")
		cfg := DefaultConfig()
		cfg.MaxPriceImpact = d("0.02")
		r := New(engine, &fixedVenue{price: d("6"), impactPerUnit: d("0.01")}, WithConfig(cfg))

		plans, err := r.Plan(ctx, pair, protocol.SideBuy, d("4"))
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, protocol.VenueOrderBook, plans[0].Venue)
		assert.Equal(t, "5", plans[0].BookPrice.String())
		assert.Equal(t, protocol.VenueAMM, plans[1].Venue)
		assert.Equal(t, "7", plans[1].BookPrice.String())

		result, err := r.Route(ctx, pair, protocol.SideBuy, d("4"))
		require.NoError(t, err)
		assert.Equal(t, "2", result.VenueBreakdown[protocol.VenueOrderBook].Amount.String())
		assert.Equal(t, "2", result.VenueBreakdown[protocol.VenueAMM].Amount.String())
		assert.Equal(t, "22", result.QuoteAmount.String())
		assert.Equal(t, "5.5", result.AveragePrice.String())
	})

	t.Run("min chunk stops halving", func(t *testing.T) {
		engine := newEngine(t)
		cfg := DefaultConfig()
		cfg.MaxPriceImpact = d("0.0001")
		cfg.MinChunk = d("1")
		r := New(engine, &fixedVenue{price: d("6"), impactPerUnit: d("0.01")}, WithConfig(cfg))

		plans, err := r.Plan(ctx, pair, protocol.SideBuy, d("3"))
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, "1.5", plans[0].Amount.String())
	})
}

func TestRouteValidation(t *testing.T) {
	r := New(newEngine(t), nil)
	ctx := context.Background()

	_, err := r.Route(ctx, "", protocol.SideBuy, d("1"))
	assert.ErrorIs(t, err, ErrInvalidPair)
	_, err = r.Route(ctx, pair, protocol.Side(0), d("1"))
	assert.ErrorIs(t, err, ErrInvalidSide)
	_, err = r.Route(ctx, pair, protocol.SideBuy, d("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.True(t, errors.Is(err, match.ErrValidation))
}

func TestEstimate(t *testing.T) {
	levels := []*match.DepthItem{
		{Price: d("10"), Amount: d("1")},
		{Price: d("11"), Amount: d("2")},
	}

	fillable, price := estimate(levels, d("2"))
	assert.Equal(t, "2", fillable.String())
	assert.Equal(t, "10.5", price.String())

	fillable, _ = estimate(levels, d("5"))
	assert.Equal(t, "3", fillable.String())

	fillable, price = estimate(nil, d("1"))
	assert.True(t, fillable.IsZero())
	assert.True(t, price.IsZero())

	left := consume(levels, d("1.5"))
	require.Len(t, left, 1)
	assert.Equal(t, "1.5", left[0].Amount.String())
	assert.Equal(t, "1", levels[0].Amount.String())
}

package amm

import (
	"context"
	"sync"
	"time"

	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Pool is a constant-product (x*y=k) pool of one pair.
type Pool struct {
	mu      sync.Mutex
	pair    string
	base    decimal.Decimal
	quote   decimal.Decimal
	fee     decimal.Decimal // e.g. 0.003
	gasCost decimal.Decimal // native token charged per swap
}

// NewPool creates a pool holding the given reserves.
func NewPool(pair string, baseReserve, quoteReserve, fee decimal.Decimal) *Pool {
	return &Pool{
		pair:  pair,
		base:  baseReserve,
		quote: quoteReserve,
		fee:   fee,
	}
}

// WithGasCost sets the gas charged per swap and returns the pool.
func (p *Pool) WithGasCost(cost decimal.Decimal) *Pool {
	p.gasCost = cost
	return p
}

// Pair returns the pool's pair.
func (p *Pool) Pair() string {
	return p.pair
}

// Reserves returns the current base and quote reserves.
func (p *Pool) Reserves() (base, quote decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base, p.quote
}

// SpotPrice returns quote per base at the margin, before fees.
func (p *Pool) SpotPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quote.Div(p.base)
}

func (p *Pool) quoteLocked(side protocol.Side, amount decimal.Decimal) (*Quote, error) {
	q := &Quote{Pair: p.pair, Side: side, Amount: amount, GasEstimate: p.gasCost}
	afterFee := one.Sub(p.fee)

	switch side {
	case protocol.SideSell:
		in := amount.Mul(afterFee)
		q.ExpectedOut = p.quote.Mul(in).Div(p.base.Add(in))
	case protocol.SideBuy:
		if amount.GreaterThanOrEqual(p.base) {
			return nil, ErrInsufficientLiquidity
		}
		q.ExpectedIn = p.quote.Mul(amount).Div(p.base.Sub(amount).Mul(afterFee))
	}

	spot := p.quote.Div(p.base)
	q.PriceImpact = q.Price().Sub(spot).Abs().Div(spot)
	return q, nil
}

// Simulator is an in-process Venue backed by constant-product pools.
type Simulator struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	now   func() time.Time
}

// NewSimulator creates a simulator serving the given pools.
func NewSimulator(pools ...*Pool) *Simulator {
	s := &Simulator{
		pools: make(map[string]*Pool, len(pools)),
		now:   time.Now,
	}
	for _, p := range pools {
		s.pools[p.pair] = p
	}
	return s
}

// AddPool adds or replaces the pool of p's pair.
func (s *Simulator) AddPool(p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.pair] = p
}

// Pool returns the pool of pair.
func (s *Simulator) Pool(pair string) (*Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[pair]
	return p, ok
}

// GetQuote implements Venue.
func (s *Simulator) GetQuote(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal) (*Quote, error) {
	if err := validate(side, amount); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := s.Pool(pair)
	if !ok {
		return nil, ErrUnknownPair
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteLocked(side, amount)
}

// ExecuteSwap implements Venue. The pool's reserves move by the swapped amounts.
func (s *Simulator) ExecuteSwap(ctx context.Context, pair string, side protocol.Side, amount, limit decimal.Decimal) (*SwapReceipt, error) {
	if err := validate(side, amount); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := s.Pool(pair)
	if !ok {
		return nil, ErrUnknownPair
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.quoteLocked(side, amount)
	if err != nil {
		return nil, err
	}
	if !withinLimit(side, q.QuoteAmount(), limit) {
		return nil, ErrSlippageExceeded
	}

	if side == protocol.SideSell {
		p.base = p.base.Add(amount)
		p.quote = p.quote.Sub(q.ExpectedOut)
	} else {
		p.base = p.base.Sub(amount)
		p.quote = p.quote.Add(q.ExpectedIn)
	}

	return &SwapReceipt{
		TxHash:      "sim-" + xid.New().String(),
		Pair:        pair,
		Side:        side,
		Amount:      amount,
		QuoteAmount: q.QuoteAmount(),
		GasCost:     p.gasCost,
		ExecutedAt:  s.now(),
	}, nil
}

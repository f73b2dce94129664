package match

import (
	"time"

	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/shopspring/decimal"
)

type Side = protocol.Side

const (
	Buy  Side = protocol.SideBuy
	Sell Side = protocol.SideSell
)

type OrderType = protocol.OrderType

const (
	Market OrderType = protocol.OrderTypeMarket
	Limit  OrderType = protocol.OrderTypeLimit
)

type OrderStatus = protocol.OrderStatus

const (
	StatusPending   OrderStatus = protocol.OrderStatusPending
	StatusActive    OrderStatus = protocol.OrderStatusActive
	StatusPartial   OrderStatus = protocol.OrderStatusPartial
	StatusFilled    OrderStatus = protocol.OrderStatusFilled
	StatusCancelled OrderStatus = protocol.OrderStatusCancelled
	StatusExpired   OrderStatus = protocol.OrderStatusExpired
)

type LogType = protocol.LogType

const (
	LogTypeOpen   LogType = protocol.LogTypeOpen
	LogTypeMatch  LogType = protocol.LogTypeMatch
	LogTypeCancel LogType = protocol.LogTypeCancel
	LogTypeExpire LogType = protocol.LogTypeExpire
	LogTypeReject LogType = protocol.LogTypeReject
)

type RejectReason = protocol.RejectReason

const (
	RejectReasonNone        RejectReason = protocol.RejectReasonNone
	RejectReasonNoLiquidity RejectReason = protocol.RejectReasonNoLiquidity
	RejectReasonSelfTrade   RejectReason = protocol.RejectReasonSelfTrade
	RejectReasonDuplicateID RejectReason = protocol.RejectReasonDuplicateID
	RejectReasonExpired     RejectReason = protocol.RejectReasonExpired
)

// Order represents the state of an order.
// Filled + Remaining == Amount holds at all times.
type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Pair        string          `json:"pair"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `json:"price"` // Limit price, ignored for market orders
	Amount      decimal.Decimal `json:"amount"`
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      OrderStatus     `json:"status"`
	Seq         uint64          `json:"seq"`          // Arrival sequence assigned by the owning book
	SubmittedAt time.Time       `json:"submitted_at"` // Wall clock at intake
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`

	// Intrusive linked list pointers (ignored by JSON)
	next *Order
	prev *Order
}

// NewLimitOrder builds a pending limit order.
func NewLimitOrder(id, userID, pair string, side Side, price, amount decimal.Decimal) *Order {
	return &Order{
		ID:        id,
		UserID:    userID,
		Pair:      pair,
		Side:      side,
		Type:      Limit,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    StatusPending,
	}
}

// NewMarketOrder builds a pending market order.
func NewMarketOrder(id, userID, pair string, side Side, amount decimal.Decimal) *Order {
	return &Order{
		ID:        id,
		UserID:    userID,
		Pair:      pair,
		Side:      side,
		Type:      Market,
		Amount:    amount,
		Remaining: amount,
		Status:    StatusPending,
	}
}

// Clone returns a detached copy, safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	cpy := *o
	cpy.next = nil
	cpy.prev = nil
	return &cpy
}

// IsExpired reports whether the order has an expiry at or before now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

// fill moves size from Remaining to Filled.
func (o *Order) fill(size decimal.Decimal) {
	o.Filled = o.Filled.Add(size)
	o.Remaining = o.Remaining.Sub(size)
	if o.Remaining.IsZero() {
		o.setStatus(StatusFilled)
		return
	}
	o.setStatus(StatusPartial)
}

// setStatus applies a monotonic status transition; regressions are ignored.
func (o *Order) setStatus(next OrderStatus) {
	if o.Status.CanTransition(next) {
		o.Status = next
	}
}

// Trade is created exactly once per crossing event and never mutated.
type Trade struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyUserID    string          `json:"buy_user_id"`
	SellUserID   string          `json:"sell_user_id"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	Price        decimal.Decimal `json:"price"` // Always the maker's price
	Amount       decimal.Decimal `json:"amount"`
	TakerSide    Side            `json:"taker_side"`
	Timestamp    time.Time       `json:"timestamp"`
}

// MatchResult is the outcome of a single submission or cancellation.
// UpdatedOrders holds detached copies: the taker first, followed by every maker it touched.
type MatchResult struct {
	OrderID       string       `json:"order_id"`
	Pair          string       `json:"pair"`
	ShardID       int          `json:"shard_id"`
	Trades        []*Trade     `json:"trades"`
	UpdatedOrders []*Order     `json:"updated_orders"`
	RejectReason  RejectReason `json:"reject_reason,omitempty"`
	Err           error        `json:"-"`
}

// Taker returns the state of the submitted order after matching.
func (r *MatchResult) Taker() *Order {
	if r == nil || len(r.UpdatedOrders) == 0 {
		return nil
	}
	return r.UpdatedOrders[0]
}

// FilledAmount sums the traded amount of the result.
func (r *MatchResult) FilledAmount() decimal.Decimal {
	total := decimal.Zero
	for _, t := range r.Trades {
		total = total.Add(t.Amount)
	}
	return total
}

// DepthItem is one aggregated price level.
type DepthItem struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

// Depth is a snapshot of the top levels of a book.
type Depth struct {
	Pair     string       `json:"pair"`
	UpdateID uint64       `json:"update_id"`
	Asks     []*DepthItem `json:"asks"`
	Bids     []*DepthItem `json:"bids"`
}

// MarketData summarises the state of a book.
type MarketData struct {
	Pair           string          `json:"pair"`
	BestBid        decimal.Decimal `json:"best_bid"`
	BestAsk        decimal.Decimal `json:"best_ask"`
	HasBid         bool            `json:"has_bid"`
	HasAsk         bool            `json:"has_ask"`
	Spread         decimal.Decimal `json:"spread"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	LastTradeAt    time.Time       `json:"last_trade_at"`
	Volume         decimal.Decimal `json:"volume"` // Cumulative traded base amount
	TradeCount     uint64          `json:"trade_count"`
}

// BookStats contains statistics about the order book queues
type BookStats struct {
	AskDepthCount int64
	AskOrderCount int64
	BidDepthCount int64
	BidOrderCount int64
}

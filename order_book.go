package match

import (
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

// SelfTradePrevention decides what happens when a taker meets a resting order of the same user.
type SelfTradePrevention uint8

const (
	// STPCancelTaker stops matching and cancels the taker's unfilled remainder.
	STPCancelTaker SelfTradePrevention = iota
	// STPCancelMaker cancels the user's resting order and keeps matching.
	STPCancelMaker
)

// OrderBookOption configures an OrderBook.
type OrderBookOption func(*OrderBook)

// WithSelfTradePrevention sets the self-trade prevention mode.
func WithSelfTradePrevention(mode SelfTradePrevention) OrderBookOption {
	return func(book *OrderBook) {
		book.stp = mode
	}
}

// WithDedupeWindow sets how many processed order ids the book remembers for idempotent retries.
func WithDedupeWindow(n int) OrderBookOption {
	return func(book *OrderBook) {
		if n > 0 {
			book.dedupe = newResultCache(n)
			book.cancels = newResultCache(n)
		}
	}
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) OrderBookOption {
	return func(book *OrderBook) {
		book.now = now
	}
}

// OrderBook is a single pair's price-time-priority book.
// It is not safe for concurrent use: exactly one shard worker owns and mutates it.
type OrderBook struct {
	pair     string
	seqID    uint64 // BookLog sequence
	orderSeq uint64 // Arrival sequence of accepted orders
	bidQueue *queue
	askQueue *queue
	stp      SelfTradePrevention
	dedupe   *resultCache
	cancels  *resultCache // recently cancelled orders, for retried cancels
	now      func() time.Time
	logs     []*BookLog
	ops      uint64

	lastTradePrice decimal.Decimal
	lastTradeAt    time.Time
	volume         decimal.Decimal
	tradeCount     uint64
}

// NewOrderBook creates a new order book instance.
func NewOrderBook(pair string, opts ...OrderBookOption) *OrderBook {
	book := &OrderBook{
		pair:     pair,
		bidQueue: NewBuyerQueue(),
		askQueue: NewSellerQueue(),
		stp:      STPCancelTaker,
		dedupe:   newResultCache(DefaultDedupeWindow),
		cancels:  newResultCache(DefaultDedupeWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(book)
	}
	return book
}

// Pair returns the trading pair of the book.
func (book *OrderBook) Pair() string {
	return book.pair
}

// Submit matches an incoming order against the book and rests any limit remainder.
// The order is owned by the book afterwards; the result carries detached copies.
func (book *OrderBook) Submit(order *Order) *MatchResult {
	book.ops++

	if cached, ok := book.dedupe.get(order.ID); ok {
		return cached
	}

	now := book.now().UTC()
	result := &MatchResult{OrderID: order.ID, Pair: book.pair}

	if book.bidQueue.order(order.ID) != nil || book.askQueue.order(order.ID) != nil {
		result.RejectReason = RejectReasonDuplicateID
		book.emit(NewRejectLog(book.nextSeq(), book.pair, order, RejectReasonDuplicateID, now))
		result.UpdatedOrders = append(result.UpdatedOrders, order.Clone())
		return result
	}

	book.orderSeq++
	order.Seq = book.orderSeq
	if order.SubmittedAt.IsZero() {
		order.SubmittedAt = now
	}
	if order.Filled.IsZero() && order.Remaining.IsZero() {
		order.Remaining = order.Amount
	}

	if order.IsExpired(now) {
		order.setStatus(StatusExpired)
		result.RejectReason = RejectReasonExpired
		book.emit(NewRejectLog(book.nextSeq(), book.pair, order, RejectReasonExpired, now))
		result.UpdatedOrders = append(result.UpdatedOrders, order.Clone())
		book.dedupe.put(order.ID, result)
		return result
	}

	makers := book.match(order, result, now)

	if result.RejectReason == RejectReasonNone && order.Remaining.IsPositive() {
		switch order.Type {
		case Limit:
			if order.Filled.IsZero() {
				order.setStatus(StatusActive)
			}
			book.restingQueue(order.Side).insertOrder(order)
			book.emit(NewOpenLog(book.nextSeq(), book.pair, order, now))
		case Market:
			// Remainder of a market order is discarded: partial if anything filled.
			if order.Filled.IsZero() {
				order.setStatus(StatusCancelled)
			}
			result.RejectReason = RejectReasonNoLiquidity
			book.emit(NewRejectLog(book.nextSeq(), book.pair, order, RejectReasonNoLiquidity, now))
		}
	}

	result.UpdatedOrders = append(result.UpdatedOrders, order.Clone())
	result.UpdatedOrders = append(result.UpdatedOrders, makers...)
	book.dedupe.put(order.ID, result)
	return result
}

// match walks the opposite side while the taker crosses, filling FIFO within each level.
// It returns detached copies of every maker it touched.
func (book *OrderBook) match(order *Order, result *MatchResult, now time.Time) []*Order {
	target := book.restingQueue(order.Side.Opposite())
	var makers []*Order

	for order.Remaining.IsPositive() {
		maker := target.peekHeadOrder()
		if maker == nil {
			break
		}

		if maker.IsExpired(now) {
			target.removeOrder(maker.ID)
			maker.setStatus(StatusExpired)
			book.emit(NewExpireLog(book.nextSeq(), book.pair, maker, now))
			makers = append(makers, maker.Clone())
			continue
		}

		if order.Type == Limit && !crosses(order, maker.Price) {
			break
		}

		if maker.UserID == order.UserID && order.UserID != "" {
			if book.stp == STPCancelMaker {
				target.removeOrder(maker.ID)
				maker.setStatus(StatusCancelled)
				book.emit(NewCancelLog(book.nextSeq(), book.pair, maker, now))
				makers = append(makers, maker.Clone())
				continue
			}
			order.setStatus(StatusCancelled)
			result.RejectReason = RejectReasonSelfTrade
			book.emit(NewRejectLog(book.nextSeq(), book.pair, order, RejectReasonSelfTrade, now))
			break
		}

		size := decimal.Min(order.Remaining, maker.Remaining)
		if size.Equal(maker.Remaining) {
			target.removeOrder(maker.ID)
		} else {
			target.reduceOrder(maker, size)
		}
		order.fill(size)
		maker.fill(size)

		trade := book.newTrade(order, maker, size, now)
		result.Trades = append(result.Trades, trade)
		book.emit(NewMatchLog(book.nextSeq(), trade, order, maker))
		makers = append(makers, maker.Clone())
	}

	return makers
}

func (book *OrderBook) newTrade(taker, maker *Order, size decimal.Decimal, now time.Time) *Trade {
	trade := &Trade{
		ID:           xid.New().String(),
		Pair:         book.pair,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Price:        maker.Price,
		Amount:       size,
		TakerSide:    taker.Side,
		Timestamp:    now,
	}
	if taker.Side == Buy {
		trade.BuyOrderID, trade.BuyUserID = taker.ID, taker.UserID
		trade.SellOrderID, trade.SellUserID = maker.ID, maker.UserID
	} else {
		trade.BuyOrderID, trade.BuyUserID = maker.ID, maker.UserID
		trade.SellOrderID, trade.SellUserID = taker.ID, taker.UserID
	}

	book.lastTradePrice = trade.Price
	book.lastTradeAt = now
	book.volume = book.volume.Add(size)
	book.tradeCount++
	return trade
}

// crosses reports whether a limit taker accepts the maker price.
func crosses(taker *Order, makerPrice decimal.Decimal) bool {
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.LessThanOrEqual(makerPrice)
}

// Cancel removes a resting order. Unknown ids return ErrOrderNotFound.
func (book *OrderBook) Cancel(id string) (*Order, error) {
	book.ops++

	q := book.askQueue
	order := q.order(id)
	if order == nil {
		q = book.bidQueue
		order = q.order(id)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	q.removeOrder(id)
	order.setStatus(StatusCancelled)
	book.emit(NewCancelLog(book.nextSeq(), book.pair, order, book.now().UTC()))

	cancelled := order.Clone()
	book.cancels.put(id, &MatchResult{OrderID: id, Pair: book.pair, UpdatedOrders: []*Order{cancelled}})
	return cancelled.Clone(), nil
}

// Cancelled returns a copy of an order this book cancelled recently.
// It lets a re-dispatched cancel report the outcome of the attempt that already applied.
func (book *OrderBook) Cancelled(id string) (*Order, bool) {
	r, ok := book.cancels.get(id)
	if !ok {
		return nil, false
	}
	return r.UpdatedOrders[0].Clone(), true
}

// ExpireOrders removes every resting order whose expiry is at or before now.
func (book *OrderBook) ExpireOrders(now time.Time) []*Order {
	var expired []*Order
	for _, q := range []*queue{book.bidQueue, book.askQueue} {
		var ids []string
		q.each(func(o *Order) bool {
			if o.IsExpired(now) {
				ids = append(ids, o.ID)
			}
			return true
		})
		for _, id := range ids {
			order := q.removeOrder(id)
			order.setStatus(StatusExpired)
			book.emit(NewExpireLog(book.nextSeq(), book.pair, order, now.UTC()))
			expired = append(expired, order.Clone())
		}
	}
	return expired
}

// Order returns a copy of a resting order.
func (book *OrderBook) Order(id string) (*Order, bool) {
	if o := book.askQueue.order(id); o != nil {
		return o.Clone(), true
	}
	if o := book.bidQueue.order(id); o != nil {
		return o.Clone(), true
	}
	return nil, false
}

// BestBid returns the highest resting bid price.
func (book *OrderBook) BestBid() (decimal.Decimal, bool) {
	return book.bidQueue.bestPrice()
}

// BestAsk returns the lowest resting ask price.
func (book *OrderBook) BestAsk() (decimal.Decimal, bool) {
	return book.askQueue.bestPrice()
}

// Depth returns the top levels of both sides.
func (book *OrderBook) Depth(limit uint32) *Depth {
	return &Depth{
		Pair:     book.pair,
		UpdateID: book.seqID,
		Asks:     book.askQueue.depth(limit),
		Bids:     book.bidQueue.depth(limit),
	}
}

// MarketData returns top-of-book and trade statistics.
func (book *OrderBook) MarketData() *MarketData {
	md := &MarketData{
		Pair:           book.pair,
		LastTradePrice: book.lastTradePrice,
		LastTradeAt:    book.lastTradeAt,
		Volume:         book.volume,
		TradeCount:     book.tradeCount,
	}
	md.BestBid, md.HasBid = book.BestBid()
	md.BestAsk, md.HasAsk = book.BestAsk()
	if md.HasBid && md.HasAsk {
		md.Spread = md.BestAsk.Sub(md.BestBid)
	}
	return md
}

// Stats returns usage statistics for the order book.
func (book *OrderBook) Stats() *BookStats {
	return &BookStats{
		AskDepthCount: book.askQueue.depthCount(),
		AskOrderCount: book.askQueue.orderCount(),
		BidDepthCount: book.bidQueue.depthCount(),
		BidOrderCount: book.bidQueue.orderCount(),
	}
}

// DrainLogs returns the logs produced since the previous call.
func (book *OrderBook) DrainLogs() []*BookLog {
	logs := book.logs
	book.logs = nil
	return logs
}

func (book *OrderBook) restingQueue(side Side) *queue {
	if side == Buy {
		return book.bidQueue
	}
	return book.askQueue
}

func (book *OrderBook) nextSeq() uint64 {
	book.seqID++
	return book.seqID
}

func (book *OrderBook) emit(log *BookLog) {
	book.logs = append(book.logs, log)
}

// resultCache remembers the results of the last n processed order ids.
type resultCache struct {
	results map[string]*MatchResult
	ring    []string
	next    int
}

func newResultCache(n int) *resultCache {
	return &resultCache{
		results: make(map[string]*MatchResult, n),
		ring:    make([]string, n),
	}
}

func (c *resultCache) get(id string) (*MatchResult, bool) {
	r, ok := c.results[id]
	return r, ok
}

func (c *resultCache) put(id string, r *MatchResult) {
	if old := c.ring[c.next]; old != "" {
		delete(c.results, old)
	}
	c.ring[c.next] = id
	c.results[id] = r
	c.next = (c.next + 1) % len(c.ring)
}

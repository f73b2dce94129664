package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MatchingEngine is the service handle: it owns the shard pool, the coordinator,
// the load balancer, failure recovery and the async publisher.
type MatchingEngine struct {
	opts      *engineOptions
	coord     *ShardCoordinator
	publisher *AsyncPublisher

	locator    sync.Map // order id -> pair, for CancelOrder
	isShutdown atomic.Bool
	started    atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// EngineStats summarises the engine state.
type EngineStats struct {
	Shards      []ShardInfo    `json:"shards"`
	Assignments map[string]int `json:"assignments"`
	Outstanding int            `json:"outstanding"`
	Dropped     uint64         `json:"dropped"`
}

// NewMatchingEngine creates a new matching engine instance. Call Start before submitting.
func NewMatchingEngine(opts ...Option) *MatchingEngine {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(o)
	}

	publisher := NewAsyncPublisher(o.publishCapacity, o.feed, o.syncer)
	publisher.onDrop = o.observer.PublisherDropped

	engine := &MatchingEngine{
		opts:      o,
		publisher: publisher,
	}
	o.onBookUpdate = engine.track
	engine.coord = newShardCoordinator(o, publisher)
	return engine
}

// Start launches workers, batchers, the publisher and the background loops.
func (engine *MatchingEngine) Start(ctx context.Context) error {
	if !engine.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, engine.cancel = context.WithCancel(ctx)
	engine.publisher.Start()
	engine.coord.start()

	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		engine.coord.balancer.Run(ctx)
	}()

	logger.Info("matching engine started", "version", EngineVersion, "shards", engine.opts.shards)
	return nil
}

// ProcessOrder validates the order and matches it on the shard that owns its pair.
func (engine *MatchingEngine) ProcessOrder(ctx context.Context, order *Order) (*MatchResult, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	if !engine.started.Load() {
		return nil, ErrNotStarted
	}
	if err := validateOrder(order, time.Now()); err != nil {
		return nil, err
	}

	order = order.Clone()
	result, err := engine.coord.execute(ctx, &submission{kind: opSubmit, pair: order.Pair, order: order})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessBatch submits orders in slice order, so orders of the same pair are matched in that order,
// and waits for all of them. Results and errors are positionally aligned with orders.
func (engine *MatchingEngine) ProcessBatch(ctx context.Context, orders []*Order) ([]*MatchResult, []error) {
	results := make([]*MatchResult, len(orders))
	errs := make([]error, len(orders))

	if engine.isShutdown.Load() || !engine.started.Load() {
		err := ErrShutdown
		if !engine.started.Load() {
			err = ErrNotStarted
		}
		for i := range errs {
			errs[i] = err
		}
		return results, errs
	}

	now := time.Now()
	subs := make([]*submission, 0, len(orders))
	index := make([]int, 0, len(orders))
	for i, order := range orders {
		if err := validateOrder(order, now); err != nil {
			errs[i] = err
			continue
		}
		order = order.Clone()
		subs = append(subs, &submission{kind: opSubmit, pair: order.Pair, order: order})
		index = append(index, i)
	}

	batchResults, batchErrs := engine.coord.executeOrdered(ctx, subs)
	for j, i := range index {
		results[i], errs[i] = batchResults[j], batchErrs[j]
		if errs[i] != nil {
			results[i] = nil
		}
	}
	return results, errs
}

// CancelOrder cancels a resting order. Unknown or no longer resting ids return ErrOrderNotFound.
func (engine *MatchingEngine) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	if !engine.started.Load() {
		return nil, ErrNotStarted
	}
	if orderID == "" {
		return nil, ErrInvalidParam
	}

	value, ok := engine.locator.Load(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	pair := value.(string)

	result, err := engine.coord.execute(ctx, &submission{kind: opCancel, pair: pair, orderID: orderID})
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrNotFound) {
		engine.locator.Delete(orderID)
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	engine.locator.Delete(orderID)
	return result.Taker(), nil
}

// GetOrderbook returns the top depth levels of pair.
func (engine *MatchingEngine) GetOrderbook(ctx context.Context, pair string, depth uint32) (*Depth, error) {
	value, err := engine.coord.queryBook(ctx, pair, func(book *OrderBook) any {
		return book.Depth(depth)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Depth), nil
}

// GetMarketData returns top of book and trade statistics of pair.
func (engine *MatchingEngine) GetMarketData(ctx context.Context, pair string) (*MarketData, error) {
	value, err := engine.coord.queryBook(ctx, pair, func(book *OrderBook) any {
		return book.MarketData()
	})
	if err != nil {
		return nil, err
	}
	return value.(*MarketData), nil
}

// GetBookStats returns level and order counts of pair.
func (engine *MatchingEngine) GetBookStats(ctx context.Context, pair string) (*BookStats, error) {
	value, err := engine.coord.queryBook(ctx, pair, func(book *OrderBook) any {
		return book.Stats()
	})
	if err != nil {
		return nil, err
	}
	return value.(*BookStats), nil
}

// MigratePair moves pair to shard to.
func (engine *MatchingEngine) MigratePair(ctx context.Context, pair string, to int) error {
	return engine.coord.MigratePair(ctx, pair, to, "manual")
}

// Stats returns per-shard health, the assignment table and outstanding work.
func (engine *MatchingEngine) Stats() *EngineStats {
	return &EngineStats{
		Shards:      engine.coord.balancer.Snapshot(),
		Assignments: engine.coord.Assignments(),
		Outstanding: engine.coord.Outstanding(),
		Dropped:     engine.publisher.Dropped(),
	}
}

// Coordinator exposes the shard coordinator.
func (engine *MatchingEngine) Coordinator() *ShardCoordinator {
	return engine.coord
}

// Balancer exposes the load balancer.
func (engine *MatchingEngine) Balancer() *LoadBalancer {
	return engine.coord.balancer
}

// Recovery exposes failure recovery.
func (engine *MatchingEngine) Recovery() *FailureRecovery {
	return engine.coord.recovery
}

// Breaker returns the circuit breaker of shard id.
func (engine *MatchingEngine) Breaker(id int) *CircuitBreaker {
	return engine.coord.breakers[id]
}

// Shutdown stops intake, drains batchers and shards and flushes the publisher.
func (engine *MatchingEngine) Shutdown(ctx context.Context) error {
	if !engine.isShutdown.CompareAndSwap(false, true) {
		return nil
	}
	if !engine.started.Load() {
		return nil
	}

	engine.cancel()
	engine.wg.Wait()
	engine.coord.recovery.stop()

	var errs []error
	if err := engine.coord.stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := engine.publisher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	logger.Info("matching engine stopped")
	return errors.Join(errs...)
}

// track keeps the cancel locator in step with the orders a book change touched.
// Shards call it for every committed change, including ones whose caller gave up
// and orders removed by the expiry sweep.
func (engine *MatchingEngine) track(result *MatchResult) {
	for _, o := range result.UpdatedOrders {
		if o.Status.IsTerminal() || (o.Type == Market && o.Status == StatusPartial) {
			engine.locator.Delete(o.ID)
			continue
		}
		engine.locator.Store(o.ID, o.Pair)
	}
}

func validateOrder(order *Order, now time.Time) error {
	if order == nil || order.ID == "" {
		return ErrInvalidParam
	}
	if order.Pair == "" {
		return ErrInvalidPair
	}
	if !order.Side.IsValid() {
		return ErrInvalidSide
	}
	if !order.Type.IsValid() {
		return ErrInvalidType
	}
	if !order.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if order.Type == Limit && !order.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if order.IsExpired(now) {
		return ErrOrderExpired
	}
	return nil
}

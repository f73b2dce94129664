package match

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PublishLog is an interface for publishing order book logs (trades, opens, cancels).
// Logs handed to Publish are never mutated afterwards, so implementations may keep them.
type PublishLog interface {
	Publish(...*BookLog)
}

// Syncer mirrors orders and trades into cold storage.
// Failures are logged by the caller and never affect matching.
type Syncer interface {
	SyncOrder(ctx context.Context, order *Order) error
	SyncTrade(ctx context.Context, trade *Trade) error
}

// MemoryPublishLog stores logs in memory, useful for testing.
type MemoryPublishLog struct {
	mu   sync.RWMutex
	logs []*BookLog
}

// NewMemoryPublishLog creates a new MemoryPublishLog.
func NewMemoryPublishLog() *MemoryPublishLog {
	return &MemoryPublishLog{}
}

// Publish appends logs to the in-memory slice.
func (m *MemoryPublishLog) Publish(logs ...*BookLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
}

// Count returns the number of logs stored.
func (m *MemoryPublishLog) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

// Logs returns a copy of all logs stored.
func (m *MemoryPublishLog) Logs() []*BookLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]*BookLog, len(m.logs))
	copy(logs, m.logs)
	return logs
}

// DiscardPublishLog discards all logs, useful for benchmarking.
type DiscardPublishLog struct{}

// NewDiscardPublishLog creates a new DiscardPublishLog.
func NewDiscardPublishLog() *DiscardPublishLog {
	return &DiscardPublishLog{}
}

// Publish does nothing.
func (p *DiscardPublishLog) Publish(...*BookLog) {}

// MemorySyncer records synced orders and trades, useful for testing.
type MemorySyncer struct {
	mu     sync.Mutex
	orders []*Order
	trades []*Trade
	Err    error
}

// SyncOrder records the order.
func (m *MemorySyncer) SyncOrder(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.orders = append(m.orders, order)
	return nil
}

// SyncTrade records the trade.
func (m *MemorySyncer) SyncTrade(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.trades = append(m.trades, trade)
	return nil
}

// Orders returns the synced orders.
func (m *MemorySyncer) Orders() []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Order(nil), m.orders...)
}

// Trades returns the synced trades.
func (m *MemorySyncer) Trades() []*Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Trade(nil), m.trades...)
}

// publishEvent is the unit carried through the publisher ring: the output of one book operation.
type publishEvent struct {
	logs   []*BookLog
	orders []*Order
	trades []*Trade
}

// AsyncPublisher fans book output out to the feed and the cold-storage syncer
// on its own goroutine. Shards never wait on it: a full ring drops the event.
type AsyncPublisher struct {
	ring        *RingBuffer[*publishEvent]
	feed        PublishLog
	syncer      Syncer
	syncTimeout time.Duration
	dropped     atomic.Uint64
	onDrop      func()
}

// NewAsyncPublisher creates a publisher. capacity must be a power of two; feed and syncer may be nil.
func NewAsyncPublisher(capacity int64, feed PublishLog, syncer Syncer) *AsyncPublisher {
	p := &AsyncPublisher{
		feed:        feed,
		syncer:      syncer,
		syncTimeout: time.Second,
	}
	p.ring = NewRingBuffer[*publishEvent](capacity, EventHandlerFunc[*publishEvent](p.handle))
	return p
}

// Start launches the consumer goroutine.
func (p *AsyncPublisher) Start() {
	p.ring.Start()
}

// Shutdown flushes pending events.
func (p *AsyncPublisher) Shutdown(ctx context.Context) error {
	return p.ring.Shutdown(ctx)
}

// Enqueue hands the output of one operation to the publisher without blocking.
func (p *AsyncPublisher) Enqueue(logs []*BookLog, result *MatchResult) {
	ev := &publishEvent{logs: logs}
	if result != nil {
		ev.orders = result.UpdatedOrders
		ev.trades = result.Trades
	}
	if len(ev.logs) == 0 && len(ev.orders) == 0 && len(ev.trades) == 0 {
		return
	}

	if err := p.ring.TryPublish(ev); err != nil {
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		logger.Warn("publisher dropped event", "logs", len(logs), "error", err)
	}
}

// Dropped returns the number of events dropped because the ring was full.
func (p *AsyncPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Pending returns events waiting for the consumer.
func (p *AsyncPublisher) Pending() int64 {
	return p.ring.GetPendingEvents()
}

func (p *AsyncPublisher) handle(ev *publishEvent) {
	if p.feed != nil && len(ev.logs) > 0 {
		p.feed.Publish(ev.logs...)
	}
	if p.syncer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.syncTimeout)
	defer cancel()

	for _, order := range ev.orders {
		if err := p.syncer.SyncOrder(ctx, order); err != nil {
			logger.Error("order sync failed", "order_id", order.ID, "pair", order.Pair, "error", err)
		}
	}
	for _, trade := range ev.trades {
		if err := p.syncer.SyncTrade(ctx, trade); err != nil {
			logger.Error("trade sync failed", "trade_id", trade.ID, "pair", trade.Pair, "error", err)
		}
	}
}

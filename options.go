package match

import (
	"runtime"
	"time"
)

// Observer receives engine measurements. The metrics package provides a Prometheus implementation.
type Observer interface {
	OrderProcessed(shardID int, outcome string)
	BatchProcessed(shardID int, size int, latency time.Duration)
	QueueDepth(shardID int, depth int)
	BreakerChanged(shardID int, state BreakerState)
	PairMigrated(reason string)
	PublisherDropped()
}

type nopObserver struct{}

func (nopObserver) OrderProcessed(int, string) {}
func (nopObserver) BatchProcessed(int, int, time.Duration) {}
func (nopObserver) QueueDepth(int, int) {}
func (nopObserver) BreakerChanged(int, BreakerState) {}
func (nopObserver) PairMigrated(string) {}
func (nopObserver) PublisherDropped() {}

// FaultHook runs on the shard goroutine before every batch and health probe.
// A non-nil error fails the whole batch as a shard failure. Used for fault injection.
type FaultHook func(shardID int) error

type engineOptions struct {
	shards          int
	batchSize       int
	batchWindow     time.Duration
	taskTimeout     time.Duration
	maxRetries      int
	inboxSize       int
	expiryInterval  time.Duration
	publishCapacity int64
	feed            PublishLog
	syncer          Syncer
	observer        Observer
	breaker         BreakerConfig
	balancer        BalancerConfig
	recovery        RecoveryConfig
	bookOpts        []OrderBookOption
	faultHook       FaultHook
	onBookUpdate    func(*MatchResult) // runs on the shard goroutine after a book changed
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		shards:          runtime.NumCPU(),
		batchSize:       DefaultBatchSize,
		batchWindow:     DefaultBatchWindow,
		taskTimeout:     DefaultTaskTimeout,
		maxRetries:      DefaultMaxRetries,
		inboxSize:       DefaultInboxSize,
		expiryInterval:  DefaultExpiryInterval,
		publishCapacity: 1 << 16,
		observer:        nopObserver{},
		breaker:         DefaultBreakerConfig(),
		balancer:        DefaultBalancerConfig(),
		recovery:        DefaultRecoveryConfig(),
	}
}

// Option configures a MatchingEngine.
type Option func(*engineOptions)

// WithShards sets the number of shard workers.
func WithShards(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithBatchSize sets the number of submissions that forces a batch flush.
func WithBatchSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithBatchWindow sets how long a batcher waits before flushing a partial batch.
func WithBatchWindow(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.batchWindow = d
		}
	}
}

// WithTaskTimeout bounds the wait for each dispatched submission.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

// WithMaxRetries sets how many times a timed out or failed submission is re-dispatched.
func WithMaxRetries(n int) Option {
	return func(o *engineOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithInboxSize sets the capacity of batcher inboxes and shard task queues.
func WithInboxSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// WithExpiryInterval sets how often shards sweep expired resting orders.
func WithExpiryInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.expiryInterval = d
		}
	}
}

// WithPublishLog sets the feed that receives every BookLog.
func WithPublishLog(feed PublishLog) Option {
	return func(o *engineOptions) {
		o.feed = feed
	}
}

// WithSyncer sets the cold-storage syncer.
func WithSyncer(s Syncer) Option {
	return func(o *engineOptions) {
		o.syncer = s
	}
}

// WithPublishCapacity sets the publisher ring capacity. It must be a power of two.
func WithPublishCapacity(n int64) Option {
	return func(o *engineOptions) {
		o.publishCapacity = n
	}
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *engineOptions) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBreakerConfig sets the per-shard circuit breaker configuration.
func WithBreakerConfig(c BreakerConfig) Option {
	return func(o *engineOptions) {
		o.breaker = c
	}
}

// WithBalancerConfig sets the load balancer configuration.
func WithBalancerConfig(c BalancerConfig) Option {
	return func(o *engineOptions) {
		o.balancer = c
	}
}

// WithRecoveryConfig sets the failure recovery configuration.
func WithRecoveryConfig(c RecoveryConfig) Option {
	return func(o *engineOptions) {
		o.recovery = c
	}
}

// WithBookOptions applies options to every order book the engine creates.
func WithBookOptions(opts ...OrderBookOption) Option {
	return func(o *engineOptions) {
		o.bookOpts = append(o.bookOpts, opts...)
	}
}

// WithFaultHook installs a fault injection hook on every shard worker.
func WithFaultHook(hook FaultHook) Option {
	return func(o *engineOptions) {
		o.faultHook = hook
	}
}

// Package metrics exposes engine and router measurements as Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "hybrid"

// Collector implements match.Observer and router.Observer.
type Collector struct {
	ordersProcessed *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
	batchLatency    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	migrations      *prometheus.CounterVec
	publisherDrops  prometheus.Counter

	routeFills    *prometheus.CounterVec
	routeVolume   *prometheus.CounterVec
	routeChunks   prometheus.Histogram
	routeDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		ordersProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_processed_total",
			Help:      "Orders processed by shard and outcome.",
		}, []string{"shard", "outcome"}),
		batchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Orders per shard batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"shard"}),
		batchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Time spent matching one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"shard"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Pending tasks per shard.",
		}, []string{"shard"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per shard: 0 closed, 1 open, 2 half-open.",
		}, []string{"shard"}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pair_migrations_total",
			Help:      "Pair migrations by reason.",
		}, []string{"reason"}),
		publisherDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "publisher_dropped_total",
			Help:      "Output events dropped because the publisher ring was full.",
		}),
		routeFills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fills_total",
			Help:      "Route fills by pair and venue.",
		}, []string{"pair", "venue"}),
		routeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "filled_base_total",
			Help:      "Base amount filled by pair and venue.",
		}, []string{"pair", "venue"}),
		routeChunks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "chunks",
			Help:      "Chunks per route.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		routeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_duration_seconds",
			Help:      "Wall time of a route.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (c *Collector) OrderProcessed(shardID int, outcome string) {
	c.ordersProcessed.WithLabelValues(shard(shardID), outcome).Inc()
}

func (c *Collector) BatchProcessed(shardID int, size int, latency time.Duration) {
	c.batchSize.WithLabelValues(shard(shardID)).Observe(float64(size))
	c.batchLatency.WithLabelValues(shard(shardID)).Observe(latency.Seconds())
}

func (c *Collector) QueueDepth(shardID int, depth int) {
	c.queueDepth.WithLabelValues(shard(shardID)).Set(float64(depth))
}

func (c *Collector) BreakerChanged(shardID int, state match.BreakerState) {
	c.breakerState.WithLabelValues(shard(shardID)).Set(float64(state))
}

func (c *Collector) PairMigrated(reason string) {
	c.migrations.WithLabelValues(reason).Inc()
}

func (c *Collector) PublisherDropped() {
	c.publisherDrops.Inc()
}

func (c *Collector) RouteFilled(pair string, venue protocol.Venue, amount decimal.Decimal) {
	c.routeFills.WithLabelValues(pair, string(venue)).Inc()
	c.routeVolume.WithLabelValues(pair, string(venue)).Add(amount.InexactFloat64())
}

func (c *Collector) RouteCompleted(_ string, chunks int, elapsed time.Duration) {
	c.routeChunks.Observe(float64(chunks))
	c.routeDuration.Observe(elapsed.Seconds())
}

func shard(id int) string {
	return strconv.Itoa(id)
}

package match

import (
	"context"
	"sort"
	"time"
)

// BalancerConfig configures the LoadBalancer.
type BalancerConfig struct {
	LoadThreshold        int64         // Queued orders above which a shard is overloaded
	LatencyThreshold     time.Duration // Average per-order latency above which a shard is overloaded
	ErrorRateThreshold   float64       // Batch failure rate above which a shard is overloaded
	HeartbeatTimeout     time.Duration // A shard silent for longer is failed
	RebalanceInterval    time.Duration
	MaxMigrationsPerTick int
}

// DefaultBalancerConfig returns the default balancer configuration.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		LoadThreshold:        4096,
		LatencyThreshold:     10 * time.Millisecond,
		ErrorRateThreshold:   0.5,
		HeartbeatTimeout:     5 * time.Second,
		RebalanceInterval:    5 * time.Second,
		MaxMigrationsPerTick: 1,
	}
}

// ShardInfo is a point-in-time view of one shard.
type ShardInfo struct {
	ID            int           `json:"id"`
	Pairs         int           `json:"pairs"`
	Load          int64         `json:"load"`
	AvgLatency    time.Duration `json:"avg_latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Health        ShardHealth   `json:"health"`
	Breaker       BreakerState  `json:"breaker"`
}

// LoadBalancer scores shard health, places new pairs and moves busy pairs off overloaded shards.
type LoadBalancer struct {
	coord  *ShardCoordinator
	config BalancerConfig
	now    func() time.Time
}

func newLoadBalancer(coord *ShardCoordinator, config BalancerConfig) *LoadBalancer {
	return &LoadBalancer{
		coord:  coord,
		config: config,
		now:    time.Now,
	}
}

// Health classifies shard id.
func (lb *LoadBalancer) Health(id int) ShardHealth {
	return lb.info(id).Health
}

// Snapshot returns the state of every shard.
func (lb *LoadBalancer) Snapshot() []ShardInfo {
	infos := make([]ShardInfo, lb.coord.NumShards())
	for i := range infos {
		infos[i] = lb.info(i)
	}
	return infos
}

func (lb *LoadBalancer) info(id int) ShardInfo {
	s := lb.coord.shard(id)
	info := ShardInfo{
		ID:            id,
		Pairs:         s.PairCount(),
		Load:          s.Load(),
		AvgLatency:    s.AvgLatency(),
		ErrorRate:     s.ErrorRate(),
		LastHeartbeat: s.LastHeartbeat(),
		Breaker:       lb.coord.breakers[id].State(),
	}

	switch {
	case info.Breaker != BreakerClosed:
		info.Health = ShardFailed
		if lb.coord.recovery.IsRecovering(id) {
			info.Health = ShardRecovering
		}
	case lb.config.HeartbeatTimeout > 0 && lb.now().Sub(info.LastHeartbeat) > lb.config.HeartbeatTimeout:
		info.Health = ShardFailed
	case info.Load > lb.config.LoadThreshold,
		lb.config.LatencyThreshold > 0 && info.AvgLatency > lb.config.LatencyThreshold,
		info.ErrorRate > lb.config.ErrorRateThreshold:
		info.Health = ShardOverloaded
	default:
		info.Health = ShardHealthy
	}
	return info
}

// SelectShard picks the shard for a pair: its hash owner when healthy,
// otherwise the least loaded healthy shard.
func (lb *LoadBalancer) SelectShard(pair string) (int, error) {
	n := lb.coord.NumShards()
	preferred := hashShard(pair, n)
	if lb.Health(preferred) == ShardHealthy {
		return preferred, nil
	}

	best := -1
	var bestLoad int64
	for _, info := range lb.Snapshot() {
		if info.Health != ShardHealthy {
			continue
		}
		if best < 0 || info.Load < bestLoad {
			best, bestLoad = info.ID, info.Load
		}
	}
	if best < 0 {
		return 0, ErrNoHealthyShard
	}
	return best, nil
}

// Rebalance moves the busiest pairs of overloaded shards to the least loaded healthy shards.
// It returns the number of pairs moved.
func (lb *LoadBalancer) Rebalance(ctx context.Context) (int, error) {
	infos := lb.Snapshot()

	var targets []ShardInfo
	var overloaded []ShardInfo
	for _, info := range infos {
		switch info.Health {
		case ShardHealthy:
			targets = append(targets, info)
		case ShardOverloaded:
			if info.Pairs > 1 {
				overloaded = append(overloaded, info)
			}
		}
	}
	if len(targets) == 0 || len(overloaded) == 0 {
		return 0, nil
	}

	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].Load > overloaded[j].Load })

	moved := 0
	for _, src := range overloaded {
		if moved >= lb.config.MaxMigrationsPerTick {
			break
		}

		activity, err := lb.coord.pairActivity(ctx, src.ID)
		if err != nil {
			logger.Warn("rebalance skipped shard", "shard_id", src.ID, "error", err)
			continue
		}
		// Never empty the source shard.
		if len(activity) < 2 {
			continue
		}
		pairs := make([]string, 0, len(activity))
		for pair := range activity {
			pairs = append(pairs, pair)
		}
		sort.Slice(pairs, func(i, j int) bool { return activity[pairs[i]] > activity[pairs[j]] })

		sort.Slice(targets, func(i, j int) bool { return targets[i].Load < targets[j].Load })
		dst := &targets[0]

		pair := pairs[0]
		if err := lb.coord.MigratePair(ctx, pair, dst.ID, "rebalance"); err != nil {
			logger.Warn("rebalance migration failed", "pair", pair, "from", src.ID, "to", dst.ID, "error", err)
			continue
		}
		dst.Load += src.Load / int64(src.Pairs)
		moved++
	}
	return moved, nil
}

// Run rebalances every RebalanceInterval until ctx is done.
func (lb *LoadBalancer) Run(ctx context.Context) {
	if lb.config.RebalanceInterval <= 0 {
		return
	}

	ticker := time.NewTicker(lb.config.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := lb.Rebalance(ctx); err != nil {
				logger.Warn("rebalance failed", "error", err)
			} else if n > 0 {
				logger.Info("rebalanced pairs", "moved", n)
			}
		}
	}
}

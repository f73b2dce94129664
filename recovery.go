package match

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RecoveryConfig configures FailureRecovery.
type RecoveryConfig struct {
	HealthCheckInterval time.Duration // How often a failed shard is probed
	MigrationTimeout    time.Duration // Bound for moving a single pair during failover or restore
	RestoreRouting      bool          // Move displaced pairs back once the shard is healthy
}

// DefaultRecoveryConfig returns the default recovery configuration.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		HealthCheckInterval: 5 * time.Second,
		MigrationTimeout:    2 * time.Second,
		RestoreRouting:      true,
	}
}

type failedShard struct {
	backup int
	pairs  []string
	since  time.Time
}

// FailureRecovery reacts to a tripped breaker: it moves the shard's pairs to a backup,
// replaces the worker, probes it until healthy and then restores the original routing.
type FailureRecovery struct {
	coord  *ShardCoordinator
	config RecoveryConfig

	mu         sync.Mutex
	failed     map[int]*failedShard
	recovering []atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newFailureRecovery(coord *ShardCoordinator, config RecoveryConfig) *FailureRecovery {
	return &FailureRecovery{
		coord:      coord,
		config:     config,
		failed:     make(map[int]*failedShard),
		recovering: make([]atomic.Bool, coord.NumShards()),
		done:       make(chan struct{}),
	}
}

// IsRecovering reports whether shard id has failed over and is being monitored.
func (fr *FailureRecovery) IsRecovering(id int) bool {
	return fr.recovering[id].Load()
}

// Displaced returns the pairs moved off shard id and the backup holding them.
func (fr *FailureRecovery) Displaced(id int) (backup int, pairs []string, ok bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fs, ok := fr.failed[id]
	if !ok {
		return 0, nil, false
	}
	return fs.backup, append([]string(nil), fs.pairs...), true
}

// Failover moves every pair of shard id to its backup and replaces the worker.
// A worker that still owns a pair after the migrations is kept, since only it holds that book.
// Concurrent calls for the same shard wait for the first and then return.
func (fr *FailureRecovery) Failover(ctx context.Context, id int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if _, ok := fr.failed[id]; ok {
		return
	}
	select {
	case <-fr.done:
		return
	default:
	}

	fs := &failedShard{backup: fr.pickBackup(id), since: time.Now()}
	fr.failed[id] = fs
	fr.recovering[id].Store(true)

	if fs.backup < 0 {
		logger.Error("no backup shard available, failed shard keeps its pairs", "shard_id", id)
	} else {
		for _, pair := range fr.coord.routes.pairsOf(id) {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fr.config.MigrationTimeout)
			err := fr.coord.MigratePair(mctx, pair, fs.backup, "failover")
			cancel()
			if err != nil {
				logger.Error("failover migration failed", "pair", pair, "from", id, "to", fs.backup, "error", err)
				continue
			}
			fs.pairs = append(fs.pairs, pair)
		}
		if kept := fr.coord.routes.pairsOf(id); len(kept) > 0 {
			logger.Error("failed shard still owns pairs, keeping its worker", "shard_id", id, "pairs", kept)
		} else {
			fr.coord.replaceShard(ctx, id)
		}
	}

	logger.Warn("shard failed over", "shard_id", id, "backup", fs.backup, "pairs", len(fs.pairs))

	fr.wg.Add(1)
	go fr.monitor(id)
}

// pickBackup returns the first shard after id whose breaker is closed, or -1.
func (fr *FailureRecovery) pickBackup(id int) int {
	n := fr.coord.NumShards()
	for k := 1; k < n; k++ {
		candidate := (id + k) % n
		if _, failed := fr.failed[candidate]; failed {
			continue
		}
		if fr.coord.breakers[candidate].State() == BreakerClosed {
			return candidate
		}
	}
	return -1
}

func (fr *FailureRecovery) monitor(id int) {
	defer fr.wg.Done()

	ticker := time.NewTicker(fr.config.HealthCheckInterval)
	defer ticker.Stop()

	breaker := fr.coord.breakers[id]
	for {
		select {
		case <-fr.done:
			return
		case <-ticker.C:
		}

		if err := breaker.Allow(); err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), fr.coord.opts.taskTimeout)
		err := fr.coord.shard(id).probe(ctx)
		cancel()
		if err != nil {
			breaker.RecordFailure()
			logger.Warn("health probe failed", "shard_id", id, "error", err)
			continue
		}

		breaker.RecordSuccess()
		fr.restore(id)
		return
	}
}

// restore moves the displaced pairs back to the recovered shard.
func (fr *FailureRecovery) restore(id int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fs, ok := fr.failed[id]
	if !ok {
		return
	}

	if fr.config.RestoreRouting && fs.backup >= 0 {
		for _, pair := range fs.pairs {
			// Leave pairs the balancer has since moved elsewhere.
			if owner, ok := fr.coord.Owner(pair); !ok || owner != fs.backup {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), fr.config.MigrationTimeout)
			err := fr.coord.MigratePair(ctx, pair, id, "restore")
			cancel()
			if err != nil {
				logger.Error("restore migration failed", "pair", pair, "from", fs.backup, "to", id, "error", err)
			}
		}
	}

	delete(fr.failed, id)
	fr.recovering[id].Store(false)
	logger.Info("shard recovered", "shard_id", id, "down_for", time.Since(fs.since).String())
}

func (fr *FailureRecovery) stop() {
	select {
	case <-fr.done:
	default:
		close(fr.done)
	}
	fr.wg.Wait()
}

package match

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *MatchingEngine {
	t.Helper()
	base := []Option{
		WithShards(4),
		WithBatchWindow(time.Millisecond),
		WithPublishLog(NewDiscardPublishLog()),
	}
	engine := NewMatchingEngine(append(base, opts...)...)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func pairOrder(id, userID, pair string, side Side, price, amount string) *Order {
	return NewLimitOrder(id, userID, pair, side, decimal.RequireFromString(price), decimal.RequireFromString(amount))
}

// pairOnShard returns a pair whose default owner is shard id.
func pairOnShard(id, shards int, not ...string) string {
	for i := 0; ; i++ {
		pair := fmt.Sprintf("P%d-USDT", i)
		if hashShard(pair, shards) != id {
			continue
		}
		taken := false
		for _, n := range not {
			taken = taken || n == pair
		}
		if !taken {
			return pair
		}
	}
}

func TestEngineProcessOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("match across calls", func(t *testing.T) {
		engine := newTestEngine(t)

		res, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "2"))
		require.NoError(t, err)
		assert.Empty(t, res.Trades)
		assert.Equal(t, StatusActive, res.Taker().Status)

		res, err = engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "101", "1"))
		require.NoError(t, err)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, "100", res.Trades[0].Price.String())
		assert.Equal(t, StatusFilled, res.Taker().Status)

		owner, ok := engine.Coordinator().Owner("BTC-USDT")
		require.True(t, ok)
		assert.Equal(t, owner, res.ShardID)

		depth, err := engine.GetOrderbook(ctx, "BTC-USDT", 10)
		require.NoError(t, err)
		require.Len(t, depth.Asks, 1)
		assert.Equal(t, "1", depth.Asks[0].Amount.String())

		md, err := engine.GetMarketData(ctx, "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "100", md.LastTradePrice.String())

		stats, err := engine.GetBookStats(ctx, "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.AskOrderCount)
	})

	t.Run("market order walks levels", func(t *testing.T) {
		engine := newTestEngine(t)
		_, err := engine.ProcessOrder(ctx, pairOrder("a1", "1", "ETH-USDT", Sell, "5.0000", "10"))
		require.NoError(t, err)
		_, err = engine.ProcessOrder(ctx, pairOrder("a2", "1", "ETH-USDT", Sell, "5.1000", "20"))
		require.NoError(t, err)

		res, err := engine.ProcessOrder(ctx, NewMarketOrder("m1", "2", "ETH-USDT", Buy, decimal.NewFromInt(25)))
		require.NoError(t, err)
		require.Len(t, res.Trades, 2)
		assert.Equal(t, "10", res.Trades[0].Amount.String())
		assert.Equal(t, "15", res.Trades[1].Amount.String())
		assert.True(t, res.Trades[1].Price.Equal(decimal.RequireFromString("5.1")))
		assert.Equal(t, StatusFilled, res.Taker().Status)
	})

	t.Run("validation", func(t *testing.T) {
		engine := newTestEngine(t)

		cases := []struct {
			name  string
			order *Order
			err   error
		}{
			{"nil", nil, ErrInvalidParam},
			{"no pair", pairOrder("x", "1", "", Buy, "1", "1"), ErrInvalidPair},
			{"bad side", pairOrder("x", "1", "BTC-USDT", Side(7), "1", "1"), ErrInvalidSide},
			{"zero amount", pairOrder("x", "1", "BTC-USDT", Buy, "1", "0"), ErrInvalidAmount},
			{"zero price", pairOrder("x", "1", "BTC-USDT", Buy, "0", "1"), ErrInvalidPrice},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := engine.ProcessOrder(ctx, tc.order)
				assert.ErrorIs(t, err, tc.err)
				assert.ErrorIs(t, err, ErrValidation)
			})
		}

		expired := pairOrder("late", "1", "BTC-USDT", Buy, "1", "1")
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		_, err := engine.ProcessOrder(ctx, expired)
		assert.ErrorIs(t, err, ErrOrderExpired)
	})

	t.Run("lifecycle", func(t *testing.T) {
		engine := NewMatchingEngine(WithShards(1))
		_, err := engine.ProcessOrder(ctx, pairOrder("a", "1", "BTC-USDT", Buy, "1", "1"))
		assert.ErrorIs(t, err, ErrNotStarted)

		require.NoError(t, engine.Start(ctx))
		require.NoError(t, engine.Shutdown(ctx))

		_, err = engine.ProcessOrder(ctx, pairOrder("a", "1", "BTC-USDT", Buy, "1", "1"))
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = engine.CancelOrder(ctx, "a")
		assert.ErrorIs(t, err, ErrShutdown)
	})
}

func TestEngineCancelOrder(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	_, err := engine.ProcessOrder(ctx, pairOrder("b1", "1", "BTC-USDT", Buy, "90", "1"))
	require.NoError(t, err)

	order, err := engine.CancelOrder(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, order.Status)

	_, err = engine.CancelOrder(ctx, "b1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = engine.CancelOrder(ctx, "never-submitted")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// filled orders are no longer cancellable
	_, err = engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
	require.NoError(t, err)
	_, err = engine.ProcessOrder(ctx, pairOrder("b2", "2", "BTC-USDT", Buy, "100", "1"))
	require.NoError(t, err)
	_, err = engine.CancelOrder(ctx, "s1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	stats, err := engine.GetBookStats(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.BidOrderCount+stats.AskOrderCount)
}

func locatorSize(engine *MatchingEngine) int {
	n := 0
	engine.locator.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestEngineCancelLocator(t *testing.T) {
	ctx := context.Background()

	t.Run("failed submissions are not tracked", func(t *testing.T) {
		engine := newTestEngine(t,
			WithShards(1),
			WithMaxRetries(0),
			WithFaultHook(func(int) error { return errors.New("down") }),
			WithBreakerConfig(BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Second}),
		)

		_, err := engine.ProcessOrder(ctx, pairOrder("b1", "1", "BTC-USDT", Buy, "100", "1"))
		require.ErrorIs(t, err, ErrShardFailure)

		_, errs := engine.ProcessBatch(ctx, []*Order{
			pairOrder("b2", "1", "BTC-USDT", Buy, "100", "1"),
			pairOrder("bad", "1", "BTC-USDT", Buy, "100", "0"),
		})
		assert.ErrorIs(t, errs[0], ErrShardFailure)
		assert.ErrorIs(t, errs[1], ErrInvalidAmount)

		assert.Zero(t, locatorSize(engine))
	})

	t.Run("resting and filled orders", func(t *testing.T) {
		engine := newTestEngine(t)

		_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "2"))
		require.NoError(t, err)
		assert.Equal(t, 1, locatorSize(engine))

		_, err = engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
		require.NoError(t, err)
		assert.Equal(t, 1, locatorSize(engine), "partially filled maker stays cancellable")

		_, err = engine.ProcessOrder(ctx, pairOrder("b2", "2", "BTC-USDT", Buy, "100", "1"))
		require.NoError(t, err)
		assert.Zero(t, locatorSize(engine))
	})

	t.Run("swept orders are untracked", func(t *testing.T) {
		engine := newTestEngine(t, WithExpiryInterval(10*time.Millisecond))

		o := pairOrder("gtd", "1", "BTC-USDT", Buy, "100", "1")
		o.ExpiresAt = time.Now().Add(50 * time.Millisecond)
		_, err := engine.ProcessOrder(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, 1, locatorSize(engine))

		assert.Eventually(t, func() bool {
			return locatorSize(engine) == 0
		}, time.Second, 10*time.Millisecond)

		_, err = engine.CancelOrder(ctx, "gtd")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("order committed after its caller gave up is cancellable", func(t *testing.T) {
		hook, arm := slowOnce(150 * time.Millisecond)
		engine := newTestEngine(t,
			WithShards(1),
			WithMaxRetries(0),
			WithTaskTimeout(100*time.Millisecond),
			WithFaultHook(hook),
		)

		arm()
		_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
		require.ErrorIs(t, err, ErrTimeout)

		assert.Eventually(t, func() bool {
			return locatorSize(engine) == 1
		}, time.Second, 10*time.Millisecond)

		order, err := engine.CancelOrder(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, order.Status)
		assert.Zero(t, locatorSize(engine))
	})
}

func TestEnginePairAffinity(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, WithShards(4))

	pairs := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT", "DOGE-USDT", "ADA-USDT"}
	const total = 1000
	const workers = 10

	var mu sync.Mutex
	shardsByPair := make(map[string]map[int]struct{})
	var wg sync.WaitGroup
	var failures atomic.Int64

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < total; i += workers {
				pair := pairs[i%len(pairs)]
				side := Buy
				if i%2 == 0 {
					side = Sell
				}
				price := strconv.Itoa(100 + i%3)
				res, err := engine.ProcessOrder(ctx, pairOrder("o-"+strconv.Itoa(i), strconv.Itoa(i%7), pair, side, price, "1"))
				if err != nil {
					failures.Add(1)
					continue
				}
				mu.Lock()
				if shardsByPair[pair] == nil {
					shardsByPair[pair] = make(map[int]struct{})
				}
				shardsByPair[pair][res.ShardID] = struct{}{}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	require.Len(t, shardsByPair, len(pairs))
	for _, pair := range pairs {
		assert.Len(t, shardsByPair[pair], 1, "pair %s was matched on more than one shard", pair)
		owner, ok := engine.Coordinator().Owner(pair)
		require.True(t, ok)
		_, matched := shardsByPair[pair][owner]
		assert.True(t, matched)
	}
	assert.Len(t, engine.Stats().Assignments, len(pairs))
}

func TestEngineProcessBatch(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, WithBatchSize(8))

	orders := []*Order{
		pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"),
		pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"),
		pairOrder("bad", "2", "BTC-USDT", Buy, "100", "0"),
		pairOrder("s2", "3", "ETH-USDT", Sell, "10", "5"),
		pairOrder("b2", "4", "ETH-USDT", Buy, "10", "2"),
	}

	results, errs := engine.ProcessBatch(ctx, orders)
	require.Len(t, results, len(orders))
	require.Len(t, errs, len(orders))

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrInvalidAmount)
	assert.Nil(t, results[2])
	require.NoError(t, errs[3])
	require.NoError(t, errs[4])

	assert.Empty(t, results[0].Trades)
	require.Len(t, results[1].Trades, 1)
	assert.Equal(t, "s1", results[1].Trades[0].MakerOrderID)
	require.Len(t, results[4].Trades, 1)
	assert.Equal(t, "2", results[4].Trades[0].Amount.String())
}

func TestEngineMigratePair(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, WithShards(3))

	_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "3"))
	require.NoError(t, err)
	from, ok := engine.Coordinator().Owner("BTC-USDT")
	require.True(t, ok)
	to := (from + 1) % 3

	require.NoError(t, engine.MigratePair(ctx, "BTC-USDT", to))
	owner, _ := engine.Coordinator().Owner("BTC-USDT")
	assert.Equal(t, to, owner)

	depth, err := engine.GetOrderbook(ctx, "BTC-USDT", 5)
	require.NoError(t, err)
	require.Len(t, depth.Asks, 1)
	assert.Equal(t, "3", depth.Asks[0].Amount.String())

	res, err := engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, to, res.ShardID)
	require.Len(t, res.Trades, 1)

	// the old owner no longer holds the book
	activity, err := engine.Coordinator().pairActivity(ctx, from)
	require.NoError(t, err)
	assert.NotContains(t, activity, "BTC-USDT")

	assert.ErrorIs(t, engine.MigratePair(ctx, "BTC-USDT", 9), ErrInvalidParam)
	assert.ErrorIs(t, engine.MigratePair(ctx, "NOPE-USDT", 0), ErrNotFound)
}

func TestEngineFailover(t *testing.T) {
	ctx := context.Background()
	const shards = 2
	faulty := 0
	pair := pairOnShard(faulty, shards)

	var failing atomic.Bool
	hook := func(id int) error {
		if id == faulty && failing.Load() {
			return errors.New("injected fault")
		}
		return nil
	}

	engine := newTestEngine(t,
		WithShards(shards),
		WithFaultHook(hook),
		WithTaskTimeout(200*time.Millisecond),
		WithBreakerConfig(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 20 * time.Millisecond}),
		WithRecoveryConfig(RecoveryConfig{HealthCheckInterval: 20 * time.Millisecond, MigrationTimeout: time.Second, RestoreRouting: true}),
	)

	_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", pair, Sell, "100", "2"))
	require.NoError(t, err)
	owner, _ := engine.Coordinator().Owner(pair)
	require.Equal(t, faulty, owner)

	failing.Store(true)

	res, err := engine.ProcessOrder(ctx, pairOrder("b1", "2", pair, Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ShardID)
	require.Len(t, res.Trades, 1, "book moved with the pair")
	assert.Equal(t, "s1", res.Trades[0].MakerOrderID)

	assert.True(t, engine.Recovery().IsRecovering(faulty))
	backup, displaced, ok := engine.Recovery().Displaced(faulty)
	require.True(t, ok)
	assert.Equal(t, 1, backup)
	assert.Equal(t, []string{pair}, displaced)
	assert.NotEqual(t, BreakerClosed, engine.Breaker(faulty).State())
	assert.Equal(t, ShardRecovering, engine.Balancer().Health(faulty))

	// new pairs avoid the failed shard
	other := pairOnShard(faulty, shards, pair)
	res, err = engine.ProcessOrder(ctx, pairOrder("x1", "3", other, Buy, "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ShardID)

	failing.Store(false)

	assert.Eventually(t, func() bool {
		owner, _ := engine.Coordinator().Owner(pair)
		return owner == faulty && !engine.Recovery().IsRecovering(faulty)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, BreakerClosed, engine.Breaker(faulty).State())

	res, err = engine.ProcessOrder(ctx, pairOrder("b2", "2", pair, Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, faulty, res.ShardID)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, StatusFilled, res.UpdatedOrders[1].Status)
}

// stallShard parks the worker of shard id until the returned func is called.
func stallShard(t *testing.T, engine *MatchingEngine, id int) func() {
	t.Helper()
	gate := make(chan struct{})
	parked := make(chan struct{})
	go func() {
		_, _ = engine.Coordinator().shard(id).query(context.Background(), func(map[string]*OrderBook) any {
			close(parked)
			<-gate
			return nil
		})
	}()
	<-parked

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func TestMigratePairKeepsBookWhenTargetStalls(t *testing.T) {
	ctx := context.Background()
	const shards = 2
	pair := pairOnShard(0, shards)
	engine := newTestEngine(t, WithShards(shards))

	_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", pair, Sell, "100", "2"))
	require.NoError(t, err)
	owner, _ := engine.Coordinator().Owner(pair)
	require.Equal(t, 0, owner)

	release := stallShard(t, engine, 1)

	mctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = engine.MigratePair(mctx, pair, 1)
	assert.ErrorIs(t, err, ErrTimeout)

	owner, _ = engine.Coordinator().Owner(pair)
	assert.Equal(t, 0, owner)

	release()

	stats, err := engine.GetBookStats(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AskOrderCount)

	// the withdrawn adopt never lands on the stalled shard
	activity, err := engine.Coordinator().pairActivity(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, activity, pair)

	res, err := engine.ProcessOrder(ctx, pairOrder("b1", "2", pair, Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ShardID)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "s1", res.Trades[0].MakerOrderID)
}

func TestFailoverKeepsWorkerThatStillOwnsPairs(t *testing.T) {
	ctx := context.Background()
	const shards = 2
	faulty := 0
	pair := pairOnShard(faulty, shards)

	var failing atomic.Bool
	hook := func(id int) error {
		if id == faulty && failing.Load() {
			return errors.New("injected fault")
		}
		return nil
	}

	engine := newTestEngine(t,
		WithShards(shards),
		WithInboxSize(1),
		WithFaultHook(hook),
		WithTaskTimeout(200*time.Millisecond),
		WithMaxRetries(1),
		WithBreakerConfig(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond}),
		WithRecoveryConfig(RecoveryConfig{HealthCheckInterval: 20 * time.Millisecond, MigrationTimeout: 50 * time.Millisecond, RestoreRouting: true}),
	)

	_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", pair, Sell, "100", "2"))
	require.NoError(t, err)
	worker := engine.Coordinator().shard(faulty)

	release := stallShard(t, engine, 1)
	failing.Store(true)

	_, err = engine.ProcessOrder(ctx, pairOrder("b1", "2", pair, Buy, "100", "1"))
	require.Error(t, err)

	require.True(t, engine.Recovery().IsRecovering(faulty))
	_, displaced, ok := engine.Recovery().Displaced(faulty)
	require.True(t, ok)
	assert.Empty(t, displaced)
	assert.Same(t, worker, engine.Coordinator().shard(faulty), "worker holding the book is kept")
	owner, _ := engine.Coordinator().Owner(pair)
	assert.Equal(t, faulty, owner)

	release()
	failing.Store(false)

	assert.Eventually(t, func() bool {
		return !engine.Recovery().IsRecovering(faulty)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, BreakerClosed, engine.Breaker(faulty).State())

	res, err := engine.ProcessOrder(ctx, pairOrder("b2", "2", pair, Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, faulty, res.ShardID)
	require.Len(t, res.Trades, 1, "resting order survived the failed failover")
	assert.Equal(t, "s1", res.Trades[0].MakerOrderID)
}

// slowOnce returns a fault hook that stalls the next batch or probe by d once armed.
func slowOnce(d time.Duration) (FaultHook, func()) {
	var armed atomic.Bool
	hook := func(int) error {
		if armed.CompareAndSwap(true, false) {
			time.Sleep(d)
		}
		return nil
	}
	return hook, func() { armed.Store(true) }
}

func TestEngineRetriesAfterTimeout(t *testing.T) {
	ctx := context.Background()

	newSlowEngine := func(t *testing.T, opts ...Option) (*MatchingEngine, *MemoryPublishLog, *MemorySyncer, func()) {
		hook, arm := slowOnce(150 * time.Millisecond)
		feed := NewMemoryPublishLog()
		syncer := &MemorySyncer{}
		base := []Option{
			WithShards(1),
			WithTaskTimeout(100 * time.Millisecond),
			WithFaultHook(hook),
			WithPublishLog(feed),
			WithSyncer(syncer),
		}
		engine := newTestEngine(t, append(base, opts...)...)
		return engine, feed, syncer, arm
	}

	t.Run("submit matches once", func(t *testing.T) {
		engine, feed, syncer, arm := newSlowEngine(t)
		_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
		require.NoError(t, err)

		arm()
		res, err := engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
		require.NoError(t, err)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, "s1", res.Trades[0].MakerOrderID)
		assert.Equal(t, StatusFilled, res.Taker().Status)

		assert.Eventually(t, func() bool {
			return len(syncer.Trades()) == 1 && feed.Count() == 2
		}, time.Second, 5*time.Millisecond)
		assert.Never(t, func() bool {
			return len(syncer.Trades()) > 1 || feed.Count() > 2
		}, 100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("cancel succeeds", func(t *testing.T) {
		engine, feed, _, arm := newSlowEngine(t)
		_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
		require.NoError(t, err)

		arm()
		order, err := engine.CancelOrder(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", order.ID)
		assert.Equal(t, StatusCancelled, order.Status)

		stats, err := engine.GetBookStats(ctx, "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.AskOrderCount)

		assert.Eventually(t, func() bool {
			return feed.Count() == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, LogTypeCancel, feed.Logs()[1].Type)
		assert.Never(t, func() bool { return feed.Count() > 2 }, 100*time.Millisecond, 10*time.Millisecond)

		_, err = engine.CancelOrder(ctx, "s1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("committed match is kept when the caller gives up", func(t *testing.T) {
		engine, _, syncer, arm := newSlowEngine(t, WithMaxRetries(0))
		_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
		require.NoError(t, err)

		arm()
		_, err = engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
		require.ErrorIs(t, err, ErrTimeout)

		assert.Eventually(t, func() bool {
			stats, err := engine.GetBookStats(ctx, "BTC-USDT")
			return err == nil && stats.AskOrderCount == 0 && len(syncer.Trades()) == 1
		}, time.Second, 10*time.Millisecond)

		md, err := engine.GetMarketData(ctx, "BTC-USDT")
		require.NoError(t, err)
		assert.Equal(t, "100", md.LastTradePrice.String())

		// resubmitting the same id reports the committed outcome
		res, err := engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
		require.NoError(t, err)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, StatusFilled, res.Taker().Status)
		assert.Never(t, func() bool { return len(syncer.Trades()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	})
}

func TestEngineGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()

	engine := newTestEngine(t,
		WithShards(1),
		WithMaxRetries(2),
		WithFaultHook(func(int) error { return errors.New("always down") }),
		WithBreakerConfig(BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Second}),
	)

	_, err := engine.ProcessOrder(ctx, pairOrder("b1", "1", "BTC-USDT", Buy, "1", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShardFailure)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestEnginePublishesOutput(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryPublishLog()
	syncer := &MemorySyncer{}
	engine := newTestEngine(t, WithPublishLog(feed), WithSyncer(syncer))

	_, err := engine.ProcessOrder(ctx, pairOrder("s1", "1", "BTC-USDT", Sell, "100", "1"))
	require.NoError(t, err)
	_, err = engine.ProcessOrder(ctx, pairOrder("b1", "2", "BTC-USDT", Buy, "100", "1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return feed.Count() == 2 && len(syncer.Trades()) == 1
	}, time.Second, 5*time.Millisecond)

	logs := feed.Logs()
	assert.Equal(t, LogTypeOpen, logs[0].Type)
	assert.Equal(t, LogTypeMatch, logs[1].Type)
	assert.Len(t, syncer.Orders(), 3)
}

func TestEngineExpiresRestingOrders(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryPublishLog()
	engine := newTestEngine(t, WithPublishLog(feed), WithExpiryInterval(10*time.Millisecond))

	o := pairOrder("gtd", "1", "BTC-USDT", Buy, "100", "1")
	o.ExpiresAt = time.Now().Add(50 * time.Millisecond)
	_, err := engine.ProcessOrder(ctx, o)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stats, err := engine.GetBookStats(ctx, "BTC-USDT")
		return err == nil && stats.BidOrderCount == 0
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		logs := feed.Logs()
		return len(logs) == 2 && logs[1].Type == LogTypeExpire
	}, time.Second, 5*time.Millisecond)
}

func TestEngineQueryUnknownPair(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.GetOrderbook(context.Background(), "NONE-USDT", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ShardCoordinator owns the pair -> shard table, the per-shard batchers and breakers,
// and drives every submission to the shard that owns its pair.
type ShardCoordinator struct {
	opts      *engineOptions
	shards    []atomic.Pointer[Shard]
	batchers  []*batcher
	breakers  []*CircuitBreaker
	routes    *routes
	publisher *AsyncPublisher
	balancer  *LoadBalancer
	recovery  *FailureRecovery

	outstanding      sync.Map // BatchTask.ID -> *BatchTask
	outstandingCount atomic.Int64
	migrateMu        sync.Mutex
}

func newShardCoordinator(opts *engineOptions, publisher *AsyncPublisher) *ShardCoordinator {
	n := opts.shards
	c := &ShardCoordinator{
		opts:      opts,
		shards:    make([]atomic.Pointer[Shard], n),
		batchers:  make([]*batcher, n),
		breakers:  make([]*CircuitBreaker, n),
		routes:    newRoutes(n),
		publisher: publisher,
	}

	for i := 0; i < n; i++ {
		id := i
		c.shards[i].Store(newShard(id, opts, publisher))
		c.batchers[i] = newBatcher(id, opts, c.dispatcher(id))

		cb := NewCircuitBreaker(opts.breaker)
		cb.onChange = func(from, to BreakerState) {
			opts.observer.BreakerChanged(id, to)
			logger.Warn("circuit breaker changed state", "shard_id", id, "from", from.String(), "to", to.String())
		}
		c.breakers[i] = cb
	}

	c.balancer = newLoadBalancer(c, opts.balancer)
	c.recovery = newFailureRecovery(c, opts.recovery)
	return c
}

func (c *ShardCoordinator) start() {
	for i := range c.shards {
		go c.shard(i).Start()
		go c.batchers[i].run()
	}
}

func (c *ShardCoordinator) stop(ctx context.Context) error {
	var errs []error
	for _, b := range c.batchers {
		if err := b.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := range c.shards {
		wg.Add(1)
		go func(s *Shard) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shard %d: %w", s.ID(), err))
				mu.Unlock()
			}
		}(c.shard(i))
	}
	wg.Wait()

	return errors.Join(errs...)
}

// NumShards returns the size of the worker pool.
func (c *ShardCoordinator) NumShards() int {
	return len(c.shards)
}

func (c *ShardCoordinator) shard(id int) *Shard {
	return c.shards[id].Load()
}

// Owner returns the shard currently assigned to pair.
func (c *ShardCoordinator) Owner(pair string) (int, bool) {
	id, _, ok := c.routes.lookup(pair)
	return id, ok
}

// Assignments returns a copy of the pair -> shard table.
func (c *ShardCoordinator) Assignments() map[string]int {
	return c.routes.snapshot()
}

// Outstanding returns the number of dispatched batches not yet processed.
func (c *ShardCoordinator) Outstanding() int {
	return int(c.outstandingCount.Load())
}

// OutstandingTasks returns the dispatched batches not yet processed.
func (c *ShardCoordinator) OutstandingTasks() []*BatchTask {
	var tasks []*BatchTask
	c.outstanding.Range(func(_, v any) bool {
		tasks = append(tasks, v.(*BatchTask))
		return true
	})
	return tasks
}

func (c *ShardCoordinator) dispatcher(id int) func(*BatchTask) error {
	return func(task *BatchTask) error {
		c.outstanding.Store(task.ID, task)
		c.outstandingCount.Add(1)
		task.onDone = func() {
			c.outstanding.Delete(task.ID)
			c.outstandingCount.Add(-1)
		}

		s := c.shard(id)
		if err := s.submit(task); err != nil {
			task.onDone()
			return err
		}
		c.opts.observer.QueueDepth(id, len(s.tasks))
		return nil
	}
}

// resolve returns the owner of pair, placing it on a shard the first time it is seen.
func (c *ShardCoordinator) resolve(pair string, place bool) (int, error) {
	if id, paused, ok := c.routes.lookup(pair); ok {
		if paused {
			return id, ErrPairMigrating
		}
		return id, nil
	}
	if !place {
		return 0, ErrNotFound
	}
	return c.place(pair)
}

func (c *ShardCoordinator) place(pair string) (int, error) {
	c.routes.mu.Lock()
	defer c.routes.mu.Unlock()

	if id, ok := c.routes.table.Load().owners[pair]; ok {
		return id, nil
	}

	id, err := c.balancer.SelectShard(pair)
	if err != nil {
		return 0, err
	}
	// The adopt task is queued ahead of any batch that can carry this pair.
	if err := c.shard(id).adoptAsync(pair); err != nil {
		return 0, err
	}
	c.routes.update(func(t *routeTable) {
		t.owners[pair] = id
	})

	logger.Info("pair assigned", "pair", pair, "shard_id", id)
	return id, nil
}

// execute drives one submission to completion, retrying timeouts and shard failures
// on the current owner until the retry budget is spent.
func (c *ShardCoordinator) execute(ctx context.Context, sub *submission) (*MatchResult, error) {
	return c.executeFrom(ctx, sub, 0, nil)
}

func (c *ShardCoordinator) executeFrom(ctx context.Context, sub *submission, first int, lastErr error) (*MatchResult, error) {
	attempts := 1 + c.opts.maxRetries

	for attempt := first; attempt < attempts; attempt++ {
		id, err := c.resolve(sub.pair, sub.kind == opSubmit)
		switch {
		case errors.Is(err, ErrPairMigrating):
			if attempt == 0 {
				return nil, err
			}
			lastErr = err
			if err := c.awaitRoute(ctx); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}

		if c.breakers[id].State() != BreakerClosed {
			c.recovery.Failover(ctx, id)
			lastErr = fmt.Errorf("%w: shard %d", ErrCircuitOpen, id)
			continue
		}

		attemptSub := *sub
		attemptSub.retry = attempt > 0
		res, err := c.dispatchOnce(ctx, id, &attemptSub)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, errNotOwner) {
			lastErr = err
			continue
		}
		if !IsRetryable(err) {
			return res, err
		}

		lastErr = err
		logger.Warn("dispatch failed", "shard_id", id, "pair", sub.pair, "order_id", sub.id(), "attempt", attempt+1, "error", err)
		if c.breakers[id].RecordFailure() {
			c.recovery.Failover(ctx, id)
		}
	}

	if lastErr == nil {
		lastErr = ErrTaskTimeout
	}
	if errors.Is(lastErr, errNotOwner) {
		lastErr = fmt.Errorf("%w: owner of pair kept changing", ErrRouting)
	}
	return nil, fmt.Errorf("%w (gave up after %d attempts)", lastErr, attempts)
}

// executeOrdered enqueues the first attempt of every submission in slice order, so
// submissions of one pair reach their shard in that order, then awaits each one.
// Submissions needing a retry continue through executeFrom.
func (c *ShardCoordinator) executeOrdered(ctx context.Context, subs []*submission) ([]*MatchResult, []error) {
	results := make([]*MatchResult, len(subs))
	errs := make([]error, len(subs))
	owners := make([]int, len(subs))
	replies := make([]chan *MatchResult, len(subs))

	for i, sub := range subs {
		id, err := c.resolve(sub.pair, sub.kind == opSubmit)
		if err == nil && c.breakers[id].State() != BreakerClosed {
			err = fmt.Errorf("%w: shard %d", ErrCircuitOpen, id)
		}
		if err == nil {
			attemptSub := *sub
			attemptSub.reply = make(chan *MatchResult, 1)
			err = c.batchers[id].enqueue(&attemptSub)
			replies[i] = attemptSub.reply
		}
		owners[i] = id
		errs[i] = err
	}

	for i, sub := range subs {
		if errs[i] != nil {
			if errors.Is(errs[i], ErrCircuitOpen) {
				results[i], errs[i] = c.executeFrom(ctx, sub, 1, errs[i])
			}
			continue
		}

		res, err := c.await(ctx, owners[i], replies[i])
		switch {
		case err == nil:
			results[i] = res
		case ctx.Err() != nil, !IsRetryable(err):
			results[i], errs[i] = res, err
		default:
			if !errors.Is(err, errNotOwner) && c.breakers[owners[i]].RecordFailure() {
				c.recovery.Failover(ctx, owners[i])
			}
			results[i], errs[i] = c.executeFrom(ctx, sub, 1, err)
		}
	}
	return results, errs
}

func (c *ShardCoordinator) dispatchOnce(ctx context.Context, id int, sub *submission) (*MatchResult, error) {
	reply := make(chan *MatchResult, 1)
	sub.reply = reply
	if err := c.batchers[id].enqueue(sub); err != nil {
		return nil, err
	}
	return c.await(ctx, id, reply)
}

// await waits for one dispatched submission, bounded by the task timeout.
func (c *ShardCoordinator) await(ctx context.Context, id int, reply chan *MatchResult) (*MatchResult, error) {
	timer := time.NewTimer(c.opts.taskTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		if res.Err != nil && IsRetryable(res.Err) {
			return res, res.Err
		}
		c.breakers[id].RecordSuccess()
		return res, res.Err
	case <-timer.C:
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// awaitRoute waits for the next route table change, bounded by the task timeout.
func (c *ShardCoordinator) awaitRoute(ctx context.Context) error {
	timer := time.NewTimer(c.opts.taskTimeout)
	defer timer.Stop()

	select {
	case <-c.routes.wait():
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// MigratePair moves the book of pair to shard to. New orders for the pair are rejected
// with ErrPairMigrating until the move completes; queued ones are flushed to the source first.
func (c *ShardCoordinator) MigratePair(ctx context.Context, pair string, to int, reason string) error {
	if to < 0 || to >= len(c.shards) {
		return ErrInvalidParam
	}

	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()

	from, _, ok := c.routes.lookup(pair)
	if !ok {
		return ErrNotFound
	}
	if from == to {
		return nil
	}

	c.routes.setPaused(pair, true)
	moved := false
	defer func() {
		if !moved {
			c.routes.setPaused(pair, false)
		}
	}()

	if err := c.batchers[from].flush(ctx); err != nil {
		return fmt.Errorf("%w: flush shard %d: %v", ErrTimeout, from, err)
	}

	book, err := c.shard(from).release(ctx, pair)
	switch {
	case errors.Is(err, ErrTimeout):
		// the release was withdrawn, so the source still holds the book
		return fmt.Errorf("release from shard %d: %w", from, err)
	case err != nil:
		logger.Error("source shard did not release book, starting empty", "pair", pair, "from", from, "to", to, "error", err)
		book = nil
	}

	if err := c.shard(to).adopt(ctx, pair, book); err != nil {
		if book != nil {
			timeout := c.opts.recovery.MigrationTimeout
			if timeout <= 0 {
				timeout = DefaultRecoveryConfig().MigrationTimeout
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			rerr := c.shard(from).adopt(rctx, pair, book)
			cancel()
			if rerr != nil {
				logger.Error("book could not be returned to source shard", "pair", pair, "from", from, "error", rerr)
			}
		}
		return err
	}

	c.routes.move(pair, to)
	moved = true
	c.opts.observer.PairMigrated(reason)
	logger.Info("pair migrated", "pair", pair, "from", from, "to", to, "reason", reason)
	return nil
}

// queryBook runs fn against the book of pair on its owning shard.
func (c *ShardCoordinator) queryBook(ctx context.Context, pair string, fn func(*OrderBook) any) (any, error) {
	attempts := 1 + c.opts.maxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		id, ok := c.Owner(pair)
		if !ok {
			return nil, ErrNotFound
		}

		value, err := c.shard(id).query(ctx, func(books map[string]*OrderBook) any {
			book, ok := books[pair]
			if !ok {
				return errNotOwner
			}
			return fn(book)
		})
		if err != nil {
			return nil, err
		}
		if value == errNotOwner {
			if err := c.awaitRoute(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return value, nil
	}
	return nil, fmt.Errorf("%w: owner of pair kept changing", ErrRouting)
}

// pairActivity returns the operation count of every book on shard id.
func (c *ShardCoordinator) pairActivity(ctx context.Context, id int) (map[string]uint64, error) {
	value, err := c.shard(id).query(ctx, func(books map[string]*OrderBook) any {
		out := make(map[string]uint64, len(books))
		for pair, book := range books {
			out[pair] = book.ops
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]uint64), nil
}

// replaceShard starts a fresh worker for id and retires the old one.
func (c *ShardCoordinator) replaceShard(ctx context.Context, id int) {
	fresh := newShard(id, c.opts, c.publisher)
	go fresh.Start()
	old := c.shards[id].Swap(fresh)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := old.Shutdown(ctx); err != nil {
			logger.Error("retired shard did not stop", "shard_id", id, "error", err)
		}
	}()
	logger.Info("replacement shard started", "shard_id", id)
}

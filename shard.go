package match

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ShardHealth is the health classification of a shard.
type ShardHealth int32

const (
	ShardHealthy ShardHealth = iota
	ShardOverloaded
	ShardFailed
	ShardRecovering
)

func (h ShardHealth) String() string {
	switch h {
	case ShardHealthy:
		return "healthy"
	case ShardOverloaded:
		return "overloaded"
	case ShardFailed:
		return "failed"
	case ShardRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval = time.Second
	ewmaAlpha         = 0.2
)

type taskKind uint8

const (
	taskBatch taskKind = iota
	taskRelease
	taskAdopt
	taskQuery
	taskProbe
)

type shardTask struct {
	kind  taskKind
	batch *BatchTask
	pair  string
	book  *OrderBook
	query func(books map[string]*OrderBook) any
	reply chan shardReply
	state atomic.Int32 // taskPending, taskClaimed or taskAbandoned
}

const (
	taskPending int32 = iota
	taskClaimed
	taskAbandoned
)

// claim marks the task as taken by the worker. It fails once the caller gave up.
func (t *shardTask) claim() bool {
	return t.state.CompareAndSwap(taskPending, taskClaimed)
}

// abandon withdraws the task. It fails once the worker claimed it.
func (t *shardTask) abandon() bool {
	return t.state.CompareAndSwap(taskPending, taskAbandoned)
}

type shardReply struct {
	book  *OrderBook
	value any
	err   error
}

// Shard is a worker goroutine that exclusively owns the order books of its pairs.
// Everything reaches it through its task queue; books enter and leave only as messages.
type Shard struct {
	id        int
	tasks     chan *shardTask
	books     map[string]*OrderBook
	bookOpts  []OrderBookOption
	faultHook FaultHook
	onUpdate  func(*MatchResult)
	publisher *AsyncPublisher
	observer  Observer
	expiry    time.Duration

	pending   atomic.Int64  // orders queued or being matched
	latency   atomic.Int64  // EWMA of per-order match latency in ns
	errorRate atomic.Uint64 // EWMA of batch failures, float64 bits
	heartbeat atomic.Int64  // unix nano of the last loop iteration
	pairs     atomic.Int32

	done             chan struct{}
	shutdownComplete chan struct{}
	isShutdown       atomic.Bool
}

func newShard(id int, opts *engineOptions, publisher *AsyncPublisher) *Shard {
	s := &Shard{
		id:               id,
		tasks:            make(chan *shardTask, opts.inboxSize),
		books:            make(map[string]*OrderBook),
		bookOpts:         opts.bookOpts,
		faultHook:        opts.faultHook,
		onUpdate:         opts.onBookUpdate,
		publisher:        publisher,
		observer:         opts.observer,
		expiry:           opts.expiryInterval,
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
	}
	s.heartbeat.Store(time.Now().UnixNano())
	return s
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.id
}

// Start runs the worker loop until Shutdown. It blocks, so run it in its own goroutine.
func (s *Shard) Start() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	expiry := time.NewTicker(s.expiry)
	defer expiry.Stop()

	for {
		select {
		case <-s.done:
			s.drain()
			return
		case task := <-s.tasks:
			s.handle(task)
		case <-heartbeat.C:
		case now := <-expiry.C:
			s.expireOrders(now)
		}
		s.heartbeat.Store(time.Now().UnixNano())
	}
}

// Shutdown stops the worker after it handles every queued task.
func (s *Shard) Shutdown(ctx context.Context) error {
	if s.isShutdown.CompareAndSwap(false, true) {
		close(s.done)
	}

	select {
	case <-s.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) drain() {
	defer close(s.shutdownComplete)

	for {
		select {
		case task := <-s.tasks:
			s.handle(task)
		default:
			return
		}
	}
}

// submit queues a batch without blocking.
func (s *Shard) submit(task *BatchTask) error {
	if s.isShutdown.Load() {
		return ErrShardStopped
	}

	s.pending.Add(int64(len(task.items)))
	select {
	case s.tasks <- &shardTask{kind: taskBatch, batch: task}:
		return nil
	default:
		s.pending.Add(-int64(len(task.items)))
		return ErrQueueFull
	}
}

// call queues a control task and waits for its reply.
func (s *Shard) call(ctx context.Context, task *shardTask) (shardReply, error) {
	if s.isShutdown.Load() {
		return shardReply{}, ErrShardStopped
	}

	task.reply = make(chan shardReply, 1)
	select {
	case s.tasks <- task:
	case <-s.done:
		return shardReply{}, ErrShardStopped
	case <-ctx.Done():
		return shardReply{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	select {
	case reply := <-task.reply:
		return reply, reply.err
	case <-s.shutdownComplete:
		// drain may have answered just before completing
		select {
		case reply := <-task.reply:
			return reply, reply.err
		default:
			return shardReply{}, ErrShardStopped
		}
	case <-ctx.Done():
		if task.abandon() {
			return shardReply{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		// the worker already took the task; its outcome stands
		reply := <-task.reply
		return reply, reply.err
	}
}

// release hands the book of pair back to the caller; the shard stops owning it.
// A nil book means the shard did not own the pair.
func (s *Shard) release(ctx context.Context, pair string) (*OrderBook, error) {
	reply, err := s.call(ctx, &shardTask{kind: taskRelease, pair: pair})
	return reply.book, err
}

// adopt makes the shard the owner of pair. A nil book starts an empty one.
func (s *Shard) adopt(ctx context.Context, pair string, book *OrderBook) error {
	_, err := s.call(ctx, &shardTask{kind: taskAdopt, pair: pair, book: book})
	return err
}

// adoptAsync queues an adopt task without waiting. Tasks behind it see the pair as owned.
func (s *Shard) adoptAsync(pair string) error {
	if s.isShutdown.Load() {
		return ErrShardStopped
	}
	select {
	case s.tasks <- &shardTask{kind: taskAdopt, pair: pair}:
		return nil
	default:
		return ErrQueueFull
	}
}

// query runs fn on the shard goroutine.
func (s *Shard) query(ctx context.Context, fn func(books map[string]*OrderBook) any) (any, error) {
	reply, err := s.call(ctx, &shardTask{kind: taskQuery, query: fn})
	return reply.value, err
}

// probe round-trips a health check through the worker, including the fault hook.
func (s *Shard) probe(ctx context.Context) error {
	_, err := s.call(ctx, &shardTask{kind: taskProbe})
	return err
}

func (s *Shard) handle(task *shardTask) {
	switch task.kind {
	case taskBatch:
		s.runBatch(task.batch)
	case taskRelease:
		if !task.claim() {
			return
		}
		book := s.books[task.pair]
		if book != nil {
			delete(s.books, task.pair)
			s.pairs.Add(-1)
		}
		task.reply <- shardReply{book: book}
	case taskAdopt:
		if !task.claim() {
			return
		}
		if _, ok := s.books[task.pair]; !ok {
			book := task.book
			if book == nil {
				book = NewOrderBook(task.pair, s.bookOpts...)
			}
			s.books[task.pair] = book
			s.pairs.Add(1)
		}
		if task.reply != nil {
			task.reply <- shardReply{}
		}
	case taskQuery:
		task.reply <- s.runQuery(task.query)
	case taskProbe:
		task.reply <- shardReply{err: s.checkFault()}
	}
}

func (s *Shard) runQuery(fn func(map[string]*OrderBook) any) (reply shardReply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("shard query panicked", "shard_id", s.id, "panic", r)
			reply = shardReply{err: fmt.Errorf("%w: %v", ErrShardPanic, r)}
		}
	}()
	return shardReply{value: fn(s.books)}
}

func (s *Shard) checkFault() error {
	if s.faultHook == nil {
		return nil
	}
	if err := s.faultHook(s.id); err != nil {
		return fmt.Errorf("%w: %v", ErrShardFailure, err)
	}
	return nil
}

func (s *Shard) runBatch(task *BatchTask) {
	start := time.Now()
	size := len(task.items)
	defer func() {
		s.pending.Add(-int64(size))
		if task.onDone != nil {
			task.onDone()
		}
	}()

	if err := s.checkFault(); err != nil {
		for _, sub := range task.items {
			sub.respond(&MatchResult{OrderID: sub.id(), Pair: sub.pair, ShardID: s.id, Err: err})
			s.observer.OrderProcessed(s.id, "error")
		}
		s.recordOutcome(time.Since(start), size, true)
		logger.Warn("shard batch failed", "shard_id", s.id, "task_id", task.ID, "size", size, "error", err)
		return
	}

	failed := false
	for _, sub := range task.items {
		result := s.apply(sub)
		if result.Err != nil && IsRetryable(result.Err) && result.Err != errNotOwner {
			failed = true
		}
		s.observer.OrderProcessed(s.id, outcome(result))
		sub.respond(result)
	}

	elapsed := time.Since(start)
	s.recordOutcome(elapsed, size, failed)
	s.observer.BatchProcessed(s.id, size, elapsed)
}

// apply runs one submission against its book. A panic fails only this submission.
func (s *Shard) apply(sub *submission) (result *MatchResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("shard recovered from panic", "shard_id", s.id, "pair", sub.pair, "order_id", sub.id(), "panic", r)
			result = &MatchResult{OrderID: sub.id(), Pair: sub.pair, ShardID: s.id, Err: fmt.Errorf("%w: %v", ErrShardPanic, r)}
		}
	}()

	book, ok := s.books[sub.pair]
	if !ok {
		return &MatchResult{OrderID: sub.id(), Pair: sub.pair, ShardID: s.id, Err: errNotOwner}
	}

	var res *MatchResult
	switch sub.kind {
	case opCancel:
		order, err := book.Cancel(sub.orderID)
		if err == ErrOrderNotFound && sub.retry {
			if prev, ok := book.Cancelled(sub.orderID); ok {
				order, err = prev, nil
			}
		}
		res = &MatchResult{OrderID: sub.orderID, Pair: sub.pair, Err: err}
		if order != nil {
			res.UpdatedOrders = []*Order{order}
		}
	default:
		res = book.Submit(sub.order)
	}

	if logs := book.DrainLogs(); len(logs) > 0 {
		s.committed(logs, res)
	}

	// Results may be cached by the book; hand out a copy carrying this shard's id.
	out := *res
	out.ShardID = s.id
	return &out
}

func (s *Shard) expireOrders(now time.Time) {
	for _, book := range s.books {
		expired := book.ExpireOrders(now)
		if len(expired) == 0 {
			continue
		}
		s.committed(book.DrainLogs(), &MatchResult{Pair: book.Pair(), ShardID: s.id, UpdatedOrders: expired})
		logger.Debug("expired resting orders", "shard_id", s.id, "pair", book.Pair(), "count", len(expired))
	}
}

// committed hands a book change to the engine and the publisher.
func (s *Shard) committed(logs []*BookLog, res *MatchResult) {
	if s.onUpdate != nil {
		s.onUpdate(res)
	}
	if s.publisher != nil {
		s.publisher.Enqueue(logs, res)
	}
}

func (s *Shard) recordOutcome(elapsed time.Duration, size int, failed bool) {
	if size > 0 {
		perOrder := float64(elapsed.Nanoseconds()) / float64(size)
		prev := float64(s.latency.Load())
		s.latency.Store(int64(ewma(prev, perOrder)))
	}

	sample := 0.0
	if failed {
		sample = 1.0
	}
	prev := math.Float64frombits(s.errorRate.Load())
	s.errorRate.Store(math.Float64bits(ewma(prev, sample)))
}

func ewma(prev, sample float64) float64 {
	return prev + ewmaAlpha*(sample-prev)
}

// Load returns the number of orders queued on or being matched by the shard.
func (s *Shard) Load() int64 {
	return s.pending.Load()
}

// AvgLatency returns the moving average of per-order match latency.
func (s *Shard) AvgLatency() time.Duration {
	return time.Duration(s.latency.Load())
}

// ErrorRate returns the moving average of failed batches in [0, 1].
func (s *Shard) ErrorRate() float64 {
	return math.Float64frombits(s.errorRate.Load())
}

// LastHeartbeat returns when the worker loop last ran.
func (s *Shard) LastHeartbeat() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

// PairCount returns the number of books the shard owns.
func (s *Shard) PairCount() int {
	return int(s.pairs.Load())
}

func outcome(r *MatchResult) string {
	if r.Err != nil {
		return "error"
	}
	taker := r.Taker()
	if taker == nil {
		return "unknown"
	}
	if r.RejectReason != RejectReasonNone && len(r.Trades) == 0 {
		return "rejected"
	}
	return string(taker.Status)
}

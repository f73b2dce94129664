package match

import (
	"context"
	"time"

	"github.com/rs/xid"
)

type opKind uint8

const (
	opSubmit opKind = iota
	opCancel
)

// submission is one order or cancel travelling through a batcher to a shard.
type submission struct {
	kind    opKind
	pair    string
	order   *Order
	orderID string
	retry   bool
	reply   chan *MatchResult
}

func (s *submission) id() string {
	if s.order != nil {
		return s.order.ID
	}
	return s.orderID
}

// respond delivers the result unless the waiter already gave up on this attempt.
func (s *submission) respond(r *MatchResult) {
	select {
	case s.reply <- r:
	default:
	}
}

// BatchTask is a group of submissions dispatched to one shard in a single message.
type BatchTask struct {
	ID          string
	ShardID     int
	SubmittedAt time.Time
	Retries     int // Resubmitted entries carried by this batch

	items  []*submission
	onDone func()
}

// Len returns the number of submissions in the batch.
func (t *BatchTask) Len() int {
	return len(t.items)
}

// batcher accumulates submissions for one shard and flushes them when the batch
// is full or its window elapses. Submission order is preserved.
type batcher struct {
	shardID  int
	inbox    chan *submission
	flushReq chan chan struct{}
	size     int
	window   time.Duration
	dispatch func(*BatchTask) error

	done    chan struct{}
	stopped chan struct{}
}

func newBatcher(shardID int, opts *engineOptions, dispatch func(*BatchTask) error) *batcher {
	return &batcher{
		shardID:  shardID,
		inbox:    make(chan *submission, opts.inboxSize),
		flushReq: make(chan chan struct{}),
		size:     opts.batchSize,
		window:   opts.batchWindow,
		dispatch: dispatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// enqueue adds a submission without blocking.
func (b *batcher) enqueue(sub *submission) error {
	select {
	case <-b.done:
		return ErrShutdown
	default:
	}

	select {
	case b.inbox <- sub:
		return nil
	default:
		return ErrQueueFull
	}
}

// flush dispatches everything enqueued so far and returns once it is on the shard queue.
func (b *batcher) flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *batcher) stop(ctx context.Context) error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}

	select {
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *batcher) run() {
	defer close(b.stopped)

	buf := make([]*submission, 0, b.size)
	timer := time.NewTimer(b.window)
	timer.Stop()
	var timerC <-chan time.Time

	send := func() {
		if timerC != nil {
			timer.Stop()
			timerC = nil
		}
		if len(buf) == 0 {
			return
		}
		b.send(buf)
		buf = make([]*submission, 0, b.size)
	}

	drainInbox := func() {
		for {
			select {
			case sub := <-b.inbox:
				buf = append(buf, sub)
				if len(buf) >= b.size {
					send()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case sub := <-b.inbox:
			buf = append(buf, sub)
			if len(buf) >= b.size {
				send()
			} else if timerC == nil {
				timer.Reset(b.window)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			send()
		case ack := <-b.flushReq:
			drainInbox()
			send()
			close(ack)
		case <-b.done:
			drainInbox()
			send()
			return
		}
	}
}

func (b *batcher) send(items []*submission) {
	task := &BatchTask{
		ID:          xid.New().String(),
		ShardID:     b.shardID,
		SubmittedAt: time.Now(),
		items:       items,
	}
	for _, sub := range items {
		if sub.retry {
			task.Retries++
		}
	}

	if err := b.dispatch(task); err != nil {
		for _, sub := range items {
			sub.respond(&MatchResult{OrderID: sub.id(), Pair: sub.pair, ShardID: b.shardID, Err: err})
		}
	}
}

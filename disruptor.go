package match

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrDisruptorTimeout is returned when shutdown times out
var ErrDisruptorTimeout = errors.New("disruptor: shutdown timeout")

// EventHandler consumes events drained from a RingBuffer.
type EventHandler[T any] interface {
	OnEvent(event T)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[T any] func(event T)

// OnEvent calls f(event).
func (f EventHandlerFunc[T]) OnEvent(event T) {
	f(event)
}

// RingBuffer is a multi-producer single-consumer ring.
// Shard workers produce; one goroutine drains into the handler.
type RingBuffer[T any] struct {
	_                [56]byte
	producerSequence atomic.Int64
	_                [56]byte
	consumerSequence atomic.Int64
	_                [56]byte

	buffer     []T
	bufferMask int64
	capacity   int64

	// published[i] holds the sequence whose write into buffer[i] completed.
	published []int64

	handler    EventHandler[T]
	isShutdown atomic.Bool
	stopped    chan struct{}
}

// NewRingBuffer creates a ring of the given capacity, which must be a power of two.
func NewRingBuffer[T any](capacity int64, handler EventHandler[T]) *RingBuffer[T] {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		panic("size must be a power of 2")
	}

	rb := &RingBuffer[T]{
		buffer:     make([]T, capacity),
		published:  make([]int64, capacity),
		capacity:   capacity,
		bufferMask: capacity - 1,
		handler:    handler,
		stopped:    make(chan struct{}),
	}

	rb.producerSequence.Store(-1)
	rb.consumerSequence.Store(-1)
	for i := range rb.published {
		atomic.StoreInt64(&rb.published[i], -1)
	}

	return rb
}

// Publish claims a slot, spinning while the ring is full. Safe for multiple producers.
func (rb *RingBuffer[T]) Publish(event T) {
	for {
		err := rb.TryPublish(event)
		if err == nil || errors.Is(err, ErrShutdown) {
			return
		}
		runtime.Gosched()
	}
}

// TryPublish claims a slot without waiting for the consumer.
// It returns ErrDisruptorFull when the ring has no free slot.
func (rb *RingBuffer[T]) TryPublish(event T) error {
	if rb.isShutdown.Load() {
		return ErrShutdown
	}

	var nextSeq int64
	for {
		current := rb.producerSequence.Load()
		nextSeq = current + 1

		if nextSeq-rb.capacity > rb.consumerSequence.Load() {
			return ErrDisruptorFull
		}
		if rb.producerSequence.CompareAndSwap(current, nextSeq) {
			break
		}
	}

	index := nextSeq & rb.bufferMask
	rb.buffer[index] = event
	atomic.StoreInt64(&rb.published[index], nextSeq)
	return nil
}

// Start launches the consumer goroutine.
func (rb *RingBuffer[T]) Start() {
	go rb.consumerLoop()
}

// Shutdown stops accepting events and waits until every claimed event was handled.
func (rb *RingBuffer[T]) Shutdown(ctx context.Context) error {
	rb.isShutdown.Store(true)

	select {
	case <-rb.stopped:
		return nil
	case <-ctx.Done():
		return ErrDisruptorTimeout
	}
}

func (rb *RingBuffer[T]) consumerLoop() {
	defer close(rb.stopped)

	next := rb.consumerSequence.Load() + 1
	idle := 0

	for {
		shutdown := rb.isShutdown.Load()
		available := rb.producerSequence.Load()

		if next > available {
			if shutdown {
				return
			}
			// Back off once the ring has been idle for a while.
			idle++
			if idle > 64 {
				time.Sleep(50 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
			continue
		}

		idle = 0
		for next <= available {
			next = rb.consume(next)
		}
	}
}

func (rb *RingBuffer[T]) consume(seq int64) int64 {
	index := seq & rb.bufferMask
	for atomic.LoadInt64(&rb.published[index]) != seq {
		runtime.Gosched()
	}

	event := rb.buffer[index]
	var zero T
	rb.buffer[index] = zero
	rb.handler.OnEvent(event)

	rb.consumerSequence.Store(seq)
	return seq + 1
}

// ConsumerSequence returns the last handled sequence.
func (rb *RingBuffer[T]) ConsumerSequence() int64 {
	return rb.consumerSequence.Load()
}

// ProducerSequence returns the last claimed sequence.
func (rb *RingBuffer[T]) ProducerSequence() int64 {
	return rb.producerSequence.Load()
}

// GetPendingEvents returns claimed but unhandled events.
func (rb *RingBuffer[T]) GetPendingEvents() int64 {
	return rb.producerSequence.Load() - rb.consumerSequence.Load()
}

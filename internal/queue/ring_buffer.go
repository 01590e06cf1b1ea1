// Package queue provides a bounded, thread-safe FIFO used to decouple
// signal intake from processing.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when nothing arrives in time.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned once a closed queue is drained.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is the capacity used when NewRingBuffer gets a non-positive size.
const DefaultSize = 10000

// RingBuffer is a fixed-capacity circular buffer. Push never blocks; a full
// buffer drops the item and counts it.
type RingBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	count  int
	closed bool

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a buffer holding at most size items.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}
	rb := &RingBuffer[T]{items: make([]T, size)}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends v. It returns ErrQueueFull or ErrQueueClosed without blocking.
func (rb *RingBuffer[T]) Push(v T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == len(rb.items) {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.items[(rb.head+rb.count)%len(rb.items)] = v
	rb.count++
	rb.pushed.Add(1)
	rb.cond.Signal()
	return nil
}

// Pop removes the oldest item, or returns ErrQueueEmpty.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		if rb.closed {
			return zero, ErrQueueClosed
		}
		return zero, ErrQueueEmpty
	}
	return rb.takeLocked(), nil
}

// PopContext waits for an item until ctx is done. Items still buffered
// after Close are returned before ErrQueueClosed.
func (rb *RingBuffer[T]) PopContext(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for rb.count == 0 {
		if rb.closed {
			return zero, ErrQueueClosed
		}
		if ctx.Err() != nil {
			return zero, ErrQueueEmpty
		}
		rb.cond.Wait()
	}
	return rb.takeLocked(), nil
}

// PopWithTimeout waits at most timeout for an item.
func (rb *RingBuffer[T]) PopWithTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rb.PopContext(ctx)
}

func (rb *RingBuffer[T]) takeLocked() T {
	var zero T
	v := rb.items[rb.head]
	rb.items[rb.head] = zero
	rb.head = (rb.head + 1) % len(rb.items)
	rb.count--
	rb.popped.Add(1)
	return v
}

// Len returns the number of buffered items.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.items)
}

// Close rejects further pushes and wakes every waiting consumer.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}

// Metrics holds queue statistics.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

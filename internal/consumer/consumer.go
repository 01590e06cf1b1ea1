// Package consumer drains a queue with a fixed pool of workers.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-soar/internal/queue"
)

// Config holds the worker pool configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// ProcessFunc handles one queued item.
type ProcessFunc[T any] func(ctx context.Context, item T) error

// Consumer pops items from a ring buffer and hands them to a ProcessFunc.
type Consumer[T any] struct {
	queue   *queue.RingBuffer[T]
	process ProcessFunc[T]
	config  Config

	wg     sync.WaitGroup
	cancel context.CancelFunc

	consumed atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer.
func New[T any](q *queue.RingBuffer[T], process ProcessFunc[T], cfg Config) *Consumer[T] {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}
	return &Consumer[T]{queue: q, process: process, config: cfg}
}

// Start starts the workers. They run until Stop is called, ctx is
// cancelled, or the queue is closed and drained.
func (c *Consumer[T]) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	slog.Info("queue consumer started", "workers", c.config.Workers)
}

func (c *Consumer[T]) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		pollCtx, cancel := context.WithTimeout(ctx, c.config.PollInterval)
		item, err := c.queue.PopContext(pollCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrQueueClosed):
				slog.Debug("consumer worker stopping (closed)", "worker_id", id)
				return
			case ctx.Err() != nil:
				slog.Debug("consumer worker stopping (context)", "worker_id", id)
				return
			case errors.Is(err, queue.ErrQueueEmpty):
				continue
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		if err := c.safeProcess(ctx, item); err != nil {
			slog.Error("failed to process item", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}
		c.consumed.Add(1)
	}
}

func (c *Consumer[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("consumer process panicked", "panic", r)
			err = errors.New("consumer: process panicked")
		}
	}()
	return c.process(ctx, item)
}

// Stop closes the queue, lets workers drain it, and waits up to
// ShutdownWait before cancelling them.
func (c *Consumer[T]) Stop() {
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out")
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Metrics returns consumer statistics.
func (c *Consumer[T]) Metrics() Metrics {
	return Metrics{
		Consumed: c.consumed.Load(),
		Errors:   c.errors.Load(),
	}
}

// Metrics holds consumer statistics.
type Metrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}

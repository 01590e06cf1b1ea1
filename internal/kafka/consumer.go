package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"boundary-soar/internal/signal"
)

// MessageHandler processes one consumed message. Returning nil commits the
// message; an error wrapping ErrInvalidMessage commits and skips it; any
// other error leaves it uncommitted and backs off.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the signals topic as part of a consumer group.
type Consumer struct {
	reader  messageReader
	handler MessageHandler
	topic   string
	backoff time.Duration

	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	skipped  atomic.Int64
	closed   atomic.Bool
}

// NewConsumer creates a consumer for cfg.SignalsTopic.
func NewConsumer(cfg Config, handler MessageHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SignalsTopic == "" {
		return nil, errors.New("kafka: signals topic is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.SignalsTopic,
		Dialer:         dialer,
		MinBytes:       cfg.ConsumerMinBytes,
		MaxBytes:       cfg.ConsumerMaxBytes,
		MaxWait:        cfg.ConsumerMaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		SessionTimeout: cfg.SessionTimeout,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	slog.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.SignalsTopic,
		"group", cfg.ConsumerGroup,
	)
	return newConsumer(reader, cfg.SignalsTopic, handler, cfg.RetryBackoff), nil
}

func newConsumer(reader messageReader, topic string, handler MessageHandler, backoff time.Duration) *Consumer {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Consumer{reader: reader, handler: handler, topic: topic, backoff: backoff}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			slog.Error("failed to fetch message", "topic", c.topic, "error", err)
			if !c.wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = c.handler(ctx, msg)
		switch {
		case err == nil:
			c.messages.Add(1)
			c.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
		case errors.Is(err, ErrInvalidMessage):
			c.skipped.Add(1)
			slog.Warn("skipping invalid message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		default:
			c.errors.Add(1)
			slog.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			if !c.wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	slog.Info("stopping kafka consumer", "messages", c.messages.Load())
	return c.reader.Close()
}

// Metrics returns consumer counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errors.Load(),
		Skipped:  c.skipped.Load(),
	}
}

// SignalHandler decodes a JSON threat signal and hands it to submit.
// Undecodable payloads and errors matched by permanent are skipped; other
// submit errors, such as a full queue, are retried.
func SignalHandler(submit func(signal.ThreatSignal) error, permanent ...error) MessageHandler {
	return func(_ context.Context, msg kafka.Message) error {
		var sig signal.ThreatSignal
		if err := json.Unmarshal(msg.Value, &sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if sig.ID == "" && len(msg.Key) > 0 {
			sig.ID = string(msg.Key)
		}
		if err := submit(sig); err != nil {
			for _, p := range permanent {
				if errors.Is(err, p) {
					return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
				}
			}
			return err
		}
		return nil
	}
}

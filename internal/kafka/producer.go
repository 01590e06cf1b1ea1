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

	"boundary-soar/internal/consumer"
	"boundary-soar/internal/correlation"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/queue"
)

// Event is the envelope written to the events topic.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes events asynchronously. Publish only enqueues; a small
// worker pool writes to Kafka with retries.
type Producer struct {
	writer     messageWriter
	topic      string
	maxRetries int
	backoff    time.Duration

	buffer  *queue.RingBuffer[kafka.Message]
	workers *consumer.Consumer[kafka.Message]
	now     func() time.Time

	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	retries  atomic.Int64
	closed   atomic.Bool
}

// NewProducer creates a producer for cfg.EventsTopic.
func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events topic is required")
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	slog.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"compression", cfg.CompressionType,
	)
	return newProducer(writer, cfg), nil
}

func newProducer(w messageWriter, cfg Config) *Producer {
	p := &Producer{
		writer:     w,
		topic:      cfg.EventsTopic,
		maxRetries: cfg.ProducerMaxRetries,
		backoff:    cfg.ProducerRetryBackoff,
		buffer:     queue.NewRingBuffer[kafka.Message](cfg.ProducerBuffer),
		now:        time.Now,
	}
	p.workers = consumer.New(p.buffer, p.produce, consumer.Config{Workers: 2})
	return p
}

// Start starts the writer workers.
func (p *Producer) Start(ctx context.Context) {
	p.workers.Start(ctx)
}

// Publish enqueues an event keyed by id.
func (p *Producer) Publish(eventType, id string, data any) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal %s: %w", eventType, err)
	}
	value, err := json.Marshal(Event{Type: eventType, ID: id, Timestamp: p.now().UTC(), Data: payload})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:     []byte(id),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	}
	if err := p.buffer.Push(msg); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return ErrProducerClosed
		}
		return ErrBufferFull
	}
	return nil
}

func (p *Producer) produce(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	backoff := p.backoff

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.messages.Add(1)
			p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			return nil
		}

		lastErr = err
		slog.Warn("kafka produce failed",
			"topic", p.topic,
			"attempt", attempt+1,
			"error", err,
		)
		if isNonRetryableError(err) {
			break
		}
	}

	p.errors.Add(1)
	return fmt.Errorf("kafka: produce %s: %w", msg.Key, lastErr)
}

// CorrelationHandler publishes every correlation the engine emits.
func (p *Producer) CorrelationHandler() correlation.Handler {
	return func(_ context.Context, c *correlation.Correlation) {
		if err := p.Publish("correlation", c.ID, c); err != nil {
			slog.Warn("failed to publish correlation", "id", c.ID, "error", err)
		}
	}
}

// IncidentHandler publishes incident lifecycle events as "incident.<event>".
func (p *Producer) IncidentHandler() incident.Handler {
	return func(_ context.Context, event string, inc *incident.Incident) {
		if err := p.Publish("incident."+event, inc.ID, inc); err != nil {
			slog.Warn("failed to publish incident", "id", inc.ID, "event", event, "error", err)
		}
	}
}

// Metrics returns producer counters.
func (p *Producer) Metrics() Metrics {
	return Metrics{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Skipped:  int64(p.buffer.Metrics().Dropped),
		Retries:  p.retries.Load(),
	}
}

// Close drains buffered events and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.workers.Stop()
	slog.Info("closing kafka producer", "messages", p.messages.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}

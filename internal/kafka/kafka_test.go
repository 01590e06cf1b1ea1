package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topics", func(c *Config) { c.SignalsTopic, c.EventsTopic = "", "" }, true},
		{"events only", func(c *Config) { c.SignalsTopic, c.ConsumerGroup = "", "" }, false},
		{"signals without group", func(c *Config) { c.ConsumerGroup = "" }, true},
		{"invalid protocol", func(c *Config) { c.SecurityProtocol = "QUIC" }, true},
		{"sasl without credentials", func(c *Config) {
			c.SecurityProtocol = "SASL_SSL"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"sasl bad mechanism", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "GSSAPI"
			c.SASLUsername, c.SASLPassword = "u", "p"
		}, true},
		{"sasl scram", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "SCRAM-SHA-512"
			c.SASLUsername, c.SASLPassword = "u", "p"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
		"none":   0,
	}
	for name, want := range tests {
		cfg := Config{CompressionType: name}
		if got := cfg.GetCompression(); got != want {
			t.Errorf("GetCompression(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "SCRAM-SHA-256"
	cfg.SASLUsername, cfg.SASLPassword = "soar", "secret"

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("Timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
	if dialer.TLS == nil || dialer.SASLMechanism == nil {
		t.Error("GetDialer() did not configure TLS and SASL")
	}

	cfg.TLSCAFile = t.TempDir() + "/missing.pem"
	if _, err := cfg.GetDialer(); err == nil {
		t.Error("GetDialer() error = nil for a missing CA file")
	}
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{pending: msgs, drained: make(chan struct{})}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		msg := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return msg, nil
	}
	select {
	case <-f.drained:
	default:
		close(f.drained)
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestConsumer_SignalFeed(t *testing.T) {
	errRejected := errors.New("rejected")
	errBusy := errors.New("busy")

	msgs := []kafka.Message{
		{Offset: 1, Value: []byte(`{"id":"s1","threat_type":"card_testing","ip_address":"1.1.1.1"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Key: []byte("keyed"), Value: []byte(`{"threat_type":"brute_force","user_id":"u"}`)},
		{Offset: 4, Value: []byte(`{"id":"bad","threat_type":"x"}`)},
		{Offset: 5, Value: []byte(`{"id":"busy","threat_type":"brute_force"}`)},
	}
	reader := newFakeReader(msgs...)

	var mu sync.Mutex
	var submitted []string
	submit := func(sig signal.ThreatSignal) error {
		switch sig.ID {
		case "bad":
			return errRejected
		case "busy":
			return errBusy
		}
		mu.Lock()
		submitted = append(submitted, sig.ID)
		mu.Unlock()
		return nil
	}

	c := newConsumer(reader, "soar-signals", SignalHandler(submit, errRejected), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	if len(submitted) != 2 || submitted[0] != "s1" || submitted[1] != "keyed" {
		t.Errorf("submitted = %v, want [s1 keyed]", submitted)
	}
	// offset 5 failed transiently and stays uncommitted
	wantCommitted := []int64{1, 2, 3, 4}
	if len(reader.committed) != len(wantCommitted) {
		t.Fatalf("committed = %v, want %v", reader.committed, wantCommitted)
	}
	for i := range wantCommitted {
		if reader.committed[i] != wantCommitted[i] {
			t.Errorf("committed = %v, want %v", reader.committed, wantCommitted)
		}
	}

	m := c.Metrics()
	if m.Messages != 2 || m.Skipped != 2 || m.Errors != 1 {
		t.Errorf("Metrics() = %+v, want 2 messages, 2 skipped, 1 error", m)
	}
}

type fakeWriter struct {
	mu       sync.Mutex
	written  []kafka.Message
	failures int
	err      error
	calls    int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func testProducerConfig() Config {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	cfg.ProducerMaxRetries = 2
	cfg.ProducerBuffer = 16
	return cfg
}

func TestProducer_PublishesDomainEvents(t *testing.T) {
	w := &fakeWriter{failures: 1, err: errors.New("leader not available")}
	p := newProducer(w, testProducerConfig())
	p.Start(context.Background())

	p.CorrelationHandler()(context.Background(), &correlation.Correlation{ID: "cor-1", RuleID: "r"})
	p.IncidentHandler()(context.Background(), "escalated", &incident.Incident{ID: "inc-1"})

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(w.written) != 2 {
		t.Fatalf("written = %d, want 2", len(w.written))
	}
	types := map[string]string{}
	for _, msg := range w.written {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		if string(msg.Key) != ev.ID || string(msg.Headers[0].Value) != ev.Type {
			t.Errorf("message key/header = %s/%s, envelope %s/%s", msg.Key, msg.Headers[0].Value, ev.ID, ev.Type)
		}
		types[ev.ID] = ev.Type
	}
	if types["cor-1"] != "correlation" || types["inc-1"] != "incident.escalated" {
		t.Errorf("event types = %v", types)
	}

	m := p.Metrics()
	if m.Messages != 2 || m.Retries != 1 || m.Errors != 0 {
		t.Errorf("Metrics() = %+v, want 2 messages and 1 retry", m)
	}

	if err := p.Publish("correlation", "late", nil); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrProducerClosed", err)
	}
}

func TestProducer_Failures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"retryable exhausts attempts", errors.New("timeout"), 3},
		{"non-retryable stops early", kafka.MessageSizeTooLarge, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: 100, err: tt.err}
			p := newProducer(w, testProducerConfig())

			err := p.produce(context.Background(), kafka.Message{Key: []byte("k")})
			if !errors.Is(err, tt.err) {
				t.Errorf("produce() error = %v, want %v", err, tt.err)
			}
			if w.calls != tt.wantCalls {
				t.Errorf("WriteMessages calls = %d, want %d", w.calls, tt.wantCalls)
			}
			if p.Metrics().Errors != 1 {
				t.Errorf("Metrics().Errors = %d, want 1", p.Metrics().Errors)
			}
		})
	}
}

func TestProducer_BufferFull(t *testing.T) {
	cfg := testProducerConfig()
	cfg.ProducerBuffer = 1
	p := newProducer(&fakeWriter{}, cfg)

	if err := p.Publish("correlation", "a", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Publish("correlation", "b", nil); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Publish() error = %v, want ErrBufferFull", err)
	}
	if got := p.Metrics().Skipped; got != 1 {
		t.Errorf("Metrics().Skipped = %d, want 1", got)
	}
}

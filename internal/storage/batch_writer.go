package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Audit tables.
const (
	TableIncidentEvents     = "incident_events"
	TableCorrelations       = "correlations"
	TableResponseExecutions = "response_executions"
)

// Record is one audit row. Every audit table shares this shape.
type Record struct {
	Table      string
	ID         string
	Event      string
	Status     string
	Severity   string
	Subject    string
	OccurredAt time.Time
	Payload    string
}

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// BatchWriter buffers audit records and inserts them per table.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	mu      sync.Mutex
	buffer  []Record
	closed  bool
	flushMu sync.Mutex

	flushTimer *time.Timer

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}

	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]Record, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write adds a record to the buffer and flushes once the batch is full.
func (bw *BatchWriter) Write(rec Record) error {
	if rec.Table == "" || rec.ID == "" {
		return fmt.Errorf("%w: record needs a table and an id", ErrInvalidData)
	}

	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.buffer = append(bw.buffer, rec)
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	if err := bw.Flush(); err != nil {
		slog.Error("timer flush failed", "error", err)
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()
	if !bw.closed {
		bw.flushTimer.Reset(bw.config.FlushInterval)
	}
}

// Flush inserts everything buffered so far. Failed tables are counted and
// reported; their records are not re-queued.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = make([]Record, 0, bw.config.BatchSize)
	bw.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byTable := make(map[string][]Record)
	var order []string
	for _, rec := range pending {
		if _, ok := byTable[rec.Table]; !ok {
			order = append(order, rec.Table)
		}
		byTable[rec.Table] = append(byTable[rec.Table], rec)
	}

	var firstErr error
	for _, table := range order {
		if err := bw.insertWithRetry(table, byTable[table]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (bw *BatchWriter) insertWithRetry(table string, records []Record) error {
	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(table, records); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"table", table,
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.written.Add(uint64(len(records)))
		bw.batches.Add(1)
		return nil
	}

	bw.failed.Add(uint64(len(records)))
	return &StorageError{
		Op:      "Insert",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: bw.config.MaxRetries,
	}
}

func (bw *BatchWriter) insertBatch(table string, records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), bw.config.InsertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (record_id, event, status, severity, subject, occurred_at, payload)",
		sanitizeTableName(table),
	))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		if err := batch.Append(
			rec.ID,
			rec.Event,
			rec.Status,
			rec.Severity,
			rec.Subject,
			rec.OccurredAt.UTC(),
			rec.Payload,
		); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("batch inserted", "table", table, "count", len(records))
	return nil
}

// Close stops the timer and flushes the remaining records.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	return bw.Flush()
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}

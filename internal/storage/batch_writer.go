package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chain-sentinel/internal/trigger"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter handles batched monitor event inserts to ClickHouse.
// It satisfies trigger.Recorder so the engine can hand events straight
// to it.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	buffer []*trigger.MonitorEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	done       chan struct{}
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*trigger.MonitorEvent, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}

	// Start flush timer
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds a monitor event to the batch.
func (bw *BatchWriter) Write(event *trigger.MonitorEvent) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, event)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

// RecordEvent implements trigger.Recorder.
func (bw *BatchWriter) RecordEvent(_ context.Context, event *trigger.MonitorEvent) error {
	return bw.Write(event)
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	// Reset timer
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	events := bw.buffer
	bw.buffer = make([]*trigger.MonitorEvent, 0, bw.config.BatchSize)

	// Retry transient failures with linear backoff. A non-retryable error
	// (bad data, closed connection handed back by the driver) fails the
	// batch immediately.
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}
		attempts++

		err := bw.insertBatch(events)
		if err == nil {
			atomic.AddUint64(&bw.totalWritten, uint64(len(events)))
			atomic.AddUint64(&bw.batchCount, 1)
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		slog.Warn("batch insert failed, retrying",
			"attempt", attempt+1,
			"max_retries", bw.config.MaxRetries,
			"error", err,
		)
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(events)))
	return &StorageError{
		Op:      "Flush",
		Table:   "monitor_events",
		Err:     fmt.Errorf("%w: %w", ErrBatchInsertFailed, lastErr),
		Retries: attempts - 1,
	}
}

// insertBatch inserts a batch of monitor events into ClickHouse.
func (bw *BatchWriter) insertBatch(events []*trigger.MonitorEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO monitor_events (
			event_id, trigger_id, tx_hash, chain,
			risk_score, matched_conditions, action_outcomes, timestamp
		)
	`)
	if err != nil {
		return WrapConnectionError("PrepareBatch", err)
	}

	for _, event := range events {
		outcomes, _ := json.Marshal(event.Outcomes)

		score := event.RiskScore
		if score < 0 {
			score = 0
		} else if score > 100 {
			score = 100
		}

		matched := event.Matched
		if matched == nil {
			matched = []string{}
		}

		err := batch.Append(
			event.ID,
			event.TriggerID,
			event.TxHash,
			event.Chain,
			uint8(score),
			matched,
			string(outcomes),
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("%w: append event %s: %v", ErrInvalidData, event.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return WrapConnectionError("Send", err)
	}

	slog.Debug("batch inserted", "count", len(events))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close closes the batch writer.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	close(bw.done)

	// Final flush
	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

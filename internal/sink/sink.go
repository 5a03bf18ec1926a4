package sink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/clickhouse"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
)

// Sink receives row events. Write returns only once the events are durable;
// callers report a split finished after Write succeeds.
type Sink interface {
	Write(ctx context.Context, events []common.RowEvent) error
	Close() error
}

const maxRetryDelay = 30 * time.Second

// New builds the configured sink wrapped with retries and metrics.
func New(cfg config.SinkConfig, jobID string, chClient *clickhouse.Client, m metrics.Metrics, logger *zap.Logger) (Sink, error) {
	var (
		base Sink
		name = cfg.Type
	)
	switch cfg.Type {
	case config.SinkLog:
		base = NewLogSink(logger)
	case config.SinkClickHouse:
		if chClient == nil {
			return nil, fmt.Errorf("clickhouse sink requires a ClickHouse connection")
		}
		base = NewClickHouseSink(chClient, ClickHouseConfig{
			Database:  cfg.ClickHouse.Database,
			Table:     cfg.ClickHouse.Table,
			BatchSize: cfg.BatchSize,
			JobID:     jobID,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}

	return NewInstrumented(NewRetrying(base, cfg.MaxRetries, cfg.RetryDelay, logger), name, m), nil
}

// Open builds the sink like New and creates the storage it writes to.
func Open(ctx context.Context, cfg config.SinkConfig, jobID string, chClient *clickhouse.Client, m metrics.Metrics, logger *zap.Logger) (Sink, error) {
	if cfg.Type == config.SinkClickHouse && chClient != nil {
		target := NewClickHouseSink(chClient, ClickHouseConfig{Database: cfg.ClickHouse.Database, Table: cfg.ClickHouse.Table}, logger)
		if err := target.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return New(cfg, jobID, chClient, m, logger)
}

// Retrying retries failed writes with exponential backoff. The whole batch is
// rewritten on every attempt; sinks are expected to be idempotent per event.
type Retrying struct {
	next       Sink
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

func NewRetrying(next Sink, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *Retrying {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Retrying{next: next, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

func (r *Retrying) Write(ctx context.Context, events []common.RowEvent) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = r.next.Write(ctx, events); err == nil {
			return nil
		}
		if attempt >= r.maxRetries {
			break
		}

		delay := retryDelay(r.baseDelay, attempt)
		r.logger.Warn("Sink write failed, will retry",
			zap.Int("event_count", len(events)),
			zap.Int("retry_count", attempt+1),
			zap.Duration("retry_delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return common.NewRetryableError("sink write failed after %d retries: %w", r.maxRetries, err)
}

func (r *Retrying) Close() error {
	return r.next.Close()
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * base
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

// Instrumented records write latency and emitted row counts.
type Instrumented struct {
	next    Sink
	name    string
	metrics metrics.Metrics
}

func NewInstrumented(next Sink, name string, m metrics.Metrics) *Instrumented {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Instrumented{next: next, name: name, metrics: m}
}

func (s *Instrumented) Write(ctx context.Context, events []common.RowEvent) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	err := s.next.Write(ctx, events)
	s.metrics.ObserveSinkWrite(s.name, time.Since(start))
	if err != nil {
		return err
	}

	snapshot := 0
	for _, e := range events {
		if e.Snapshot {
			snapshot++
		}
	}
	if snapshot > 0 {
		s.metrics.AddRowsEmitted(metrics.SourceSnapshot, snapshot)
	}
	if streamed := len(events) - snapshot; streamed > 0 {
		s.metrics.AddRowsEmitted(metrics.SourceStream, streamed)
		s.metrics.SetLastEventTime(events[len(events)-1].Timestamp)
	}
	return nil
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

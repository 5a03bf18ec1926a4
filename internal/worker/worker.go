package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/coordinator"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
	"github.com/philippevezina/snapshot-bridge/internal/observability"
	"github.com/philippevezina/snapshot-bridge/internal/reconciler"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
	"github.com/philippevezina/snapshot-bridge/internal/split"
	"github.com/philippevezina/snapshot-bridge/internal/stream"
)

// Coordinator is the worker's view of the job coordinator. Both the
// in-process coordinator and the HTTP client implement it.
type Coordinator interface {
	RequestSplit(ctx context.Context, worker string) (coordinator.Assignment, error)
	ReportSplitFinished(ctx context.Context, worker, splitID string, bracket split.Bracket) error
	ReportSplitFailed(ctx context.Context, worker, splitID string, retryable bool, message string) error
	ReportStreamProgress(ctx context.Context, worker string, pos common.Position) error
	Heartbeat(ctx context.Context, worker string) error
}

// Source is the source database as a worker reads it.
type Source interface {
	reconciler.DataSource
	common.ChangeStream
}

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Reconciler        reconciler.Config
	Stream            stream.Config
}

// ConfigFrom builds the worker config. filter selects the tables streamed by
// jobs that did not discover tables.
func ConfigFrom(cfg *config.Config, filter *common.TableFilter) Config {
	return Config{
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Reconciler:        reconciler.Config{StreamWaitTimeout: cfg.Reconciler.StreamWaitTimeout},
		Stream: stream.Config{
			ProgressInterval: cfg.Stream.ProgressInterval,
			ProgressEvents:   cfg.Stream.ProgressEvents,
			Filter:           filter,
		},
	}
}

// Worker pulls splits from the coordinator and runs them until the job
// fails or its context ends.
type Worker struct {
	id         string
	cfg        Config
	coord      Coordinator
	source     Source
	reconciler *reconciler.Reconciler
	sink       sink.Sink
	metrics    metrics.Metrics
	reporter   observability.ErrorReporter
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	tables map[common.TableID]common.Table
}

func New(id string, cfg Config, coord Coordinator, source Source, out sink.Sink,
	m metrics.Metrics, reporter observability.ErrorReporter, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	if reporter == nil {
		reporter = &observability.NoopErrorReporter{}
	}

	logger = common.LoggerWithComponent(logger, "worker").With(zap.String("worker_id", id))
	return &Worker{
		id:         id,
		cfg:        cfg,
		coord:      coord,
		source:     source,
		reconciler: reconciler.New(source, source, cfg.Reconciler, logger),
		sink:       out,
		metrics:    m,
		reporter:   reporter,
		logger:     logger,
		now:        time.Now,
	}
}

func (w *Worker) ID() string { return w.id }

// Run returns nil when ctx ends and the first error that stops the job
// otherwise.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeat(ctx) })
	g.Go(func() error { return w.loop(ctx) })
	return g.Wait()
}

func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.coord.Heartbeat(ctx, w.id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, coordinator.ErrJobFailed) {
				return err
			}
			w.logger.Warn("Heartbeat failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		a, err := w.coord.RequestSplit(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, coordinator.ErrJobFailed) {
				return err
			}
			w.logger.Warn("Failed to request split", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if !a.Available {
			w.sleep(ctx)
			continue
		}

		switch a.Split.Kind {
		case split.KindSnapshot:
			err = w.runSnapshot(ctx, *a.Split)
		case split.KindStream:
			err = w.runStream(ctx, *a.Split)
		default:
			err = w.fail(ctx, *a.Split, common.NewTerminalError("unknown split kind %q", a.Split.Kind))
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) runSnapshot(ctx context.Context, s split.Split) error {
	c := s.Snapshot.Chunk
	table, err := w.table(ctx, c.Table)
	if err != nil {
		return w.fail(ctx, s, err)
	}

	start := w.now()
	res, err := w.reconciler.Reconcile(ctx, table, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fail(ctx, s, err)
	}

	if err := w.sink.Write(ctx, res.Events); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fail(ctx, s, fmt.Errorf("failed to write chunk %s: %w", c.ID, err))
	}

	w.metrics.IncChunksRead(table.ID.String())
	w.metrics.ObserveChunkDuration(w.now().Sub(start))
	w.metrics.AddRowsEmitted(metrics.SourceSnapshot, len(res.Events))
	w.metrics.AddChangesApplied(res.Applied)

	w.logger.Debug("Chunk snapshotted",
		zap.String("chunk", c.ID),
		zap.Int("rows", len(res.Events)),
		zap.String("high", res.Bracket.High.String()))

	return w.report(ctx, "split_finished", func(ctx context.Context) error {
		return w.coord.ReportSplitFinished(ctx, w.id, s.ID, res.Bracket)
	})
}

func (w *Worker) runStream(ctx context.Context, s split.Split) error {
	tables, err := w.source.DiscoverTables(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fail(ctx, s, common.NewRetryableError("failed to load tables for stream split: %w", err))
	}

	reader := stream.New(w.source, w.sink, tables, w.cfg.Stream, w.metrics, w.logger)
	err = reader.Run(ctx, *s.Stream, func(ctx context.Context, pos common.Position) error {
		return w.report(ctx, "stream_progress", func(ctx context.Context) error {
			return w.coord.ReportStreamProgress(ctx, w.id, pos)
		})
	})

	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case errors.Is(err, coordinator.ErrJobFailed):
		return err
	default:
		return w.fail(ctx, s, err)
	}
}

// report calls fn until it succeeds, is rejected, or ctx ends. Only a failed
// job is returned; a rejection means the split is no longer ours.
func (w *Worker) report(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, coordinator.ErrJobFailed):
			return err
		case !common.IsRetryable(err):
			w.logger.Warn("Coordinator rejected report", zap.String("operation", op), zap.Error(err))
			return nil
		}
		w.logger.Warn("Report failed, retrying", zap.String("operation", op), zap.Error(err))
		w.sleep(ctx)
	}
}

func (w *Worker) fail(ctx context.Context, s split.Split, cause error) error {
	retryable := common.IsRetryable(cause)
	w.logger.Error("Split failed",
		zap.String("split", s.String()),
		zap.Bool("retryable", retryable),
		zap.Error(cause))

	errCtx := observability.NewErrorContext("worker", string(s.Kind)).
		WithSplit(s.ID).
		WithExtra("worker_id", w.id).
		WithExtra("retryable", retryable)
	if s.Snapshot != nil {
		errCtx = errCtx.WithTable(s.Snapshot.Chunk.Table.String())
	}
	if err := w.reporter.CaptureError(ctx, cause, errCtx); err != nil {
		w.logger.Debug("Failed to report error", zap.Error(err))
	}

	return w.report(ctx, "split_failed", func(ctx context.Context) error {
		return w.coord.ReportSplitFailed(ctx, w.id, s.ID, retryable, cause.Error())
	})
}

// table returns the metadata of id, rediscovering tables when it is not
// cached yet.
func (w *Worker) table(ctx context.Context, id common.TableID) (common.Table, error) {
	w.mu.Lock()
	t, ok := w.tables[id]
	w.mu.Unlock()
	if ok {
		return t, nil
	}

	tables, err := w.source.DiscoverTables(ctx)
	if err != nil {
		return common.Table{}, common.NewRetryableError("failed to load metadata of %s: %w", id, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables = make(map[common.TableID]common.Table, len(tables))
	for _, t := range tables {
		w.tables[t.ID] = t
	}
	if t, ok = w.tables[id]; !ok {
		return common.Table{}, common.NewTerminalError("table %s no longer exists", id)
	}
	return t, nil
}

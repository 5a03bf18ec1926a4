package stream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

type Config struct {
	// ProgressInterval is the longest time between progress reports while
	// events keep arriving, and the idle flush period.
	ProgressInterval time.Duration
	// ProgressEvents forces a flush and a report after this many events.
	ProgressEvents int
	BatchSize      int
	// Filter, when set, drops records of tables the job does not select.
	// It is the only restriction for stream splits that carry no tables.
	Filter *common.TableFilter
}

// ProgressFunc is called with a position through which every event has been
// written to the sink.
type ProgressFunc func(ctx context.Context, pos common.Position) error

// Reader runs the stream split: it tails the change stream from the split
// start and drops the events a finished chunk already reflects.
type Reader struct {
	stream  common.ChangeStream
	sink    sink.Sink
	keys    map[common.TableID]string
	cfg     Config
	metrics metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(stream common.ChangeStream, out sink.Sink, tables []common.Table, cfg Config, m metrics.Metrics, logger *zap.Logger) *Reader {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.ProgressEvents <= 0 {
		cfg.ProgressEvents = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}

	keys := make(map[common.TableID]string, len(tables))
	for _, t := range tables {
		if col, ok := t.ChunkKey(); ok {
			keys[t.ID] = col
		}
	}

	return &Reader{
		stream:  stream,
		sink:    out,
		keys:    keys,
		cfg:     cfg,
		metrics: m,
		logger:  common.LoggerWithComponent(logger, "stream_reader"),
		now:     time.Now,
	}
}

type run struct {
	*Reader
	index     *finishedIndex
	filtering bool
	batch     []common.RowEvent
	pending   int
	reported  common.Position
	progress  ProgressFunc
}

// Run blocks until ctx ends or the stream fails.
func (r *Reader) Run(ctx context.Context, s split.StreamSplit, progress ProgressFunc) error {
	idx := newFinishedIndex(s.Finished)
	st := &run{
		Reader:    r,
		index:     idx,
		filtering: !idx.empty() && s.Start.Less(idx.maxHigh),
		reported:  s.Start,
		progress:  progress,
	}

	sub, err := r.stream.Subscribe(ctx, r.changeFilter(s), s.Start)
	if err != nil {
		return subscriptionError(s.Start, err)
	}
	defer sub.Close()

	r.logger.Info("Streaming changes",
		zap.String("start", s.Start.String()),
		zap.Int("tables", len(s.Tables)),
		zap.Int("finished_chunks", len(s.Finished)),
		zap.String("filter_until", idx.maxHigh.String()))

	deadline := r.now().Add(r.cfg.ProgressInterval)
	for {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		rec, err := sub.Next(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if err := st.flush(ctx, sub.Scanned()); err != nil {
					return err
				}
				deadline = r.now().Add(r.cfg.ProgressInterval)
				continue
			}
			return subscriptionError(st.reported, err)
		}

		if !rec.Heartbeat {
			st.handle(rec)
		}

		if len(st.batch) >= r.cfg.BatchSize || st.pending >= r.cfg.ProgressEvents || !r.now().Before(deadline) {
			if err := st.flush(ctx, sub.Scanned()); err != nil {
				return err
			}
			deadline = r.now().Add(r.cfg.ProgressInterval)
		}
	}
}

// changeFilter restricts the subscription to the tables of the job.
func (r *Reader) changeFilter(s split.StreamSplit) common.ChangeFilter {
	filter := common.ChangeFilter{Tables: s.Tables}
	if tf := r.cfg.Filter; tf != nil {
		filter.Accept = func(rec common.ChangeRecord) bool { return tf.Matches(rec.Table) }
	}
	return filter
}

func (st *run) handle(rec common.ChangeRecord) {
	st.pending++
	if !rec.Timestamp.IsZero() {
		st.metrics.SetReplicationLag(st.now().Sub(rec.Timestamp))
	}

	if st.filtering {
		if st.index.maxHigh.Less(rec.Position) {
			st.filtering = false
			st.logger.Info("Passed the last chunk high watermark, streaming without filter",
				zap.String("position", rec.Position.String()))
		} else if st.alreadyReflected(rec) {
			st.metrics.AddStreamEventsSkipped(1)
			return
		}
	}

	st.batch = append(st.batch, common.RowEvent{
		Op:        rec.Op,
		Table:     rec.Table,
		Key:       st.keyOf(rec, rowImage(rec)),
		Before:    rec.Before,
		After:     rec.After,
		Position:  rec.Position,
		Timestamp: rec.Timestamp,
	})
}

// alreadyReflected reports whether every key the record touches lies in a
// finished chunk whose high watermark is at or past the record.
func (st *run) alreadyReflected(rec common.ChangeRecord) bool {
	if !st.index.covered(rec.Table, st.keyOf(rec, rowImage(rec)), rec.Position) {
		return false
	}
	if rec.Op != common.OpUpdate || rec.Before == nil {
		return true
	}
	if _, ok := st.keys[rec.Table]; !ok {
		return true
	}
	return st.index.covered(rec.Table, st.keyOf(rec, rec.Before), rec.Position)
}

// rowImage returns the image that holds the key of the row after rec.
func rowImage(rec common.ChangeRecord) common.Row {
	if rec.Op == common.OpDelete {
		return rec.Before
	}
	return rec.After
}

// keyOf reads the chunk key from img. The change stream only knows primary
// keys, so tables chunked on a unique index need the row image.
func (st *run) keyOf(rec common.ChangeRecord, img common.Row) common.Value {
	col, ok := st.keys[rec.Table]
	if !ok || img == nil {
		return rec.Key
	}
	if key, err := img.Key(col); err == nil {
		return key
	}
	return rec.Key
}

func (st *run) flush(ctx context.Context, scanned common.Position) error {
	if len(st.batch) > 0 {
		if err := st.sink.Write(ctx, st.batch); err != nil {
			return err
		}
		st.batch = st.batch[:0]
	}
	st.pending = 0

	if !st.reported.Less(scanned) {
		return nil
	}
	if st.progress != nil {
		if err := st.progress(ctx, scanned); err != nil {
			return err
		}
	}
	st.reported = scanned
	return nil
}

func subscriptionError(pos common.Position, err error) error {
	if errors.Is(err, common.ErrPositionUnavailable) {
		return common.NewTerminalError("change stream unavailable at %s: %w", pos, err)
	}
	return common.NewRetryableError("change stream failed after %s: %w", pos, err)
}

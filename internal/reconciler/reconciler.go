package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

// DataSource is the snapshot side of the source database.
type DataSource interface {
	DiscoverTables(ctx context.Context) ([]common.Table, error)
	// ReadChunk returns the rows of c. The read must be a consistent
	// snapshot of the chunk at some point between the calls to
	// CurrentPosition that bracket it.
	ReadChunk(ctx context.Context, table common.Table, c chunk.Chunk) ([]common.Row, error)
	CurrentPosition(ctx context.Context) (common.Position, error)
}

type Config struct {
	// StreamWaitTimeout bounds how long to wait for the change stream to
	// reach the high watermark.
	StreamWaitTimeout time.Duration
}

type Result struct {
	Events  []common.RowEvent
	Bracket split.Bracket
	// Applied counts the stream changes folded into the chunk.
	Applied int
}

// Reconciler reads one chunk and folds the changes that happened during
// the read into it, so the emitted rows are the chunk as of its high
// watermark.
type Reconciler struct {
	source DataSource
	stream common.ChangeStream
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(source DataSource, stream common.ChangeStream, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.StreamWaitTimeout <= 0 {
		cfg.StreamWaitTimeout = 10 * time.Second
	}
	return &Reconciler{
		source: source,
		stream: stream,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, table common.Table, c chunk.Chunk) (Result, error) {
	low, err := r.source.CurrentPosition(ctx)
	if err != nil {
		return Result{}, common.NewRetryableError("failed to read low watermark of %s: %w", c.ID, err)
	}

	rows, err := r.source.ReadChunk(ctx, table, c)
	if err != nil {
		return Result{}, common.NewRetryableError("failed to read chunk %s: %w", c.ID, err)
	}

	high, err := r.source.CurrentPosition(ctx)
	if err != nil {
		return Result{}, common.NewRetryableError("failed to read high watermark of %s: %w", c.ID, err)
	}
	if high.Less(low) {
		return Result{}, fmt.Errorf("%w: chunk %s high watermark %s precedes low watermark %s",
			common.ErrReconciliationGap, c.ID, high, low)
	}

	buf := newRowBuffer(table, c)
	if err := buf.load(rows); err != nil {
		return Result{}, common.NewTerminalError("failed to key rows of chunk %s: %w", c.ID, err)
	}

	bracket := split.Bracket{Low: low, High: high}
	applied := 0
	if high != low {
		if applied, err = r.backfill(ctx, buf, bracket); err != nil {
			return Result{}, err
		}
	}

	r.logger.Debug("Reconciled chunk",
		zap.String("chunk", c.ID),
		zap.Int("rows", len(rows)),
		zap.Int("applied_changes", applied),
		zap.String("low", low.String()),
		zap.String("high", high.String()))

	return Result{Events: r.emit(table.ID, buf, high), Bracket: bracket, Applied: applied}, nil
}

// backfill folds the changes in (low, high] into buf.
func (r *Reconciler) backfill(ctx context.Context, buf *rowBuffer, bracket split.Bracket) (int, error) {
	chunkID := buf.chunk.ID
	filter := common.ChangeFilter{Tables: []common.TableID{buf.table.ID}, Accept: buf.touches}

	sub, err := r.stream.Subscribe(ctx, filter, bracket.Low)
	if err != nil {
		return 0, r.streamError(chunkID, err)
	}
	defer sub.Close()

	applied := 0
	last := bracket.Low
	for sub.Scanned().Less(bracket.High) {
		waitCtx, cancel := context.WithTimeout(ctx, r.cfg.StreamWaitTimeout)
		rec, err := sub.Next(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if err := r.checkCoverage(ctx, chunkID, sub, bracket); err != nil {
					return 0, err
				}
				break
			}
			return 0, r.streamError(chunkID, err)
		}

		if rec.Position.Less(last) {
			return 0, fmt.Errorf("%w: chunk %s stream moved back from %s to %s",
				common.ErrReconciliationGap, chunkID, last, rec.Position)
		}
		last = rec.Position

		if rec.Heartbeat || bracket.High.Less(rec.Position) {
			if !rec.Position.Less(bracket.High) {
				break
			}
			continue
		}
		if err := buf.apply(rec); err != nil {
			return 0, common.NewTerminalError("failed to apply change to chunk %s: %w", chunkID, err)
		}
		applied++
	}
	return applied, nil
}

// checkCoverage decides what a stream wait timeout means: either the
// subscription has already scanned through high, or the stream is lagging.
func (r *Reconciler) checkCoverage(ctx context.Context, chunkID string, sub common.Subscription, bracket split.Bracket) error {
	scanned := sub.Scanned()
	if !scanned.Less(bracket.High) {
		return nil
	}
	head, err := r.source.CurrentPosition(ctx)
	if err != nil {
		return common.NewRetryableError("failed to re-read position for chunk %s: %w", chunkID, err)
	}
	return common.NewRetryableError("change stream for chunk %s reached %s of %s within %s (head %s)",
		chunkID, scanned, bracket.High, r.cfg.StreamWaitTimeout, head)
}

func (r *Reconciler) streamError(chunkID string, err error) error {
	if errors.Is(err, common.ErrPositionUnavailable) {
		return fmt.Errorf("%w: chunk %s: %v", common.ErrReconciliationGap, chunkID, err)
	}
	return common.NewRetryableError("change stream failed for chunk %s: %w", chunkID, err)
}

func (r *Reconciler) emit(table common.TableID, buf *rowBuffer, high common.Position) []common.RowEvent {
	now := r.now().UTC()
	items := buf.rows()
	events := make([]common.RowEvent, len(items))
	for i, item := range items {
		events[i] = common.RowEvent{
			Op:        common.OpInsert,
			Table:     table,
			Key:       item.key,
			After:     item.row,
			Position:  high,
			Snapshot:  true,
			Timestamp: now,
		}
	}
	return events
}

// Merge folds events into the rows of a chunk read over bracket and
// returns the result in key order. Events outside (low, high] are ignored.
func Merge(table common.Table, c chunk.Chunk, preimage []common.Row, events []common.ChangeRecord, bracket split.Bracket) ([]common.Row, error) {
	buf := newRowBuffer(table, c)
	if err := buf.load(preimage); err != nil {
		return nil, err
	}
	for _, rec := range events {
		if rec.Heartbeat || !bracket.Low.Less(rec.Position) || bracket.High.Less(rec.Position) {
			continue
		}
		if !buf.touches(rec) {
			continue
		}
		if err := buf.apply(rec); err != nil {
			return nil, err
		}
	}

	items := buf.rows()
	out := make([]common.Row, len(items))
	for i, item := range items {
		out[i] = item.row
	}
	return out, nil
}

package tablestream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/snapshot-bridge/internal/checkpoint"
	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
)

type Config struct {
	// Snapshot requests an initial snapshot when nothing was restored.
	Snapshot           bool
	CheckpointInterval time.Duration
}

// SnapshotSource reads the current content of the table.
type SnapshotSource interface {
	ReadChunk(ctx context.Context, table common.Table, c chunk.Chunk) ([]common.Row, error)
	CurrentPosition(ctx context.Context) (common.Position, error)
}

// SaveFunc persists a table-stream checkpoint blob.
type SaveFunc func(ctx context.Context, blob []byte) error

type buffered struct {
	op        common.OpType
	before    *schema.Record
	after     *schema.Record
	position  common.Position
	timestamp time.Time
}

// TableStream follows the change log of one table. While the initial
// snapshot is read, committed transactions are held back and replayed in
// receipt order once the snapshot has been emitted.
type TableStream struct {
	table   common.Table
	cfg     Config
	evolver *schema.Evolver
	sink    sink.Sink
	logger  *zap.Logger

	started   chan struct{}
	startOnce sync.Once

	mu         sync.Mutex
	mode       Mode
	inTxn      []buffered
	committed  []buffered
	lastCommit *common.Position
	resolved   *common.Position
}

func New(table common.Table, cfg Config, out sink.Sink, logger *zap.Logger) *TableStream {
	return newTableStream(table, cfg, schema.FromTable(table), nil, out, logger)
}

// Restore resumes from a checkpoint written by Checkpoint. Widened columns
// stay widened.
func Restore(table common.Table, cfg Config, blob []byte, out sink.Sink, logger *zap.Logger) (*TableStream, error) {
	st, err := checkpoint.DecodeTableStream(blob)
	if err != nil {
		return nil, err
	}
	if st.Table != table.ID {
		return nil, fmt.Errorf("checkpoint belongs to table %s, not %s", st.Table, table.ID)
	}
	initial := schema.New(table.ID, st.SchemaVersion, st.Columns)
	return newTableStream(table, cfg, initial, st.Resolved, out, logger), nil
}

func newTableStream(table common.Table, cfg Config, initial *schema.Schema, resolved *common.Position, out sink.Sink, logger *zap.Logger) *TableStream {
	logger = common.LoggerWithComponent(logger, "table_stream").With(zap.String("table", table.ID.String()))
	ts := &TableStream{
		table:    table,
		cfg:      cfg,
		evolver:  schema.NewEvolver(initial, logger),
		sink:     out,
		logger:   logger,
		started:  make(chan struct{}),
		mode:     ReadingChangesOnly,
		resolved: resolved,
	}
	if ts.ShouldReadSnapshot() {
		ts.mode = ReadingChangesWhileSnapshotting
	}
	return ts
}

// ShouldReadSnapshot is true only for a fresh stream configured to snapshot.
func (ts *TableStream) ShouldReadSnapshot() bool {
	return ts.cfg.Snapshot && ts.resolved == nil
}

// Started is closed once the first heartbeat or BEGIN has been seen.
func (ts *TableStream) Started() <-chan struct{} {
	return ts.started
}

func (ts *TableStream) Mode() Mode {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.mode
}

// Resolved returns the position after the last emitted transaction.
func (ts *TableStream) Resolved() (common.Position, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.resolved == nil {
		return common.Position{}, false
	}
	return *ts.resolved, true
}

func (ts *TableStream) Schema() *schema.Schema {
	return ts.evolver.Current()
}

func (ts *TableStream) isStarted() bool {
	select {
	case <-ts.started:
		return true
	default:
		return false
	}
}

// Handle applies one log record.
func (ts *TableStream) Handle(ctx context.Context, rec LogRecord) error {
	switch rec.Op {
	case OpHeartbeat, OpBegin:
		ts.startOnce.Do(func() {
			ts.logger.Info("Change log started", zap.String("position", rec.Position.String()))
			close(ts.started)
		})
		return nil
	case OpDDL:
		ts.logger.Debug("Ignoring DDL",
			zap.String("kind", string(schema.ParseDDL(rec.Statement, ts.table.ID.Database).Kind)),
			zap.String("statement", rec.Statement))
		return nil
	}

	if !ts.isStarted() {
		ts.logger.Debug("Ignoring record before the log started",
			zap.String("op", rec.Op.String()),
			zap.String("position", rec.Position.String()))
		return nil
	}

	switch {
	case rec.Op.isDML():
		if rec.Table != ts.table.ID {
			return nil
		}
		b, err := ts.prepare(rec)
		if err != nil {
			return err
		}
		ts.mu.Lock()
		ts.inTxn = append(ts.inTxn, b)
		ts.mu.Unlock()
		return nil
	case rec.Op == OpCommit:
		return ts.commit(ctx, rec.Position)
	}
	return fmt.Errorf("unknown log record op %d", rec.Op)
}

func (ts *TableStream) prepare(rec LogRecord) (buffered, error) {
	b := buffered{position: rec.Position, timestamp: rec.Timestamp}
	switch rec.Op {
	case OpInsert:
		b.op = common.OpInsert
	case OpUpdate:
		b.op = common.OpUpdate
	case OpDelete:
		b.op = common.OpDelete
	}

	if rec.Before != nil {
		r, err := ts.evolver.Prepare(rec.Before)
		if err != nil {
			return buffered{}, err
		}
		b.before = &r
	}
	if rec.After != nil {
		r, err := ts.evolver.Prepare(rec.After)
		if err != nil {
			return buffered{}, err
		}
		b.after = &r
	}
	return b, nil
}

func (ts *TableStream) commit(ctx context.Context, pos common.Position) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	txn := ts.inTxn
	ts.inTxn = nil

	if ts.mode == ReadingChangesWhileSnapshotting {
		ts.committed = append(ts.committed, txn...)
		p := pos
		ts.lastCommit = &p
		return nil
	}

	if err := ts.emitLocked(ctx, txn); err != nil {
		return err
	}
	p := pos
	ts.resolved = &p
	return nil
}

// SnapshotCompleted replays the transactions committed during the snapshot
// and switches to ReadingChangesOnly. Records of a transaction that has not
// committed yet stay buffered until their commit. at is the position the
// snapshot was read at and the resume offset when nothing committed since.
func (ts *TableStream) SnapshotCompleted(ctx context.Context, at common.Position) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.mode != ReadingChangesWhileSnapshotting {
		return nil
	}
	if err := ts.emitLocked(ctx, ts.committed); err != nil {
		return err
	}

	resume := at
	if ts.lastCommit != nil {
		resume = common.MaxPosition(at, *ts.lastCommit)
	}
	ts.logger.Info("Snapshot completed, drained buffered changes",
		zap.Int("records", len(ts.committed)),
		zap.String("resume_position", resume.String()))

	ts.committed = nil
	ts.lastCommit = nil
	ts.resolved = &resume
	ts.mode = ReadingChangesOnly
	return nil
}

func (ts *TableStream) emitLocked(ctx context.Context, records []buffered) error {
	if len(records) == 0 {
		return nil
	}
	events := make([]common.RowEvent, 0, len(records))
	for _, b := range records {
		e, err := ts.toEvent(b)
		if err != nil {
			return err
		}
		events = append(events, e)
	}
	return ts.sink.Write(ctx, events)
}

func (ts *TableStream) toEvent(b buffered) (common.RowEvent, error) {
	e := common.RowEvent{
		Op:        b.op,
		Table:     ts.table.ID,
		Position:  b.position,
		Timestamp: b.timestamp,
	}
	var err error
	if b.before != nil {
		if e.Before, err = ts.evolver.Decode(*b.before); err != nil {
			return common.RowEvent{}, fmt.Errorf("failed to decode before image at %s: %w", b.position, err)
		}
	}
	if b.after != nil {
		if e.After, err = ts.evolver.Decode(*b.after); err != nil {
			return common.RowEvent{}, fmt.Errorf("failed to decode after image at %s: %w", b.position, err)
		}
	}

	keyRow := e.After
	if b.op == common.OpDelete {
		keyRow = e.Before
	}
	if col, ok := ts.table.ChunkKey(); ok && keyRow != nil {
		if e.Key, err = keyRow.Key(col); err != nil {
			return common.RowEvent{}, err
		}
	}
	return e, nil
}

// EmitSnapshot writes snapshot rows ahead of any buffered change.
func (ts *TableStream) EmitSnapshot(ctx context.Context, rows []common.Row, at common.Position) error {
	col, hasKey := ts.table.ChunkKey()
	now := time.Now().UTC()
	events := make([]common.RowEvent, 0, len(rows))
	for _, r := range rows {
		e := common.RowEvent{Op: common.OpInsert, Table: ts.table.ID, After: r, Position: at, Snapshot: true, Timestamp: now}
		if hasKey {
			key, err := r.Key(col)
			if err != nil {
				return err
			}
			e.Key = key
		}
		events = append(events, e)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	return ts.sink.Write(ctx, events)
}

// State returns the checkpoint view of the stream.
func (ts *TableStream) State() checkpoint.TableStreamState {
	ts.mu.Lock()
	var resolved *common.Position
	if ts.resolved != nil {
		p := *ts.resolved
		resolved = &p
	}
	ts.mu.Unlock()

	current := ts.evolver.Current()
	return checkpoint.TableStreamState{
		Table:         ts.table.ID,
		Resolved:      resolved,
		SchemaVersion: current.Version(),
		Columns:       current.Columns(),
	}
}

func (ts *TableStream) Checkpoint() []byte {
	return checkpoint.EncodeTableStream(ts.State())
}

// Run consumes logs and, when required, reads the snapshot once the log has
// started. It returns when the log source closes, ctx ends or any step fails.
func (ts *TableStream) Run(ctx context.Context, logs LogSource, snap SnapshotSource, save SaveFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	logDone := make(chan struct{})

	g.Go(func() error {
		defer close(logDone)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rec, ok := <-logs.Records():
				if !ok {
					if err := logs.Err(); err != nil {
						return common.NewRetryableError("change log of %s stopped: %w", ts.table.ID, err)
					}
					return nil
				}
				if err := ts.Handle(ctx, rec); err != nil {
					return err
				}
			}
		}
	})

	if ts.ShouldReadSnapshot() {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-logDone:
				return nil
			case <-ts.started:
			}
			return ts.readSnapshot(ctx, snap)
		})
	}

	if save != nil && ts.cfg.CheckpointInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(ts.cfg.CheckpointInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-logDone:
					return nil
				case <-ticker.C:
					if err := save(ctx, ts.Checkpoint()); err != nil {
						ts.logger.Warn("Failed to save table stream checkpoint", zap.Error(err))
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if save != nil {
		return save(context.WithoutCancel(ctx), ts.Checkpoint())
	}
	return nil
}

func (ts *TableStream) readSnapshot(ctx context.Context, snap SnapshotSource) error {
	at, err := snap.CurrentPosition(ctx)
	if err != nil {
		return common.NewRetryableError("failed to read snapshot position: %w", err)
	}
	rows, err := snap.ReadChunk(ctx, ts.table, chunk.SingleChunk(ts.table.ID)[0])
	if err != nil {
		return common.NewRetryableError("failed to read snapshot of %s: %w", ts.table.ID, err)
	}
	ts.logger.Info("Read snapshot", zap.Int("rows", len(rows)), zap.String("position", at.String()))

	if err := ts.EmitSnapshot(ctx, rows, at); err != nil {
		return err
	}
	return ts.SnapshotCompleted(ctx, at)
}

package tablestream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
	"github.com/philippevezina/snapshot-bridge/internal/sourcetest"
)

var users = common.Table{
	ID:         common.TableID{Database: "app", Name: "users"},
	Columns:    []common.Column{{Name: "id", Type: "bigint"}, {Name: "score", Type: "int"}},
	KeyColumns: []string{"id"},
}

func pos(offset uint64) common.Position {
	return common.Position{File: "mysql-bin.000003", Offset: offset}
}

func raw(id, score string) schema.RawRecord {
	return schema.RawRecord{"id": schema.Text(id), "score": schema.Text(score)}
}

func heartbeat(offset uint64) LogRecord { return LogRecord{Op: OpHeartbeat, Position: pos(offset)} }
func begin(offset uint64) LogRecord     { return LogRecord{Op: OpBegin, Position: pos(offset)} }
func commit(offset uint64) LogRecord    { return LogRecord{Op: OpCommit, Position: pos(offset)} }

func insert(offset uint64, id, score string) LogRecord {
	return LogRecord{Op: OpInsert, Table: users.ID, After: raw(id, score), Position: pos(offset)}
}

func handleAll(t *testing.T, ts *TableStream, records ...LogRecord) {
	t.Helper()
	for _, rec := range records {
		require.NoError(t, ts.Handle(context.Background(), rec))
	}
}

func TestTableStream_StartLatch(t *testing.T) {
	out := sink.NewMemory()
	ts := New(users, Config{}, out, zap.NewNop())

	handleAll(t, ts, insert(10, "1", "5"), commit(11))
	assert.Empty(t, out.Events(), "records before the log starts are ignored")
	select {
	case <-ts.Started():
		t.Fatal("latch released without heartbeat")
	default:
	}

	handleAll(t, ts, heartbeat(12))
	<-ts.Started()

	handleAll(t, ts, begin(13), insert(14, "2", "7"), commit(15))
	require.Len(t, out.Events(), 1)
	assert.Equal(t, common.IntValue(2), out.Events()[0].Key)
}

func TestTableStream_ChangesOnlyEmitsOnCommit(t *testing.T) {
	out := sink.NewMemory()
	ts := New(users, Config{}, out, zap.NewNop())
	assert.Equal(t, ReadingChangesOnly, ts.Mode())
	assert.False(t, ts.ShouldReadSnapshot())

	handleAll(t, ts,
		begin(10),
		insert(11, "1", "5"),
		LogRecord{Op: OpUpdate, Table: users.ID, Before: raw("1", "5"), After: raw("1", "6"), Position: pos(12)},
		LogRecord{Op: OpInsert, Table: common.TableID{Database: "app", Name: "other"}, After: raw("9", "9"), Position: pos(13)},
	)
	assert.Empty(t, out.Events())
	_, ok := ts.Resolved()
	assert.False(t, ok)

	handleAll(t, ts, commit(14))
	events := out.Events()
	require.Len(t, events, 2)
	assert.Equal(t, common.OpInsert, events[0].Op)
	assert.Equal(t, common.OpUpdate, events[1].Op)
	assert.Equal(t, common.Row{"id": int64(1), "score": int64(5)}, events[1].Before)
	assert.Equal(t, common.Row{"id": int64(1), "score": int64(6)}, events[1].After)

	resolved, ok := ts.Resolved()
	require.True(t, ok)
	assert.Equal(t, pos(14), resolved)
}

func TestTableStream_DrainsCommittedChangesAfterSnapshot(t *testing.T) {
	out := sink.NewMemory()
	ts := New(users, Config{Snapshot: true}, out, zap.NewNop())
	require.True(t, ts.ShouldReadSnapshot())
	assert.Equal(t, ReadingChangesWhileSnapshotting, ts.Mode())

	handleAll(t, ts,
		heartbeat(5),
		begin(10), insert(11, "2", "20"), commit(12),
		begin(13), insert(14, "3", "30"),
	)
	assert.Empty(t, out.Events())

	ctx := context.Background()
	require.NoError(t, ts.EmitSnapshot(ctx, []common.Row{{"id": int64(1), "score": int64(10)}}, pos(8)))
	require.NoError(t, ts.SnapshotCompleted(ctx, pos(8)))
	assert.Equal(t, ReadingChangesOnly, ts.Mode())

	events := out.Events()
	require.Len(t, events, 2)
	assert.True(t, events[0].Snapshot)
	assert.Equal(t, common.IntValue(1), events[0].Key)
	assert.False(t, events[1].Snapshot)
	assert.Equal(t, common.IntValue(2), events[1].Key)

	resolved, _ := ts.Resolved()
	assert.Equal(t, pos(12), resolved)

	// The open transaction is emitted once it commits.
	handleAll(t, ts, commit(15))
	events = out.Events()
	require.Len(t, events, 3)
	assert.Equal(t, common.IntValue(3), events[2].Key)
	resolved, _ = ts.Resolved()
	assert.Equal(t, pos(15), resolved)
}

func TestTableStream_SnapshotCompletedWithoutCommits(t *testing.T) {
	ts := New(users, Config{Snapshot: true}, sink.NewMemory(), zap.NewNop())
	handleAll(t, ts, heartbeat(5))
	require.NoError(t, ts.SnapshotCompleted(context.Background(), pos(40)))

	resolved, ok := ts.Resolved()
	require.True(t, ok)
	assert.Equal(t, pos(40), resolved)
	assert.False(t, ts.ShouldReadSnapshot())
}

func TestTableStream_BufferedRecordsKeepTheirSchemaVersion(t *testing.T) {
	out := sink.NewMemory()
	ts := New(users, Config{Snapshot: true}, out, zap.NewNop())
	initial := ts.Schema().Version()

	handleAll(t, ts,
		heartbeat(5),
		begin(10), insert(11, "1", "7"), insert(12, "2", "high"), commit(13),
	)
	widened := ts.Schema()
	assert.Greater(t, widened.Version(), initial)
	col, _ := widened.Column("score")
	assert.Equal(t, schema.TypeString, col.Type)

	require.NoError(t, ts.SnapshotCompleted(context.Background(), pos(9)))
	events := out.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), events[0].After["score"], "decoded with the schema it was read under")
	assert.Equal(t, "high", events[1].After["score"])
}

func TestTableStream_CheckpointRestoreKeepsWidenedColumns(t *testing.T) {
	ts := New(users, Config{}, sink.NewMemory(), zap.NewNop())
	handleAll(t, ts, heartbeat(1), begin(2), insert(3, "1", "1.5"), commit(4))

	blob := ts.Checkpoint()
	restored, err := Restore(users, Config{Snapshot: true}, blob, sink.NewMemory(), zap.NewNop())
	require.NoError(t, err)

	assert.False(t, restored.ShouldReadSnapshot(), "a resolved position skips the snapshot")
	assert.Equal(t, ReadingChangesOnly, restored.Mode())
	resolved, ok := restored.Resolved()
	require.True(t, ok)
	assert.Equal(t, pos(4), resolved)

	assert.Equal(t, ts.Schema().Version(), restored.Schema().Version())
	col, _ := restored.Schema().Column("score")
	assert.True(t, schema.Covers(col.Type, schema.TypeDecimal), "got %s", col.Type)

	_, err = Restore(common.Table{ID: common.TableID{Database: "app", Name: "other"}}, Config{}, blob, sink.NewMemory(), zap.NewNop())
	assert.Error(t, err)
}

func TestTableStream_RestoreWithoutResolvedSnapshotsAgain(t *testing.T) {
	ts := New(users, Config{Snapshot: true}, sink.NewMemory(), zap.NewNop())
	restored, err := Restore(users, Config{Snapshot: true}, ts.Checkpoint(), sink.NewMemory(), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, restored.ShouldReadSnapshot())
}

func TestTableStream_SinkFailure(t *testing.T) {
	out := sink.NewMemory()
	out.Fail = func([]common.RowEvent) error { return errors.New("sink down") }
	ts := New(users, Config{}, out, zap.NewNop())

	handleAll(t, ts, begin(1), insert(2, "1", "1"))
	err := ts.Handle(context.Background(), commit(3))
	assert.ErrorContains(t, err, "sink down")
	_, ok := ts.Resolved()
	assert.False(t, ok)
}

type chanLog struct {
	ch  chan LogRecord
	err error
}

func (c *chanLog) Records() <-chan LogRecord { return c.ch }
func (c *chanLog) Err() error                { return c.err }

type savedBlobs struct {
	mu    sync.Mutex
	blobs [][]byte
}

func (s *savedBlobs) save(_ context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = append(s.blobs, blob)
	return nil
}

func (s *savedBlobs) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blobs) == 0 {
		return nil
	}
	return s.blobs[len(s.blobs)-1]
}

func TestTableStream_Run(t *testing.T) {
	src := sourcetest.New()
	src.AddTable(users, common.Row{"id": int64(1), "score": int64(10)})

	out := sink.NewMemory()
	ts := New(users, Config{Snapshot: true, CheckpointInterval: 5 * time.Millisecond}, out, zap.NewNop())

	logs := &chanLog{ch: make(chan LogRecord, 8)}
	logs.ch <- heartbeat(1)
	saved := &savedBlobs{}

	done := make(chan error, 1)
	go func() { done <- ts.Run(context.Background(), logs, src, saved.save) }()

	require.Eventually(t, func() bool { return ts.Mode() == ReadingChangesOnly }, 2*time.Second, 5*time.Millisecond)
	logs.ch <- begin(100)
	logs.ch <- insert(101, "2", "20")
	logs.ch <- commit(102)
	close(logs.ch)
	require.NoError(t, <-done)

	events := out.Events()
	require.Len(t, events, 2)
	assert.True(t, events[0].Snapshot)
	assert.Equal(t, common.IntValue(2), events[1].Key)

	restored, err := Restore(users, Config{Snapshot: true}, saved.last(), sink.NewMemory(), zap.NewNop())
	require.NoError(t, err)
	resolved, ok := restored.Resolved()
	require.True(t, ok)
	assert.Equal(t, pos(102), resolved)
}

func TestTableStream_RunLogError(t *testing.T) {
	logs := &chanLog{ch: make(chan LogRecord), err: errors.New("connection reset")}
	close(logs.ch)

	ts := New(users, Config{Snapshot: true}, sink.NewMemory(), zap.NewNop())
	err := ts.Run(context.Background(), logs, sourcetest.New(), nil)
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
}

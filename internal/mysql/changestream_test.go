package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/tablestream"
)

// scriptedStreamer hands out events in order and then blocks until the
// context ends, like an idle replication connection.
type scriptedStreamer struct {
	events []*replication.BinlogEvent
	err    error
}

func (s *scriptedStreamer) GetEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type positionedEvent struct {
	ev  *replication.BinlogEvent
	pos common.Position
}

type scriptedSource struct {
	events []positionedEvent
	err    error
	closed bool
}

func (s *scriptedSource) next(ctx context.Context) (*replication.BinlogEvent, common.Position, error) {
	if len(s.events) > 0 {
		e := s.events[0]
		s.events = s.events[1:]
		return e.ev, e.pos, nil
	}
	if s.err != nil {
		return nil, common.Position{}, s.err
	}
	<-ctx.Done()
	return nil, common.Position{}, ctx.Err()
}

func (s *scriptedSource) close() { s.closed = true }

var ordersMap = &replication.TableMapEvent{
	Schema:     []byte("shop"),
	Table:      []byte("orders"),
	ColumnName: [][]byte{[]byte("id"), []byte("note")},
	PrimaryKey: []uint64{0},
}

func event(typ replication.EventType, size, logPos uint32, body replication.Event) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{
			Timestamp: 1700000000,
			EventType: typ,
			EventSize: size,
			LogPos:    logPos,
		},
		Event: body,
	}
}

func rowsEvent(typ replication.EventType, table *replication.TableMapEvent, rows ...[]interface{}) *replication.BinlogEvent {
	return event(typ, 40, 0, &replication.RowsEvent{Table: table, Rows: rows})
}

func at(file string, offset uint64) common.Position {
	return common.Position{File: file, Offset: offset}
}

func TestBinlogReader_FollowsPositions(t *testing.T) {
	streamer := &scriptedStreamer{events: []*replication.BinlogEvent{
		event(replication.ROTATE_EVENT, 0, 0, &replication.RotateEvent{Position: 4, NextLogName: []byte("mysql-bin.000002")}),
		event(replication.FORMAT_DESCRIPTION_EVENT, 120, 0, &replication.GenericEvent{}),
		event(replication.QUERY_EVENT, 50, 54, &replication.QueryEvent{Query: []byte("BEGIN")}),
		event(replication.XID_EVENT, 31, 85, &replication.XIDEvent{XID: 9}),
		event(replication.HEARTBEAT_EVENT, 0, 0, &replication.GenericEvent{}),
	}}
	reader := &binlogReader{streamer: streamer, pos: at("mysql-bin.000001", 900)}
	ctx := context.Background()

	ev, pos, err := reader.next(ctx)
	require.NoError(t, err)
	assert.IsType(t, &replication.QueryEvent{}, ev.Event)
	assert.Equal(t, at("mysql-bin.000002", 54), pos)

	_, pos, err = reader.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, at("mysql-bin.000002", 85), pos)

	ev, pos, err = reader.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, replication.HEARTBEAT_EVENT, ev.Header.EventType)
	assert.Equal(t, at("mysql-bin.000002", 85), pos)
}

func TestBinlogReader_DetectsGaps(t *testing.T) {
	streamer := &scriptedStreamer{events: []*replication.BinlogEvent{
		event(replication.QUERY_EVENT, 50, 500, &replication.QueryEvent{Query: []byte("BEGIN")}),
	}}
	reader := &binlogReader{streamer: streamer, pos: at("mysql-bin.000001", 4)}

	_, _, err := reader.next(context.Background())
	assert.ErrorIs(t, err, common.ErrPositionUnavailable)
}

func TestBinlogReader_StopsWithContext(t *testing.T) {
	reader := &binlogReader{streamer: &scriptedStreamer{}, pos: at("mysql-bin.000001", 4)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := reader.next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBinlogError(t *testing.T) {
	pos := at("mysql-bin.000001", 4)

	purged := binlogError(pos, &gomysql.MyError{Code: erBinlogUnavailable, Message: "could not find first log file"})
	assert.ErrorIs(t, purged, common.ErrPositionUnavailable)

	text := binlogError(pos, errors.New("ERROR 1236 (HY000): binlog truncated"))
	assert.ErrorIs(t, text, common.ErrPositionUnavailable)

	dropped := binlogError(pos, errors.New("connection reset by peer"))
	assert.False(t, errors.Is(dropped, common.ErrPositionUnavailable))
	assert.True(t, common.IsRetryable(dropped))
}

func TestSubscription_Next(t *testing.T) {
	invoices := &replication.TableMapEvent{
		Schema:     []byte("shop"),
		Table:      []byte("invoices"),
		ColumnName: [][]byte{[]byte("id")},
		PrimaryKey: []uint64{0},
	}
	src := &scriptedSource{events: []positionedEvent{
		{rowsEvent(replication.WRITE_ROWS_EVENTv2, ordersMap, []interface{}{int32(1), "a"}, []interface{}{int32(2), nil}), at("f.1", 200)},
		{rowsEvent(replication.WRITE_ROWS_EVENTv2, invoices, []interface{}{int32(7)}), at("f.1", 300)},
		{event(replication.XID_EVENT, 31, 331, &replication.XIDEvent{}), at("f.1", 331)},
		{event(replication.HEARTBEAT_EVENT, 0, 0, &replication.GenericEvent{}), at("f.1", 331)},
	}}
	filter := common.ChangeFilter{Tables: []common.TableID{{Database: "shop", Name: "orders"}}}
	sub := newSubscription(src, filter, at("f.1", 100))
	ctx := context.Background()

	rec, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.OpInsert, rec.Op)
	assert.Equal(t, int64(1), rec.Key.Int())
	assert.Equal(t, "a", rec.After["note"])
	assert.Equal(t, at("f.1", 100), sub.Scanned(), "scanned waits for the rest of the event")

	rec, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Key.Int())
	assert.Nil(t, rec.After["note"])
	assert.Equal(t, at("f.1", 200), sub.Scanned())

	rec, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Heartbeat)
	assert.Equal(t, at("f.1", 331), rec.Position)

	rec, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Heartbeat)
	assert.Equal(t, at("f.1", 331), rec.Position)

	require.NoError(t, sub.Close())
	assert.True(t, src.closed)
}

func TestSubscription_AcceptFilter(t *testing.T) {
	src := &scriptedSource{events: []positionedEvent{
		{rowsEvent(replication.WRITE_ROWS_EVENTv2, ordersMap, []interface{}{int32(1), "a"}, []interface{}{int32(2), "b"}), at("f.1", 200)},
	}}
	filter := common.ChangeFilter{Accept: func(rec common.ChangeRecord) bool { return rec.Key.Int() == 2 }}
	sub := newSubscription(src, filter, at("f.1", 100))

	rec, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Key.Int())
	assert.Equal(t, at("f.1", 200), sub.Scanned())
}

func TestSubscription_DecodeFailureIsTerminal(t *testing.T) {
	noNames := &replication.TableMapEvent{Schema: []byte("shop"), Table: []byte("orders")}
	src := &scriptedSource{events: []positionedEvent{
		{rowsEvent(replication.WRITE_ROWS_EVENTv2, noNames, []interface{}{int32(1)}), at("f.1", 200)},
	}}
	sub := newSubscription(src, common.ChangeFilter{}, at("f.1", 100))

	_, err := sub.Next(context.Background())
	require.Error(t, err)
	assert.False(t, common.IsRetryable(err))
	assert.Contains(t, err.Error(), "binlog_row_metadata=FULL")
}

func TestRowRecords(t *testing.T) {
	pos := at("f.1", 500)

	t.Run("update pairs", func(t *testing.T) {
		ev := rowsEvent(replication.UPDATE_ROWS_EVENTv2, ordersMap,
			[]interface{}{int32(1), "old"}, []interface{}{int32(1), "new"},
			[]interface{}{int32(2), "x"}, []interface{}{int32(2), "y"})
		recs, err := rowRecords(ev.Header, ev.Event.(*replication.RowsEvent), pos)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, common.OpUpdate, recs[0].Op)
		assert.Equal(t, "old", recs[0].Before["note"])
		assert.Equal(t, "new", recs[0].After["note"])
		assert.Equal(t, int64(2), recs[1].Key.Int())
		assert.Equal(t, pos, recs[1].Position)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), recs[0].Timestamp)
	})

	t.Run("delete keys from before image", func(t *testing.T) {
		ev := rowsEvent(replication.DELETE_ROWS_EVENTv2, ordersMap, []interface{}{uint16(9), "gone"})
		recs, err := rowRecords(ev.Header, ev.Event.(*replication.RowsEvent), pos)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, common.OpDelete, recs[0].Op)
		assert.Nil(t, recs[0].After)
		assert.Equal(t, uint64(9), recs[0].Key.Uint())
	})

	t.Run("odd update images", func(t *testing.T) {
		ev := rowsEvent(replication.UPDATE_ROWS_EVENTv2, ordersMap, []interface{}{int32(1), "old"})
		_, err := rowRecords(ev.Header, ev.Event.(*replication.RowsEvent), pos)
		assert.Error(t, err)
	})

	t.Run("keyless table", func(t *testing.T) {
		keyless := &replication.TableMapEvent{
			Schema:     []byte("shop"),
			Table:      []byte("log"),
			ColumnName: [][]byte{[]byte("line")},
		}
		ev := rowsEvent(replication.WRITE_ROWS_EVENTv1, keyless, []interface{}{"hello"})
		recs, err := rowRecords(ev.Header, ev.Event.(*replication.RowsEvent), pos)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Key.IsNull())
	})
}

func TestLogRecords(t *testing.T) {
	orders := common.TableID{Database: "shop", Name: "orders"}
	pos := at("f.1", 700)
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		ev   *replication.BinlogEvent
		want []tablestream.LogOp
	}{
		{"begin", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("BEGIN")}), []tablestream.LogOp{tablestream.OpBegin}},
		{"xid commit", event(replication.XID_EVENT, 1, 1, &replication.XIDEvent{}), []tablestream.LogOp{tablestream.OpCommit}},
		{"query commit", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("commit")}), []tablestream.LogOp{tablestream.OpCommit}},
		{"rollback", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("ROLLBACK")}), nil},
		{"ddl", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte("ALTER TABLE orders ADD total INT")}), []tablestream.LogOp{tablestream.OpDDL}},
		{"ddl qualified", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("ALTER TABLE `shop`.`orders` DROP note")}), []tablestream.LogOp{tablestream.OpDDL}},
		{"ddl other table", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte("CREATE TABLE invoices (id INT)")}), nil},
		{"unclassified query", event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("CREATE USER 'app'")}), []tablestream.LogOp{tablestream.OpDDL}},
		{"heartbeat", event(replication.HEARTBEAT_EVENT, 0, 0, &replication.GenericEvent{}), []tablestream.LogOp{tablestream.OpHeartbeat}},
		{"other table", rowsEvent(replication.WRITE_ROWS_EVENTv2, &replication.TableMapEvent{
			Schema: []byte("shop"), Table: []byte("invoices"), ColumnName: [][]byte{[]byte("id")},
		}, []interface{}{int32(1)}), nil},
		{"rows", rowsEvent(replication.UPDATE_ROWS_EVENTv2, ordersMap,
			[]interface{}{int64(5), "a"}, []interface{}{int64(5), created}), []tablestream.LogOp{tablestream.OpUpdate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := logRecords(tt.ev, pos, orders)
			require.NoError(t, err)
			var ops []tablestream.LogOp
			for _, r := range recs {
				ops = append(ops, r.Op)
				assert.Equal(t, pos, r.Position)
			}
			assert.Equal(t, tt.want, ops)
		})
	}

	ev := rowsEvent(replication.UPDATE_ROWS_EVENTv2, ordersMap,
		[]interface{}{int64(5), "a"}, []interface{}{int64(5), created})
	recs, err := logRecords(ev, pos, orders)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, orders, recs[0].Table)
	assert.Equal(t, "5", *recs[0].Before["id"])
	assert.Equal(t, "a", *recs[0].Before["note"])
	assert.Equal(t, "2024-03-01 12:30:00", *recs[0].After["note"])

	ddl, err := logRecords(event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Schema: []byte("shop"), Query: []byte(" DROP TABLE orders ")}), pos, orders)
	require.NoError(t, err)
	require.Len(t, ddl, 1)
	assert.Equal(t, "DROP TABLE orders", ddl[0].Statement)
	assert.Equal(t, orders, ddl[0].Table)
}

func TestLogReader_RunReportsFailure(t *testing.T) {
	src := &scriptedSource{
		events: []positionedEvent{
			{event(replication.QUERY_EVENT, 1, 1, &replication.QueryEvent{Query: []byte("BEGIN")}), at("f.1", 10)},
			{event(replication.XID_EVENT, 1, 1, &replication.XIDEvent{}), at("f.1", 20)},
		},
		err: common.NewRetryableError("binlog stream failed"),
	}
	r := &LogReader{
		table:   common.TableID{Database: "shop", Name: "orders"},
		logger:  zap.NewNop(),
		records: make(chan tablestream.LogRecord, 4),
	}

	r.run(context.Background(), src)

	var ops []tablestream.LogOp
	for rec := range r.Records() {
		ops = append(ops, rec.Op)
	}
	assert.Equal(t, []tablestream.LogOp{tablestream.OpBegin, tablestream.OpCommit}, ops)
	assert.ErrorContains(t, r.Err(), "binlog stream failed")
	assert.True(t, src.closed)
}

func TestLogReader_CancelIsNotAnError(t *testing.T) {
	r := &LogReader{logger: zap.NewNop(), records: make(chan tablestream.LogRecord)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.run(ctx, &scriptedSource{})
	_, open := <-r.Records()
	assert.False(t, open)
	assert.NoError(t, r.Err())
}

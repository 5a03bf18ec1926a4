package mysql

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/mysql/connector"
)

// ChangeStream serves subscriptions from the source binlog. Each
// subscription opens its own replication connection; server IDs are taken
// from serverID upwards so concurrent connections do not evict each other.
type ChangeStream struct {
	connector *connector.Connector
	serverID  uint32
	next      atomic.Uint32
	logger    *zap.Logger
}

func NewChangeStream(conn *connector.Connector, serverID uint32, logger *zap.Logger) *ChangeStream {
	return &ChangeStream{
		connector: conn,
		serverID:  serverID,
		logger:    common.LoggerWithComponent(logger, "binlog_stream"),
	}
}

func (s *ChangeStream) Subscribe(ctx context.Context, filter common.ChangeFilter, from common.Position) (common.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := s.serverID + s.next.Add(1) - 1
	cfg, err := s.connector.SyncerConfig(id)
	if err != nil {
		return nil, err
	}
	reader, err := openBinlog(cfg, from)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Binlog subscription opened",
		zap.Uint32("server_id", id),
		zap.String("from", from.String()))
	return newSubscription(reader, filter, from), nil
}

type subscription struct {
	events     eventSource
	filter     common.ChangeFilter
	pending    []common.ChangeRecord
	pendingPos common.Position

	mu      sync.Mutex
	scanned common.Position
}

func newSubscription(events eventSource, filter common.ChangeFilter, from common.Position) *subscription {
	return &subscription{events: events, filter: filter, scanned: from}
}

// Next returns row changes, and a heartbeat at every transaction commit so
// callers waiting for a position see progress without row traffic.
func (s *subscription) Next(ctx context.Context) (common.ChangeRecord, error) {
	for {
		for len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			if len(s.pending) == 0 {
				s.setScanned(s.pendingPos)
			}
			if s.filter.Matches(rec) {
				return rec, nil
			}
		}

		ev, pos, err := s.events.next(ctx)
		if err != nil {
			return common.ChangeRecord{}, err
		}

		switch e := ev.Event.(type) {
		case *replication.RowsEvent:
			if !wantsTable(s.filter, tableOf(e.Table)) {
				s.setScanned(pos)
				continue
			}
			recs, err := rowRecords(ev.Header, e, pos)
			if err != nil {
				return common.ChangeRecord{}, common.NewTerminalError("failed to decode row event at %s: %w", pos, err)
			}
			if len(recs) == 0 {
				s.setScanned(pos)
				continue
			}
			s.pending, s.pendingPos = recs, pos
		case *replication.XIDEvent:
			s.setScanned(pos)
			return common.ChangeRecord{Position: pos, Heartbeat: true}, nil
		default:
			if ev.Header.EventType == replication.HEARTBEAT_EVENT {
				return common.ChangeRecord{Position: s.Scanned(), Heartbeat: true}, nil
			}
			s.setScanned(pos)
		}
	}
}

func (s *subscription) setScanned(pos common.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = pos
}

func (s *subscription) Scanned() common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned
}

func (s *subscription) Close() error {
	s.events.close()
	return nil
}

func wantsTable(filter common.ChangeFilter, id common.TableID) bool {
	if len(filter.Tables) == 0 {
		return true
	}
	for _, t := range filter.Tables {
		if t == id {
			return true
		}
	}
	return false
}

func tableOf(tm *replication.TableMapEvent) common.TableID {
	if tm == nil {
		return common.TableID{}
	}
	return common.TableID{Database: string(tm.Schema), Name: string(tm.Table)}
}

// rowRecords converts one rows event into change records that all carry the
// event's end position. Column names come from the table map, so the server
// must run with binlog_row_metadata=FULL.
func rowRecords(h *replication.EventHeader, e *replication.RowsEvent, pos common.Position) ([]common.ChangeRecord, error) {
	if e.Table == nil {
		return nil, fmt.Errorf("rows event without table map")
	}
	names := e.Table.ColumnNameString()
	if len(names) == 0 {
		return nil, fmt.Errorf("no column names for %s, binlog_row_metadata=FULL is required", tableOf(e.Table))
	}
	keyColumn := ""
	if len(e.Table.PrimaryKey) > 0 && int(e.Table.PrimaryKey[0]) < len(names) {
		keyColumn = names[e.Table.PrimaryKey[0]]
	}

	id := tableOf(e.Table)
	ts := time.Unix(int64(h.Timestamp), 0).UTC()
	build := func(op common.OpType, before, after []interface{}) (common.ChangeRecord, error) {
		rec := common.ChangeRecord{Table: id, Op: op, Position: pos, Timestamp: ts}
		var err error
		if before != nil {
			if rec.Before, err = imageOf(names, before); err != nil {
				return rec, err
			}
		}
		if after != nil {
			if rec.After, err = imageOf(names, after); err != nil {
				return rec, err
			}
		}
		image := rec.After
		if op == common.OpDelete {
			image = rec.Before
		}
		rec.Key, err = keyOf(image, keyColumn)
		return rec, err
	}

	var recs []common.ChangeRecord
	switch h.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			rec, err := build(common.OpInsert, nil, row)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		if len(e.Rows)%2 != 0 {
			return nil, fmt.Errorf("update event for %s has %d row images", id, len(e.Rows))
		}
		for i := 0; i < len(e.Rows); i += 2 {
			rec, err := build(common.OpUpdate, e.Rows[i], e.Rows[i+1])
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range e.Rows {
			rec, err := build(common.OpDelete, row, nil)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func imageOf(names []string, values []interface{}) (common.Row, error) {
	if len(values) > len(names) {
		return nil, fmt.Errorf("row has %d columns but the table map names %d", len(values), len(names))
	}
	row := make(common.Row, len(values))
	for i, v := range values {
		row[names[i]] = normalise(v)
	}
	return row, nil
}

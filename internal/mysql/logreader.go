package mysql

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/mysql/connector"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
	"github.com/philippevezina/snapshot-bridge/internal/tablestream"
)

const logBufferSize = 1024

// LogReader feeds a table stream with the raw binlog of one table:
// transaction boundaries, heartbeats, DDL and text row images.
type LogReader struct {
	connector *connector.Connector
	serverID  uint32
	table     common.TableID
	logger    *zap.Logger

	records chan tablestream.LogRecord
	mu      sync.Mutex
	err     error
}

func NewLogReader(conn *connector.Connector, serverID uint32, table common.TableID, logger *zap.Logger) *LogReader {
	return &LogReader{
		connector: conn,
		serverID:  serverID,
		table:     table,
		logger:    common.LoggerWithComponent(logger, "binlog_log_reader"),
		records:   make(chan tablestream.LogRecord, logBufferSize),
	}
}

// Start connects at from and reads in the background until ctx ends or the
// stream fails.
func (r *LogReader) Start(ctx context.Context, from common.Position) error {
	cfg, err := r.connector.SyncerConfig(r.serverID)
	if err != nil {
		return err
	}
	reader, err := openBinlog(cfg, from)
	if err != nil {
		return err
	}
	r.logger.Info("Reading binlog", zap.String("table", r.table.String()), zap.String("from", from.String()))
	go r.run(ctx, reader)
	return nil
}

func (r *LogReader) run(ctx context.Context, events eventSource) {
	defer close(r.records)
	defer events.close()

	for {
		ev, pos, err := events.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
				r.logger.Error("Binlog reader stopped", zap.Error(err))
			}
			return
		}

		recs, err := logRecords(ev, pos, r.table)
		if err != nil {
			r.mu.Lock()
			r.err = common.NewTerminalError("failed to decode binlog event at %s: %w", pos, err)
			r.mu.Unlock()
			return
		}
		for _, rec := range recs {
			select {
			case r.records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *LogReader) Records() <-chan tablestream.LogRecord {
	return r.records
}

func (r *LogReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func logRecords(ev *replication.BinlogEvent, pos common.Position, table common.TableID) ([]tablestream.LogRecord, error) {
	ts := time.Unix(int64(ev.Header.Timestamp), 0).UTC()
	base := tablestream.LogRecord{Position: pos, Timestamp: ts}

	switch e := ev.Event.(type) {
	case *replication.XIDEvent:
		base.Op = tablestream.OpCommit
		return []tablestream.LogRecord{base}, nil

	case *replication.QueryEvent:
		stmt := strings.TrimSpace(string(e.Query))
		switch upper := strings.ToUpper(stmt); {
		case upper == "BEGIN":
			base.Op = tablestream.OpBegin
		case upper == "COMMIT":
			base.Op = tablestream.OpCommit
		case upper == "ROLLBACK", strings.HasPrefix(upper, "SAVEPOINT "):
			return nil, nil
		default:
			ddl := schema.ParseDDL(stmt, string(e.Schema))
			if !ddl.Concerns(table) {
				return nil, nil
			}
			base.Op = tablestream.OpDDL
			base.Table = table
			base.Statement = ddl.Statement
		}
		return []tablestream.LogRecord{base}, nil

	case *replication.RowsEvent:
		if tableOf(e.Table) != table {
			return nil, nil
		}
		changes, err := rowRecords(ev.Header, e, pos)
		if err != nil {
			return nil, err
		}
		out := make([]tablestream.LogRecord, 0, len(changes))
		for _, c := range changes {
			rec := base
			rec.Table = c.Table
			switch c.Op {
			case common.OpInsert:
				rec.Op = tablestream.OpInsert
			case common.OpUpdate:
				rec.Op = tablestream.OpUpdate
			case common.OpDelete:
				rec.Op = tablestream.OpDelete
			}
			rec.Before = rawOf(c.Before)
			rec.After = rawOf(c.After)
			out = append(out, rec)
		}
		return out, nil
	}

	if ev.Header.EventType == replication.HEARTBEAT_EVENT {
		base.Op = tablestream.OpHeartbeat
		return []tablestream.LogRecord{base}, nil
	}
	return nil, nil
}

func rawOf(row common.Row) schema.RawRecord {
	if row == nil {
		return nil
	}
	raw := make(schema.RawRecord, len(row))
	for name, v := range row {
		raw[name] = textOf(v)
	}
	return raw
}

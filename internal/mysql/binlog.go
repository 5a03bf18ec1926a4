package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// erBinlogUnavailable is ER_MASTER_FATAL_ERROR_READING_BINLOG, sent when the
// requested file or offset is no longer on the server.
const erBinlogUnavailable = 1236

type eventStreamer interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// eventSource yields binlog events with the position right after each one.
type eventSource interface {
	next(ctx context.Context) (*replication.BinlogEvent, common.Position, error)
	close()
}

// binlogReader follows one replication connection and checks that every
// event starts where the previous one ended.
type binlogReader struct {
	streamer eventStreamer
	closer   func()
	pos      common.Position
}

func openBinlog(cfg replication.BinlogSyncerConfig, from common.Position) (*binlogReader, error) {
	syncer := replication.NewBinlogSyncer(cfg)
	streamer, err := syncer.StartSync(gomysql.Position{Name: from.File, Pos: uint32(from.Offset)})
	if err != nil {
		syncer.Close()
		return nil, binlogError(from, err)
	}
	return &binlogReader{streamer: streamer, closer: syncer.Close, pos: from}, nil
}

func (b *binlogReader) next(ctx context.Context) (*replication.BinlogEvent, common.Position, error) {
	for {
		ev, err := b.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, b.pos, ctx.Err()
			}
			return nil, b.pos, binlogError(b.pos, err)
		}

		h := ev.Header
		if rot, ok := ev.Event.(*replication.RotateEvent); ok {
			b.pos = common.Position{File: string(rot.NextLogName), Offset: rot.Position}
			continue
		}
		if h.EventType == replication.HEARTBEAT_EVENT {
			return ev, b.pos, nil
		}
		// Artificial events sent at connect time have no position.
		if h.LogPos == 0 {
			continue
		}

		start := uint64(h.LogPos) - uint64(h.EventSize)
		if start != b.pos.Offset {
			return nil, b.pos, fmt.Errorf("%w: event at %s:%d does not follow %s",
				common.ErrPositionUnavailable, b.pos.File, start, b.pos)
		}
		b.pos.Offset = uint64(h.LogPos)
		return ev, b.pos, nil
	}
}

func (b *binlogReader) close() {
	if b.closer != nil {
		b.closer()
	}
}

func binlogError(pos common.Position, err error) error {
	var myErr *gomysql.MyError
	if (errors.As(err, &myErr) && myErr.Code == erBinlogUnavailable) || strings.Contains(err.Error(), "ERROR 1236") {
		return fmt.Errorf("%w: %s: %v", common.ErrPositionUnavailable, pos, err)
	}
	return common.NewRetryableError("binlog stream failed at %s: %w", pos, err)
}

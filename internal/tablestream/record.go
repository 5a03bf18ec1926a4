package tablestream

import (
	"time"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
)

type Mode uint8

const (
	ReadingChangesOnly Mode = iota + 1
	ReadingChangesWhileSnapshotting
)

func (m Mode) String() string {
	switch m {
	case ReadingChangesOnly:
		return "ReadingChangesOnly"
	case ReadingChangesWhileSnapshotting:
		return "ReadingChangesWhileSnapshotting"
	}
	return "Unknown"
}

type LogOp uint8

const (
	OpHeartbeat LogOp = iota + 1
	OpBegin
	OpInsert
	OpUpdate
	OpDelete
	OpCommit
	OpDDL
)

func (o LogOp) String() string {
	switch o {
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpBegin:
		return "BEGIN"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCommit:
		return "COMMIT"
	case OpDDL:
		return "DDL"
	}
	return "UNKNOWN"
}

func (o LogOp) isDML() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// LogRecord is one entry of the raw change log. Row images are in text form
// and decoded against the table schema only when emitted.
type LogRecord struct {
	Op        LogOp
	Table     common.TableID
	Before    schema.RawRecord
	After     schema.RawRecord
	Position  common.Position
	Timestamp time.Time
	// Statement holds the query text of DDL records.
	Statement string
}

// LogSource delivers log records in commit order. Records is closed when
// the source stops; Err then reports why.
type LogSource interface {
	Records() <-chan LogRecord
	Err() error
}

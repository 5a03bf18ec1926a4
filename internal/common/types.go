package common

import (
	"fmt"
	"strings"
	"time"
)

type OpType string

const (
	OpInsert OpType = "INSERT"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Position is a point in the change stream. Positions order by log file name
// first and by offset within the file second.
type Position struct {
	File   string `json:"file"`
	Offset uint64 `json:"offset"`
}

func (p Position) Compare(o Position) int {
	if c := strings.Compare(p.File, o.File); c != 0 {
		return c
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d", p.Offset)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// MinPosition returns the smallest of the given positions, or the zero
// position when none are given.
func MinPosition(positions ...Position) Position {
	var min Position
	for i, p := range positions {
		if i == 0 || p.Less(min) {
			min = p
		}
	}
	return min
}

// MaxPosition returns the largest of the given positions.
func MaxPosition(positions ...Position) Position {
	var max Position
	for i, p := range positions {
		if i == 0 || max.Less(p) {
			max = p
		}
	}
	return max
}

type TableID struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

func (t TableID) String() string {
	return t.Database + "." + t.Name
}

func (t TableID) Compare(o TableID) int {
	if c := strings.Compare(t.Database, o.Database); c != 0 {
		return c
	}
	return strings.Compare(t.Name, o.Name)
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	ID         TableID  `json:"id"`
	Columns    []Column `json:"columns"`
	KeyColumns []string `json:"key_columns"`
}

// ChunkKey returns the column used to split the table, or false when the
// table has no primary or unique key.
func (t Table) ChunkKey() (string, bool) {
	if len(t.KeyColumns) == 0 {
		return "", false
	}
	return t.KeyColumns[0], true
}

// RowKey identifies a row by the values of all key columns, in key order.
// Its first value is the chunk key, so RowKey order refines chunk key order.
type RowKey []Value

// RowKey extracts the full key of row.
func (t Table) RowKey(row Row) (RowKey, error) {
	if len(t.KeyColumns) == 0 {
		return nil, fmt.Errorf("%s: %w", t.ID, ErrNoChunkKey)
	}
	key := make(RowKey, len(t.KeyColumns))
	for i, col := range t.KeyColumns {
		v, err := row.Key(col)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// Compare orders keys value by value. A key that is a prefix of another
// sorts first.
func (k RowKey) Compare(o RowKey) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k RowKey) Equal(o RowKey) bool {
	return k.Compare(o) == 0
}

func (k RowKey) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

type Row map[string]interface{}

// Key extracts the chunk key value of the row.
func (r Row) Key(column string) (Value, error) {
	raw, ok := r[column]
	if !ok {
		return Value{}, fmt.Errorf("row has no key column %s", column)
	}
	return ValueOf(raw)
}

func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RowEvent is the unit emitted to sinks.
type RowEvent struct {
	Op        OpType    `json:"op"`
	Table     TableID   `json:"table"`
	Key       Value     `json:"key"`
	Before    Row       `json:"before,omitempty"`
	After     Row       `json:"after,omitempty"`
	Position  Position  `json:"position"`
	Snapshot  bool      `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeRecord is one item of a change stream subscription. Heartbeat
// records carry only a position.
type ChangeRecord struct {
	Table     TableID
	Key       Value
	Op        OpType
	Before    Row
	After     Row
	Position  Position
	Heartbeat bool
	Timestamp time.Time
}

type HealthStatus struct {
	Status         string        `json:"status"`
	Phase          string        `json:"phase"`
	SourceHealthy  bool          `json:"source_healthy"`
	StorageHealthy bool          `json:"storage_healthy"`
	LastError      string        `json:"last_error,omitempty"`
	Uptime         time.Duration `json:"uptime"`
	Version        string        `json:"version"`
}

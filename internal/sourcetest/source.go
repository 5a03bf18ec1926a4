// Package sourcetest provides an in-memory source database with a change
// log for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
)

const (
	LogFile     = "mysql-bin.000001"
	startOffset = 4
	eventSize   = 10
)

type table struct {
	meta common.Table
	rows map[string]common.Row
	keys map[string]common.RowKey
}

// Source is a fake database. Every mutation appends a change record whose
// position is strictly greater than all earlier ones.
type Source struct {
	mu      sync.Mutex
	tables  map[common.TableID]*table
	log     []common.ChangeRecord
	head    common.Position
	purged  common.Position
	changed chan struct{}

	// AfterRead runs after ReadChunk has taken its copy of the rows and
	// before it returns, so tests can interleave writes with a chunk read.
	AfterRead func(table common.TableID, c chunk.Chunk)

	ReadErr      error
	PositionErr  error
	DiscoverErr  error
	SubscribeErr error
}

func New() *Source {
	return &Source{
		tables:  make(map[common.TableID]*table),
		head:    common.Position{File: LogFile, Offset: startOffset},
		changed: make(chan struct{}),
	}
}

func keyString(key common.RowKey) string {
	var sb strings.Builder
	for _, v := range key {
		fmt.Fprintf(&sb, "%s:%q;", v.Kind(), v.String())
	}
	return sb.String()
}

// AddTable registers a table and loads rows without producing change
// records.
func (s *Source) AddTable(meta common.Table, rows ...common.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &table{meta: meta, rows: make(map[string]common.Row), keys: make(map[string]common.RowKey)}
	s.tables[meta.ID] = t
	for _, r := range rows {
		key := mustKey(meta, r)
		t.rows[keyString(key)] = r.Clone()
		t.keys[keyString(key)] = key
	}
}

// mustKey returns the full key of r. Tables without a key are identified by
// their first column.
func mustKey(meta common.Table, r common.Row) common.RowKey {
	if len(meta.KeyColumns) == 0 {
		v, err := r.Key(meta.ColumnNames()[0])
		if err != nil {
			panic(fmt.Sprintf("sourcetest: %v", err))
		}
		return common.RowKey{v}
	}
	key, err := meta.RowKey(r)
	if err != nil {
		panic(fmt.Sprintf("sourcetest: %v", err))
	}
	return key
}

func (s *Source) appendLocked(rec common.ChangeRecord) common.Position {
	s.head = common.Position{File: s.head.File, Offset: s.head.Offset + eventSize}
	rec.Position = s.head
	rec.Timestamp = time.Unix(int64(s.head.Offset), 0).UTC()
	s.log = append(s.log, rec)
	close(s.changed)
	s.changed = make(chan struct{})
	return s.head
}

func (s *Source) Insert(id common.TableID, row common.Row) common.Position {
	return s.Upsert(id, row)
}

// Upsert writes row and logs an insert or update.
func (s *Source) Upsert(id common.TableID, row common.Row) common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.mustTable(id)
	key := mustKey(t.meta, row)
	k := keyString(key)
	before, exists := t.rows[k]
	t.rows[k] = row.Clone()
	t.keys[k] = key

	rec := common.ChangeRecord{Table: id, Key: key[0], Op: common.OpInsert, After: row.Clone()}
	if exists {
		rec.Op, rec.Before = common.OpUpdate, before
	}
	return s.appendLocked(rec)
}

// Delete removes the row with the given key values, one per key column, and
// logs the delete with the row as its before image.
func (s *Source) Delete(id common.TableID, key ...common.Value) common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.mustTable(id)
	k := keyString(key)
	before := t.rows[k]
	delete(t.rows, k)
	delete(t.keys, k)
	return s.appendLocked(common.ChangeRecord{Table: id, Key: key[0], Op: common.OpDelete, Before: before})
}

func (s *Source) Heartbeat() common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(common.ChangeRecord{Heartbeat: true})
}

// Purge drops every record at or before pos from the log.
func (s *Source) Purge(pos common.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.log), func(i int) bool { return pos.Less(s.log[i].Position) })
	s.log = s.log[i:]
	s.purged = pos
}

// LoseRecord removes the record at pos from the log, leaving a hole that
// subscriptions report as a discontinuity.
func (s *Source) LoseRecord(pos common.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.log {
		if rec.Position == pos {
			s.log = append(s.log[:i:i], s.log[i+1:]...)
			return
		}
	}
}

func (s *Source) mustTable(id common.TableID) *table {
	t, ok := s.tables[id]
	if !ok {
		panic(fmt.Sprintf("sourcetest: unknown table %s", id))
	}
	return t
}

func (s *Source) DiscoverTables(context.Context) ([]common.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DiscoverErr != nil {
		return nil, s.DiscoverErr
	}
	out := make([]common.Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

// sortedLocked returns the chunk keys and rows of t in full key order.
func (s *Source) sortedLocked(t *table) ([]common.Value, []common.Row) {
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return t.keys[keys[i]].Compare(t.keys[keys[j]]) < 0 })

	vals := make([]common.Value, len(keys))
	rows := make([]common.Row, len(keys))
	for i, k := range keys {
		vals[i], rows[i] = t.keys[k][0], t.rows[k].Clone()
	}
	return vals, rows
}

func (s *Source) ReadChunk(_ context.Context, meta common.Table, c chunk.Chunk) ([]common.Row, error) {
	s.mu.Lock()
	if s.ReadErr != nil {
		err := s.ReadErr
		s.mu.Unlock()
		return nil, err
	}
	keys, rows := s.sortedLocked(s.mustTable(meta.ID))
	var out []common.Row
	for i, key := range keys {
		if c.Contains(key) {
			out = append(out, rows[i])
		}
	}
	hook := s.AfterRead
	s.mu.Unlock()

	if hook != nil {
		hook(meta.ID, c)
	}
	return out, nil
}

func (s *Source) CurrentPosition(context.Context) (common.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PositionErr != nil {
		return common.Position{}, s.PositionErr
	}
	return s.head, nil
}

func (s *Source) EarliestPosition(context.Context) (common.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purged.IsZero() {
		return common.Position{File: LogFile, Offset: startOffset}, nil
	}
	return s.purged, nil
}

func (s *Source) KeyStats(_ context.Context, meta common.Table, _ string) (chunk.KeyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, _ := s.sortedLocked(s.mustTable(meta.ID))
	if len(keys) == 0 {
		return chunk.KeyStats{}, nil
	}
	return chunk.KeyStats{Min: keys[0], Max: keys[len(keys)-1], RowCount: int64(len(keys))}, nil
}

func (s *Source) SampleKeys(_ context.Context, meta common.Table, _ string, every int) ([]common.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, _ := s.sortedLocked(s.mustTable(meta.ID))
	var out []common.Value
	for i := 0; i < len(keys); i += every {
		out = append(out, keys[i])
	}
	return out, nil
}

// Rows returns the current rows of a table in key order.
func (s *Source) Rows(id common.TableID) []common.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rows := s.sortedLocked(s.mustTable(id))
	return rows
}

func (s *Source) Subscribe(_ context.Context, filter common.ChangeFilter, from common.Position) (common.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	if !s.purged.IsZero() && from.Less(s.purged) {
		return nil, fmt.Errorf("%w: %s was purged, earliest is %s", common.ErrPositionUnavailable, from, s.purged)
	}
	return &subscription{source: s, filter: filter, after: from}, nil
}

type subscription struct {
	source *Source
	filter common.ChangeFilter
	after  common.Position
	closed bool
}

func (sub *subscription) Next(ctx context.Context) (common.ChangeRecord, error) {
	s := sub.source
	for {
		if err := ctx.Err(); err != nil {
			return common.ChangeRecord{}, err
		}
		s.mu.Lock()
		if sub.closed {
			s.mu.Unlock()
			return common.ChangeRecord{}, fmt.Errorf("subscription closed")
		}
		if !s.purged.IsZero() && sub.after.Less(s.purged) {
			s.mu.Unlock()
			return common.ChangeRecord{}, fmt.Errorf("%w: %s was purged", common.ErrPositionUnavailable, sub.after)
		}
		i := sort.Search(len(s.log), func(i int) bool { return sub.after.Less(s.log[i].Position) })
		for ; i < len(s.log); i++ {
			rec := s.log[i]
			if rec.Position.File != sub.after.File || rec.Position.Offset != sub.after.Offset+eventSize {
				s.mu.Unlock()
				return common.ChangeRecord{}, fmt.Errorf("%w: expected an event at %d after %s, got %s",
					common.ErrPositionUnavailable, sub.after.Offset+eventSize, sub.after, rec.Position)
			}
			sub.after = rec.Position
			if sub.filter.Matches(rec) {
				s.mu.Unlock()
				return rec, nil
			}
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return common.ChangeRecord{}, ctx.Err()
		case <-wait:
		}
	}
}

func (sub *subscription) Scanned() common.Position {
	sub.source.mu.Lock()
	defer sub.source.mu.Unlock()
	return sub.after
}

func (sub *subscription) Close() error {
	sub.source.mu.Lock()
	defer sub.source.mu.Unlock()
	sub.closed = true
	return nil
}

package schema

import (
	"fmt"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is an immutable, versioned column layout of one table.
type Schema struct {
	version uint64
	table   common.TableID
	columns []Column
	index   map[string]int
}

func New(table common.TableID, version uint64, columns []Column) *Schema {
	s := &Schema{
		version: version,
		table:   table,
		columns: append([]Column(nil), columns...),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range s.columns {
		s.index[c.Name] = i
	}
	return s
}

// FromTable builds the initial schema of a discovered table.
func FromTable(t common.Table) *Schema {
	cols := make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = Column{Name: c.Name, Type: FromColumnType(c.Type)}
	}
	return New(t.ID, 1, cols)
}

func (s *Schema) Version() uint64       { return s.version }
func (s *Schema) Table() common.TableID { return s.table }
func (s *Schema) Columns() []Column     { return append([]Column(nil), s.columns...) }

// Column returns the named column. A column the schema has never seen is
// reported with TypeNull.
func (s *Schema) Column(name string) (Column, bool) {
	if i, ok := s.index[name]; ok {
		return s.columns[i], true
	}
	return Column{Name: name, Type: TypeNull}, false
}

// withColumn returns the next version with column set to typ, appending the
// column when it is new.
func (s *Schema) withColumn(name string, typ Type) *Schema {
	cols := s.Columns()
	if i, ok := s.index[name]; ok {
		cols[i].Type = typ
	} else {
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return New(s.table, s.version+1, cols)
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s@v%d", s.table, s.version)
}

// RawRecord holds the text form of a row. A nil field is SQL NULL.
type RawRecord map[string]*string

func Text(s string) *string {
	return &s
}

// Record is a raw row tagged with the schema version it parses under.
type Record struct {
	Raw     RawRecord
	Version uint64
}

// Decode converts a raw row with schema s.
func (s *Schema) Decode(raw RawRecord) (common.Row, error) {
	row := make(common.Row, len(raw))
	for name, text := range raw {
		if text == nil {
			row[name] = nil
			continue
		}
		col, ok := s.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %s is not part of schema %s", name, s)
		}
		v, err := Parse(col.Type, *text)
		if err != nil {
			return nil, fmt.Errorf("column %s of schema %s: %w", name, s, err)
		}
		row[name] = v
	}
	return row, nil
}

package reconciler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type bufferedRow struct {
	// key is the chunk key, ident the full row identity.
	key   common.Value
	ident common.RowKey
	row   common.Row
}

func lessRow(a, b bufferedRow) bool {
	return a.ident.Compare(b.ident) < 0
}

// rowBuffer holds the rows of one chunk ordered by key while stream events
// are folded into it.
type rowBuffer struct {
	table common.Table
	chunk chunk.Chunk
	tree  *btree.BTreeG[bufferedRow]
}

func newRowBuffer(table common.Table, c chunk.Chunk) *rowBuffer {
	return &rowBuffer{
		table: table,
		chunk: c,
		tree:  btree.NewG(16, lessRow),
	}
}

// rowIdentity returns the chunk key and the full key of row. Rows of tables
// without a key are identified by all of their column values.
func rowIdentity(table common.Table, row common.Row) (common.Value, common.RowKey, error) {
	if len(table.KeyColumns) > 0 {
		ident, err := table.RowKey(row)
		if err != nil {
			return common.Value{}, nil, err
		}
		return ident[0], ident, nil
	}

	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s=%v;", name, row[name])
	}
	v := common.StringValue(sb.String())
	return v, common.RowKey{v}, nil
}

func (b *rowBuffer) load(rows []common.Row) error {
	for _, row := range rows {
		key, ident, err := rowIdentity(b.table, row)
		if err != nil {
			return err
		}
		b.tree.ReplaceOrInsert(bufferedRow{key: key, ident: ident, row: row})
	}
	return nil
}

// touches reports whether rec can change a row of the chunk.
func (b *rowBuffer) touches(rec common.ChangeRecord) bool {
	if rec.Table != b.table.ID {
		return false
	}
	for _, img := range []common.Row{rec.Before, rec.After} {
		if img == nil {
			continue
		}
		if key, _, err := rowIdentity(b.table, img); err == nil && b.chunk.Contains(key) {
			return true
		}
	}
	return len(b.table.KeyColumns) > 0 && !rec.Key.IsNull() && b.chunk.Contains(rec.Key)
}

// deleteKey returns the identity of the row a delete removes. Without a
// before image only single-column keys can be recovered from rec.Key.
func (b *rowBuffer) deleteKey(rec common.ChangeRecord) (common.RowKey, error) {
	if rec.Before != nil {
		_, ident, err := rowIdentity(b.table, rec.Before)
		return ident, err
	}
	if len(b.table.KeyColumns) == 1 && !rec.Key.IsNull() {
		return common.RowKey{rec.Key}, nil
	}
	return nil, fmt.Errorf("delete at %s has no row image to identify the row", rec.Position)
}

// apply folds one change into the buffer. The last change per key wins and
// a delete removes the row.
func (b *rowBuffer) apply(rec common.ChangeRecord) error {
	switch rec.Op {
	case common.OpInsert, common.OpUpdate:
		if rec.After == nil {
			return fmt.Errorf("%s change at %s has no row image", rec.Op, rec.Position)
		}
		key, after, err := rowIdentity(b.table, rec.After)
		if err != nil {
			return err
		}
		if rec.Before != nil {
			_, before, err := rowIdentity(b.table, rec.Before)
			if err != nil {
				return err
			}
			if !before.Equal(after) {
				b.tree.Delete(bufferedRow{ident: before})
			}
		}
		if b.chunk.Contains(key) {
			b.tree.ReplaceOrInsert(bufferedRow{key: key, ident: after, row: rec.After.Clone()})
		} else {
			b.tree.Delete(bufferedRow{ident: after})
		}
	case common.OpDelete:
		ident, err := b.deleteKey(rec)
		if err != nil {
			return err
		}
		b.tree.Delete(bufferedRow{ident: ident})
	default:
		return fmt.Errorf("unknown change op %q at %s", rec.Op, rec.Position)
	}
	return nil
}

func (b *rowBuffer) rows() []bufferedRow {
	out := make([]bufferedRow, 0, b.tree.Len())
	b.tree.Ascend(func(item bufferedRow) bool {
		out = append(out, item)
		return true
	})
	return out
}

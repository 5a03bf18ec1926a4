package stream

import (
	"github.com/google/btree"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

// finishedIndex answers "which finished chunk holds this key, and up to which
// position does it already reflect changes".
type finishedIndex struct {
	tables  map[common.TableID]*btree.BTreeG[split.FinishedInfo]
	maxHigh common.Position
}

func lessByLow(a, b split.FinishedInfo) bool {
	al, bl := a.Chunk.Low, b.Chunk.Low
	if al.IsOpen() || bl.IsOpen() {
		return al.IsOpen() && !bl.IsOpen()
	}
	return al.Value().Compare(bl.Value()) < 0
}

func newFinishedIndex(finished []split.FinishedInfo) *finishedIndex {
	idx := &finishedIndex{tables: make(map[common.TableID]*btree.BTreeG[split.FinishedInfo])}
	for _, f := range finished {
		tree, ok := idx.tables[f.Chunk.Table]
		if !ok {
			tree = btree.NewG(16, lessByLow)
			idx.tables[f.Chunk.Table] = tree
		}
		tree.ReplaceOrInsert(f)
		idx.maxHigh = common.MaxPosition(idx.maxHigh, f.High)
	}
	return idx
}

func (idx *finishedIndex) empty() bool {
	return len(idx.tables) == 0
}

// lookup returns the finished chunk of table containing key.
func (idx *finishedIndex) lookup(table common.TableID, key common.Value) (split.FinishedInfo, bool) {
	tree, ok := idx.tables[table]
	if !ok {
		return split.FinishedInfo{}, false
	}

	pivot := split.FinishedInfo{Chunk: chunk.Chunk{Low: chunk.At(key)}}
	var (
		found split.FinishedInfo
		hit   bool
	)
	tree.DescendLessOrEqual(pivot, func(item split.FinishedInfo) bool {
		found, hit = item, item.Chunk.Contains(key)
		return false
	})
	return found, hit
}

// covered reports whether the chunk holding key already reflects a change
// at pos.
func (idx *finishedIndex) covered(table common.TableID, key common.Value, pos common.Position) bool {
	info, ok := idx.lookup(table, key)
	return ok && !info.High.Less(pos)
}

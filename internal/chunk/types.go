package chunk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// Bound is one end of a chunk range. An open bound extends to the end of the
// key domain.
type Bound struct {
	value common.Value
	set   bool
}

// Open returns an unbounded end.
func Open() Bound {
	return Bound{}
}

// At returns a bound at key v.
func At(v common.Value) Bound {
	return Bound{value: v, set: true}
}

func (b Bound) IsOpen() bool        { return !b.set }
func (b Bound) Value() common.Value { return b.value }

func (b Bound) Equal(o Bound) bool {
	if b.set != o.set {
		return false
	}
	return !b.set || b.value.Equal(o.value)
}

func (b Bound) String() string {
	if !b.set {
		return "open"
	}
	return b.value.String()
}

type boundJSON struct {
	Open  bool          `json:"open,omitempty"`
	Value *common.Value `json:"value,omitempty"`
}

func (b Bound) MarshalJSON() ([]byte, error) {
	if !b.set {
		return json.Marshal(boundJSON{Open: true})
	}
	v := b.value
	return json.Marshal(boundJSON{Value: &v})
}

func (b *Bound) UnmarshalJSON(data []byte) error {
	var in boundJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Open || in.Value == nil {
		*b = Open()
		return nil
	}
	*b = At(*in.Value)
	return nil
}

// Chunk is a key range of one table: Low is inclusive, High is exclusive.
type Chunk struct {
	ID      string         `json:"id"`
	Table   common.TableID `json:"table"`
	Ordinal int            `json:"ordinal"`
	Low     Bound          `json:"low"`
	High    Bound          `json:"high"`
}

// NewChunk builds the chunk covering [low, high) of table, with the ID derived
// from its ordinal.
func NewChunk(table common.TableID, ordinal int, low, high Bound) Chunk {
	return Chunk{
		ID:      ChunkID(table, ordinal),
		Table:   table,
		Ordinal: ordinal,
		Low:     low,
		High:    high,
	}
}

// ChunkID formats the ID of a chunk as "<db>.<table>:<ordinal>".
func ChunkID(table common.TableID, ordinal int) string {
	return fmt.Sprintf("%s:%d", table, ordinal)
}

// Contains reports whether key falls in [Low, High).
func (c Chunk) Contains(key common.Value) bool {
	if c.Low.set && key.Compare(c.Low.value) < 0 {
		return false
	}
	if c.High.set && key.Compare(c.High.value) >= 0 {
		return false
	}
	return true
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s[%s, %s)", c.ID, c.Low, c.High)
}

// KeyStats describes the chunk key column of a table.
type KeyStats struct {
	Min      common.Value
	Max      common.Value
	RowCount int64
}

// KeySampler gives the splitter access to the key distribution of a table.
type KeySampler interface {
	KeyStats(ctx context.Context, table common.Table, column string) (KeyStats, error)
	// SampleKeys returns the key at every Nth row in key order, starting
	// from the first row.
	SampleKeys(ctx context.Context, table common.Table, column string, every int) ([]common.Value, error)
}

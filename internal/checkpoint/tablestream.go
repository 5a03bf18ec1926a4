package checkpoint

import (
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
)

// TableStreamState is the checkpoint of the single-table streaming path.
type TableStreamState struct {
	Table common.TableID
	// Resolved is the position after the last emitted transaction. Nil when
	// the initial snapshot has not completed.
	Resolved      *common.Position
	SchemaVersion uint64
	Columns       []schema.Column
}

func EncodeTableStream(st TableStreamState) []byte {
	w := newWriter(KindTableStream)
	w.tableID(st.Table)
	w.bool(st.Resolved != nil)
	if st.Resolved != nil {
		w.position(*st.Resolved)
	}
	w.u64(st.SchemaVersion)
	w.uvarint(uint64(len(st.Columns)))
	for _, c := range st.Columns {
		w.str(c.Name)
		w.u8(uint8(c.Type))
	}
	return w.bytes()
}

func DecodeTableStream(blob []byte) (TableStreamState, error) {
	r, err := checkHeader(blob, KindTableStream)
	if err != nil {
		return TableStreamState{}, err
	}

	st := TableStreamState{Table: r.tableID()}
	if r.bool() {
		p := r.position()
		st.Resolved = &p
	}
	st.SchemaVersion = r.u64()
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		c := schema.Column{Name: r.str(), Type: schema.Type(r.u8())}
		if r.err == nil && !c.Type.Valid() {
			r.fail("column %s has unknown type %d", c.Name, c.Type)
		}
		st.Columns = append(st.Columns, c)
	}

	if err := r.finish(); err != nil {
		return TableStreamState{}, err
	}
	return st, nil
}

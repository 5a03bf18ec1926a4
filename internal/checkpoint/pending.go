package checkpoint

import (
	"fmt"

	"github.com/philippevezina/snapshot-bridge/internal/assigner"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/split"
)

const (
	stateRemaining uint8 = 0
	stateAssigned  uint8 = 1
	stateFinished  uint8 = 2
)

// EncodePendingSplits serializes the assigner state. Assigned splits are
// written as remaining.
func EncodePendingSplits(st assigner.State) ([]byte, error) {
	if !st.Phase.Valid() {
		return nil, fmt.Errorf("cannot encode unknown phase %d", st.Phase)
	}

	w := newWriter(KindPendingSplits)
	w.u8(uint8(st.Phase))

	w.uvarint(uint64(len(st.Tables)))
	for _, t := range st.Tables {
		w.tableID(t.ID)
		w.uvarint(uint64(len(t.Columns)))
		for _, c := range t.Columns {
			w.str(c.Name)
			w.str(c.Type)
			w.bool(c.Nullable)
		}
		w.uvarint(uint64(len(t.KeyColumns)))
		for _, k := range t.KeyColumns {
			w.str(k)
		}
	}

	w.uvarint(uint64(len(st.Splits)))
	for _, s := range st.Splits {
		w.str(s.Chunk.ID)
		if s.State == assigner.SplitFinished {
			if s.Bracket == nil {
				return nil, fmt.Errorf("finished split %s has no bracket", s.Chunk.ID)
			}
			w.u8(stateFinished)
		} else {
			w.u8(stateRemaining)
		}
		w.chunk(s.Chunk)
		w.bool(s.State == assigner.SplitFinished)
		if s.State == assigner.SplitFinished {
			w.position(s.Bracket.Low)
			w.position(s.Bracket.High)
		}
		w.uvarint(uint64(s.Attempts))
	}

	w.bool(st.Stream != nil)
	if st.Stream != nil {
		w.position(st.Stream.Start)
		w.position(st.Stream.Progress)
	}
	return w.bytes(), nil
}

// DecodePendingSplits restores the assigner state written by
// EncodePendingSplits. Nothing is returned on error.
func DecodePendingSplits(blob []byte) (assigner.State, error) {
	r, err := checkHeader(blob, KindPendingSplits)
	if err != nil {
		return assigner.State{}, err
	}

	st := assigner.State{Phase: assigner.Phase(r.u8())}
	if r.err == nil && !st.Phase.Valid() {
		return assigner.State{}, fmt.Errorf("%w: unknown phase %d", common.ErrUnsupportedCheckpointVersion, st.Phase)
	}

	tables := r.count()
	for i := 0; i < tables && r.err == nil; i++ {
		t := common.Table{ID: r.tableID()}
		cols := r.count()
		for j := 0; j < cols && r.err == nil; j++ {
			t.Columns = append(t.Columns, common.Column{Name: r.str(), Type: r.str(), Nullable: r.bool()})
		}
		keys := r.count()
		for j := 0; j < keys && r.err == nil; j++ {
			t.KeyColumns = append(t.KeyColumns, r.str())
		}
		st.Tables = append(st.Tables, t)
	}

	splits := r.count()
	for i := 0; i < splits && r.err == nil; i++ {
		id := r.str()
		var rec assigner.SplitRecord
		switch state := r.u8(); state {
		case stateRemaining, stateAssigned:
			rec.State = assigner.SplitRemaining
		case stateFinished:
			rec.State = assigner.SplitFinished
		default:
			r.fail("split %s has unknown state %d", id, state)
		}
		rec.Chunk = r.chunk()
		if r.bool() {
			rec.Bracket = &split.Bracket{Low: r.position(), High: r.position()}
		}
		rec.Attempts = int(r.uvarint())

		if r.err == nil && rec.Chunk.ID != id {
			r.fail("split id %s does not match chunk %s", id, rec.Chunk.ID)
		}
		if r.err == nil && (rec.State == assigner.SplitFinished) != (rec.Bracket != nil) {
			r.fail("split %s bracket does not match its state", id)
		}
		st.Splits = append(st.Splits, rec)
	}

	if r.bool() {
		st.Stream = &assigner.StreamRecord{Start: r.position(), Progress: r.position()}
	}

	if err := r.finish(); err != nil {
		return assigner.State{}, err
	}
	return st, nil
}

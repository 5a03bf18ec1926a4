package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// Kind identifies the payload of a checkpoint blob.
type Kind uint8

const (
	KindPendingSplits Kind = 1
	KindTableStream   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPendingSplits:
		return "pending-splits"
	case KindTableStream:
		return "table-stream"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	magic          = "SBCP"
	CurrentVersion = uint16(1)
	headerSize     = len(magic) + 2 + 1
)

var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// Header is the fixed prefix of every checkpoint blob.
type Header struct {
	Version uint16
	Kind    Kind
}

// ReadHeader parses the header of blob without decoding the body.
func ReadHeader(blob []byte) (Header, error) {
	if len(blob) < headerSize || string(blob[:len(magic)]) != magic {
		return Header{}, fmt.Errorf("%w: missing header", ErrCorruptCheckpoint)
	}
	h := Header{
		Version: binary.BigEndian.Uint16(blob[len(magic):]),
		Kind:    Kind(blob[len(magic)+2]),
	}
	return h, nil
}

func checkHeader(blob []byte, want Kind) (*reader, error) {
	h, err := ReadHeader(blob)
	if err != nil {
		return nil, err
	}
	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: version %d", common.ErrUnsupportedCheckpointVersion, h.Version)
	}
	if h.Kind != want {
		return nil, fmt.Errorf("%w: expected %s checkpoint, got %s", common.ErrUnsupportedCheckpointVersion, want, h.Kind)
	}
	return &reader{buf: blob[headerSize:]}, nil
}

type writer struct {
	buf bytes.Buffer
	tmp [binary.MaxVarintLen64]byte
}

func newWriter(kind Kind) *writer {
	w := &writer{}
	w.buf.WriteString(magic)
	w.u16(CurrentVersion)
	w.u8(uint8(kind))
	return w
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.tmp[:2], v)
	w.buf.Write(w.tmp[:2])
}

func (w *writer) u64(v uint64) {
	binary.BigEndian.PutUint64(w.tmp[:8], v)
	w.buf.Write(w.tmp[:8])
}

func (w *writer) uvarint(v uint64) {
	n := binary.PutUvarint(w.tmp[:], v)
	w.buf.Write(w.tmp[:n])
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) blob(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) position(p common.Position) {
	w.str(p.File)
	w.u64(p.Offset)
}

func (w *writer) tableID(id common.TableID) {
	w.str(id.Database)
	w.str(id.Name)
}

func (w *writer) value(v common.Value) {
	w.u8(uint8(v.Kind()))
	switch v.Kind() {
	case common.KindNull:
	case common.KindInt:
		w.u64(uint64(v.Int()))
	case common.KindUint:
		w.u64(v.Uint())
	case common.KindFloat:
		w.u64(math.Float64bits(v.Float()))
	case common.KindString:
		w.str(v.Str())
	case common.KindBytes:
		w.blob(v.Bytes())
	case common.KindDecimal:
		w.str(v.Decimal().String())
	case common.KindTime:
		w.u64(uint64(v.Time().UnixNano()))
	}
}

func (w *writer) bound(b chunk.Bound) {
	w.bool(!b.IsOpen())
	if !b.IsOpen() {
		w.value(b.Value())
	}
}

func (w *writer) chunk(c chunk.Chunk) {
	w.tableID(c.Table)
	w.uvarint(uint64(c.Ordinal))
	w.bound(c.Low)
	w.bound(c.High)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCorruptCheckpoint, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.fail("truncated input")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

// count reads a collection length, bounded by the remaining input so a
// corrupt length cannot force a huge allocation.
func (r *reader) count() int {
	n := r.uvarint()
	if n > uint64(len(r.buf)) {
		r.fail("count %d exceeds remaining input", n)
		return 0
	}
	return int(n)
}

func (r *reader) bool() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bad flag")
		return false
	}
}

func (r *reader) blob() []byte {
	n := r.count()
	return append([]byte(nil), r.take(n)...)
}

func (r *reader) str() string {
	return string(r.take(r.count()))
}

func (r *reader) position() common.Position {
	return common.Position{File: r.str(), Offset: r.u64()}
}

func (r *reader) tableID() common.TableID {
	return common.TableID{Database: r.str(), Name: r.str()}
}

func (r *reader) value() common.Value {
	kind := common.ValueKind(r.u8())
	switch kind {
	case common.KindNull:
		return common.NullValue()
	case common.KindInt:
		return common.IntValue(int64(r.u64()))
	case common.KindUint:
		return common.UintValue(r.u64())
	case common.KindFloat:
		return common.FloatValue(math.Float64frombits(r.u64()))
	case common.KindString:
		return common.StringValue(r.str())
	case common.KindBytes:
		return common.BytesValue(r.blob())
	case common.KindDecimal:
		s := r.str()
		if r.err != nil {
			return common.Value{}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			r.fail("bad decimal %q", s)
		}
		return common.DecimalValue(d)
	case common.KindTime:
		return common.TimeValue(time.Unix(0, int64(r.u64())))
	default:
		r.fail("unknown value kind %d", kind)
		return common.Value{}
	}
}

func (r *reader) bound() chunk.Bound {
	if r.bool() {
		return chunk.At(r.value())
	}
	return chunk.Open()
}

func (r *reader) chunk() chunk.Chunk {
	table := r.tableID()
	ordinal := int(r.uvarint())
	low := r.bound()
	high := r.bound()
	return chunk.NewChunk(table, ordinal, low, high)
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptCheckpoint, len(r.buf))
	}
	return nil
}

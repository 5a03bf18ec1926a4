package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindDecimal
	KindTime
)

var kindNames = map[ValueKind]string{
	KindNull:    "null",
	KindInt:     "int",
	KindUint:    "uint",
	KindFloat:   "float",
	KindString:  "string",
	KindBytes:   "bytes",
	KindDecimal: "decimal",
	KindTime:    "time",
}

func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ValueKind) numeric() bool {
	return k == KindInt || k == KindUint || k == KindFloat || k == KindDecimal
}

// Value is a typed scalar used for chunk keys and boundaries.
type Value struct {
	kind ValueKind
	i    int64
	u    uint64
	f    float64
	s    string
	b    []byte
	d    decimal.Decimal
	t    time.Time
}

func NullValue() Value                     { return Value{} }
func IntValue(v int64) Value               { return Value{kind: KindInt, i: v} }
func UintValue(v uint64) Value             { return Value{kind: KindUint, u: v} }
func FloatValue(v float64) Value           { return Value{kind: KindFloat, f: v} }
func StringValue(v string) Value           { return Value{kind: KindString, s: v} }
func BytesValue(v []byte) Value            { return Value{kind: KindBytes, b: append([]byte(nil), v...)} }
func DecimalValue(v decimal.Decimal) Value { return Value{kind: KindDecimal, d: v} }
func TimeValue(v time.Time) Value          { return Value{kind: KindTime, t: v.UTC()} }

// ValueOf converts a driver value into a Value.
func ValueOf(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return v, nil
	case int:
		return IntValue(int64(v)), nil
	case int8:
		return IntValue(int64(v)), nil
	case int16:
		return IntValue(int64(v)), nil
	case int32:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case uint:
		return UintValue(uint64(v)), nil
	case uint8:
		return UintValue(uint64(v)), nil
	case uint16:
		return UintValue(uint64(v)), nil
	case uint32:
		return UintValue(uint64(v)), nil
	case uint64:
		return UintValue(v), nil
	case float32:
		return FloatValue(float64(v)), nil
	case float64:
		return FloatValue(v), nil
	case string:
		return StringValue(v), nil
	case []byte:
		return BytesValue(v), nil
	case decimal.Decimal:
		return DecimalValue(v), nil
	case time.Time:
		return TimeValue(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported key value type %T", raw)
	}
}

func (v Value) Kind() ValueKind          { return v.kind }
func (v Value) IsNull() bool             { return v.kind == KindNull }
func (v Value) Int() int64               { return v.i }
func (v Value) Uint() uint64             { return v.u }
func (v Value) Float() float64           { return v.f }
func (v Value) Str() string              { return v.s }
func (v Value) Bytes() []byte            { return v.b }
func (v Value) Decimal() decimal.Decimal { return v.d }
func (v Value) Time() time.Time          { return v.t }

// Interface returns the value as a plain Go value.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.b
	case KindDecimal:
		return v.d
	case KindTime:
		return v.t
	}
	return nil
}

func (v Value) asDecimal() decimal.Decimal {
	switch v.kind {
	case KindInt:
		return decimal.NewFromInt(v.i)
	case KindUint:
		return decimal.NewFromUint64(v.u)
	case KindFloat:
		return decimal.NewFromFloat(v.f)
	case KindDecimal:
		return v.d
	}
	return decimal.Zero
}

// Compare orders values of the same kind by value. Numeric kinds compare
// numerically with each other, string and bytes compare bytewise, and any
// other mix orders by kind.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		switch {
		case v.kind.numeric() && o.kind.numeric():
			return v.asDecimal().Cmp(o.asDecimal())
		case isText(v.kind) && isText(o.kind):
			return bytes.Compare(v.text(), o.text())
		case v.kind < o.kind:
			return -1
		default:
			return 1
		}
	}

	switch v.kind {
	case KindInt:
		return cmpOrdered(v.i, o.i)
	case KindUint:
		return cmpOrdered(v.u, o.u)
	case KindFloat:
		return cmpOrdered(v.f, o.f)
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBytes:
		return bytes.Compare(v.b, o.b)
	case KindDecimal:
		return v.d.Cmp(o.d)
	case KindTime:
		return v.t.Compare(o.t)
	}
	return 0
}

func (v Value) Equal(o Value) bool {
	return v.Compare(o) == 0
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBytes:
		return string(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDecimal:
		return v.d.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}

func isText(k ValueKind) bool {
	return k == KindString || k == KindBytes
}

func (v Value) text() []byte {
	if v.kind == KindString {
		return []byte(v.s)
	}
	return v.b
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type valueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case KindNull:
		return json.Marshal(valueJSON{Kind: KindNull.String()})
	case KindDecimal:
		payload = v.d.String()
	case KindTime:
		payload = v.t.Format(time.RFC3339Nano)
	default:
		payload = v.Interface()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	var err error
	switch in.Kind {
	case "null":
		*v = NullValue()
	case "int":
		var i int64
		err = json.Unmarshal(in.Value, &i)
		*v = IntValue(i)
	case "uint":
		var u uint64
		err = json.Unmarshal(in.Value, &u)
		*v = UintValue(u)
	case "float":
		var f float64
		err = json.Unmarshal(in.Value, &f)
		*v = FloatValue(f)
	case "string":
		var s string
		err = json.Unmarshal(in.Value, &s)
		*v = StringValue(s)
	case "bytes":
		var b []byte
		err = json.Unmarshal(in.Value, &b)
		*v = BytesValue(b)
	case "decimal":
		var s string
		if err = json.Unmarshal(in.Value, &s); err == nil {
			var d decimal.Decimal
			d, err = decimal.NewFromString(s)
			*v = DecimalValue(d)
		}
	case "time":
		var s string
		if err = json.Unmarshal(in.Value, &s); err == nil {
			var t time.Time
			t, err = time.Parse(time.RFC3339Nano, s)
			*v = TimeValue(t)
		}
	default:
		return fmt.Errorf("unknown value kind %q", in.Kind)
	}
	return err
}

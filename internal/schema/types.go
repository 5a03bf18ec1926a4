package schema

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// Type is a column type of the widening lattice.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeDecimal
	TypeTimestamp
	TypeString
	TypeBytes
)

var typeNames = [...]string{
	TypeNull:      "null",
	TypeBool:      "bool",
	TypeInt:       "int",
	TypeFloat:     "float",
	TypeDecimal:   "decimal",
	TypeTimestamp: "timestamp",
	TypeString:    "string",
	TypeBytes:     "bytes",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) Valid() bool {
	return int(t) < len(typeNames)
}

func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

func mask(types ...Type) uint16 {
	var m uint16
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// upper holds, for every type, the set of types that can represent all of
// its values.
var upper = [...]uint16{
	TypeNull:      mask(TypeNull, TypeBool, TypeInt, TypeFloat, TypeDecimal, TypeTimestamp, TypeString, TypeBytes),
	TypeBool:      mask(TypeBool, TypeInt, TypeDecimal, TypeString),
	TypeInt:       mask(TypeInt, TypeDecimal, TypeString),
	TypeFloat:     mask(TypeFloat, TypeDecimal, TypeString),
	TypeDecimal:   mask(TypeDecimal, TypeString),
	TypeTimestamp: mask(TypeTimestamp, TypeString),
	TypeString:    mask(TypeString),
	TypeBytes:     mask(TypeBytes),
}

// Join returns the narrowest type able to hold the values of both a and b.
func Join(a, b Type) (Type, error) {
	if !a.Valid() || !b.Valid() {
		return 0, fmt.Errorf("invalid column types %s and %s", a, b)
	}
	shared := upper[a] & upper[b]
	if shared == 0 {
		return 0, fmt.Errorf("%w: %s and %s have no common type", common.ErrSchemaWideningConflict, a, b)
	}

	best, bestWidth := TypeString, -1
	for t := TypeNull; t <= TypeBytes; t++ {
		if shared&(1<<t) == 0 {
			continue
		}
		if w := bits.OnesCount16(upper[t]); w > bestWidth {
			best, bestWidth = t, w
		}
	}
	return best, nil
}

// Covers reports whether wide can hold every value of narrow.
func Covers(wide, narrow Type) bool {
	j, err := Join(wide, narrow)
	return err == nil && j == wide
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02",
}

// Parse converts the text form of a value into the Go value of type t.
func Parse(t Type, text string) (interface{}, error) {
	switch t {
	case TypeNull:
		return nil, fmt.Errorf("column has only seen NULL values")
	case TypeBool:
		return strconv.ParseBool(text)
	case TypeInt:
		if b, ok := boolLiteral(text); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return strconv.ParseInt(text, 10, 64)
	case TypeFloat:
		return strconv.ParseFloat(text, 64)
	case TypeDecimal:
		if b, ok := boolLiteral(text); ok {
			if b {
				return decimal.NewFromInt(1), nil
			}
			return decimal.Zero, nil
		}
		return decimal.NewFromString(text)
	case TypeTimestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", text)
	case TypeString:
		return text, nil
	case TypeBytes:
		return []byte(text), nil
	}
	return nil, fmt.Errorf("invalid column type %s", t)
}

func boolLiteral(text string) (bool, bool) {
	switch strings.ToLower(text) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// Infer returns the narrowest type whose parser accepts text.
func Infer(text string) Type {
	if _, ok := boolLiteral(text); ok {
		return TypeBool
	}
	for _, t := range []Type{TypeInt, TypeDecimal, TypeFloat, TypeTimestamp} {
		if _, err := Parse(t, text); err == nil {
			return t
		}
	}
	return TypeString
}

// FromColumnType maps a MySQL column type to its lattice type.
func FromColumnType(columnType string) Type {
	columnType = strings.ToUpper(columnType)

	switch {
	case strings.HasPrefix(columnType, "TINYINT(1)"), columnType == "BOOL", columnType == "BOOLEAN":
		return TypeBool
	case strings.HasPrefix(columnType, "TINYINT"),
		strings.HasPrefix(columnType, "SMALLINT"),
		strings.HasPrefix(columnType, "MEDIUMINT"),
		strings.HasPrefix(columnType, "BIGINT"),
		strings.HasPrefix(columnType, "INT"),
		strings.HasPrefix(columnType, "YEAR"),
		strings.HasPrefix(columnType, "BIT"):
		return TypeInt

	case strings.HasPrefix(columnType, "FLOAT"), strings.HasPrefix(columnType, "DOUBLE"):
		return TypeFloat
	case strings.HasPrefix(columnType, "DECIMAL"), strings.HasPrefix(columnType, "NUMERIC"):
		return TypeDecimal

	case columnType == "DATE",
		strings.HasPrefix(columnType, "DATETIME"),
		strings.HasPrefix(columnType, "TIMESTAMP"):
		return TypeTimestamp

	case strings.HasPrefix(columnType, "BINARY"),
		strings.HasPrefix(columnType, "VARBINARY"),
		strings.HasSuffix(columnType, "BLOB"):
		return TypeBytes

	default:
		return TypeString
	}
}

package mysql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/schema"
)

const textTimeLayout = "2006-01-02 15:04:05.999999"

// columnValue normalises a value scanned from the driver. The text protocol
// may hand numbers back as bytes, so those are parsed by column type.
func columnValue(raw interface{}, columnType string) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		return parseColumn(string(v), columnType)
	case string:
		return parseColumn(v, columnType)
	default:
		return normalise(v), nil
	}
}

func parseColumn(text, columnType string) (interface{}, error) {
	t := schema.FromColumnType(columnType)
	if t == schema.TypeInt && strings.Contains(strings.ToUpper(columnType), "UNSIGNED") {
		return strconv.ParseUint(text, 10, 64)
	}
	if t == schema.TypeBool {
		b, err := strconv.ParseBool(text)
		if err != nil {
			return strconv.ParseInt(text, 10, 64)
		}
		return b, nil
	}
	return schema.Parse(t, text)
}

// normalise widens the fixed-size integers returned by the binlog decoder so
// they compare like the values read by snapshot queries.
func normalise(v interface{}) interface{} {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint:
		return uint64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC()
	}
	return v
}

// keyOf builds the chunk key value of row for column.
func keyOf(row common.Row, column string) (common.Value, error) {
	if column == "" {
		return common.NullValue(), nil
	}
	raw, ok := row[column]
	if !ok {
		return common.Value{}, fmt.Errorf("row has no key column %s", column)
	}
	return common.ValueOf(raw)
}

// textOf renders a binlog row value in the text form the table stream
// decodes. nil stays nil.
func textOf(v interface{}) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case []byte:
		s = string(x)
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64, uint:
		s = fmt.Sprintf("%d", x)
	case float32:
		s = strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case decimal.Decimal:
		s = x.String()
	case time.Time:
		s = x.UTC().Format(textTimeLayout)
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderLines = Table{
	ID:         TableID{Database: "shop", Name: "order_lines"},
	KeyColumns: []string{"order_id", "line"},
}

func TestTable_RowKey(t *testing.T) {
	key, err := orderLines.RowKey(Row{"order_id": int64(7), "line": int64(2), "sku": "a"})
	require.NoError(t, err)
	assert.Equal(t, RowKey{IntValue(7), IntValue(2)}, key)
	assert.Equal(t, "(7, 2)", key.String())

	_, err = orderLines.RowKey(Row{"order_id": int64(7)})
	assert.ErrorContains(t, err, "line")

	_, err = Table{ID: orderLines.ID}.RowKey(Row{"order_id": int64(7)})
	assert.ErrorIs(t, err, ErrNoChunkKey)
}

func TestRowKey_Compare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     RowKey
		expected int
	}{
		{name: "equal", a: RowKey{IntValue(1), IntValue(2)}, b: RowKey{IntValue(1), IntValue(2)}, expected: 0},
		{name: "first column decides", a: RowKey{IntValue(1), IntValue(9)}, b: RowKey{IntValue(2), IntValue(1)}, expected: -1},
		{name: "second column breaks ties", a: RowKey{IntValue(1), IntValue(3)}, b: RowKey{IntValue(1), IntValue(2)}, expected: 1},
		{name: "prefix sorts first", a: RowKey{IntValue(1)}, b: RowKey{IntValue(1), IntValue(0)}, expected: -1},
		{name: "mixed kinds", a: RowKey{StringValue("a"), IntValue(1)}, b: RowKey{StringValue("a"), IntValue(1)}, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.expected, tt.b.Compare(tt.a))
			assert.Equal(t, tt.expected == 0, tt.a.Equal(tt.b))
		})
	}
}

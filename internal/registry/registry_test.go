package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

type staticSource struct {
	tables []common.Table
	err    error
}

func (s staticSource) DiscoverTables(context.Context) ([]common.Table, error) {
	return s.tables, s.err
}

type scriptedSplitter struct {
	results map[common.TableID][]chunk.Chunk
	errs    map[common.TableID]error
}

func (s scriptedSplitter) GenerateSplits(_ context.Context, table common.Table) ([]chunk.Chunk, error) {
	if err := s.errs[table.ID]; err != nil {
		return nil, err
	}
	if chunks, ok := s.results[table.ID]; ok {
		return chunks, nil
	}
	return chunk.SingleChunk(table.ID), nil
}

func tableID(db, name string) common.TableID {
	return common.TableID{Database: db, Name: name}
}

func twoChunks(id common.TableID) []chunk.Chunk {
	mid := chunk.At(common.IntValue(100))
	return []chunk.Chunk{
		chunk.NewChunk(id, 0, chunk.Open(), mid),
		chunk.NewChunk(id, 1, mid, chunk.Open()),
	}
}

func TestDiscover_OrdersTablesAndAppliesFilter(t *testing.T) {
	orders, customers, audit := tableID("shop", "orders"), tableID("shop", "customers"), tableID("shop", "audit_log")
	source := staticSource{tables: []common.Table{
		{ID: orders, KeyColumns: []string{"id"}},
		{ID: audit, KeyColumns: []string{"id"}},
		{ID: customers, KeyColumns: []string{"id"}},
	}}
	filter, err := common.NewTableFilter(config.TableFilterConfig{ExcludeTables: []string{"audit_log"}})
	require.NoError(t, err)

	r := New(scriptedSplitter{results: map[common.TableID][]chunk.Chunk{orders: twoChunks(orders)}}, zap.NewNop())
	require.NoError(t, r.Discover(context.Background(), source, filter))

	tables := r.Tables()
	require.Len(t, tables, 2)
	assert.Equal(t, customers, tables[0].ID)
	assert.Equal(t, orders, tables[1].ID)

	all := r.AllChunks()
	require.Len(t, all, 3)
	assert.Equal(t, "shop.customers:0", all[0].ID)
	assert.Equal(t, "shop.orders:0", all[1].ID)
	assert.Equal(t, "shop.orders:1", all[2].ID)

	c, ok := r.Chunk("shop.orders:1")
	require.True(t, ok)
	assert.Equal(t, common.IntValue(100), c.Low.Value())
}

func TestDiscover_SplitFailuresFallBackToSingleChunk(t *testing.T) {
	keyless, broken := tableID("shop", "events"), tableID("shop", "orders")
	source := staticSource{tables: []common.Table{{ID: keyless}, {ID: broken, KeyColumns: []string{"id"}}}}
	splitter := scriptedSplitter{errs: map[common.TableID]error{
		keyless: common.ErrNoChunkKey,
		broken:  errors.New("sampling query timed out"),
	}}

	r := New(splitter, zap.NewNop())
	require.NoError(t, r.Discover(context.Background(), source, nil))

	assert.Len(t, r.Chunks(keyless), 1)
	assert.Len(t, r.Chunks(broken), 1)
	assert.True(t, r.Chunks(broken)[0].High.IsOpen())
}

func TestDiscover_Failures(t *testing.T) {
	r := New(scriptedSplitter{}, zap.NewNop())

	err := r.Discover(context.Background(), staticSource{err: errors.New("access denied")}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDiscoveryFailure))
	assert.Contains(t, err.Error(), "access denied")

	filter, err := common.NewTableFilter(config.TableFilterConfig{DatabasePattern: "billing"})
	require.NoError(t, err)
	err = r.Discover(context.Background(), staticSource{tables: []common.Table{{ID: tableID("shop", "orders")}}}, filter)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDiscoveryFailure))
}

func TestAddTable_RejectsDuplicatesAndInvalidPartitions(t *testing.T) {
	id := tableID("shop", "orders")
	r := New(scriptedSplitter{}, zap.NewNop())

	require.NoError(t, r.AddTable(common.Table{ID: id}, twoChunks(id)))
	assert.Error(t, r.AddTable(common.Table{ID: id}, twoChunks(id)))

	other := tableID("shop", "customers")
	gap := []chunk.Chunk{
		chunk.NewChunk(other, 0, chunk.Open(), chunk.At(common.IntValue(1))),
		chunk.NewChunk(other, 1, chunk.At(common.IntValue(2)), chunk.Open()),
	}
	assert.Error(t, r.AddTable(common.Table{ID: other}, gap))
	assert.Error(t, r.AddTable(common.Table{ID: other}, twoChunks(id)), "chunks of another table")
}

func TestStatusAndProgress(t *testing.T) {
	id := tableID("shop", "orders")
	r := New(scriptedSplitter{}, zap.NewNop())
	require.NoError(t, r.AddTable(common.Table{ID: id}, twoChunks(id)))

	assert.Equal(t, ChunkPending, r.Status("shop.orders:0"))
	require.NoError(t, r.SetStatus("shop.orders:0", ChunkRead))
	assert.Error(t, r.SetStatus("shop.orders:9", ChunkRead))

	read, total := r.Progress()
	assert.Equal(t, 1, read)
	assert.Equal(t, 2, total)
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/chunk"
	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type ChunkStatus string

const (
	ChunkPending ChunkStatus = "PENDING"
	ChunkReading ChunkStatus = "READING"
	ChunkRead    ChunkStatus = "READ"
)

type TableSource interface {
	DiscoverTables(ctx context.Context) ([]common.Table, error)
}

type ChunkSplitter interface {
	GenerateSplits(ctx context.Context, table common.Table) ([]chunk.Chunk, error)
}

type tableEntry struct {
	table  common.Table
	chunks []chunk.Chunk
}

type chunkRef struct {
	table   common.TableID
	ordinal int
}

// Registry owns discovered tables and their chunks for the lifetime of a
// job. Tables keep discovery order; chunks keep ordinal order.
type Registry struct {
	mu       sync.RWMutex
	tables   *orderedmap.OrderedMap[common.TableID, *tableEntry]
	chunkIdx map[string]chunkRef
	status   map[string]ChunkStatus
	splitter ChunkSplitter
	logger   *zap.Logger
}

func New(splitter ChunkSplitter, logger *zap.Logger) *Registry {
	return &Registry{
		tables:   orderedmap.NewOrderedMap[common.TableID, *tableEntry](),
		chunkIdx: make(map[string]chunkRef),
		status:   make(map[string]ChunkStatus),
		splitter: splitter,
		logger:   logger,
	}
}

// Discover enumerates the source tables accepted by filter and splits each of
// them. Split failures are not fatal: the table becomes a single chunk.
func (r *Registry) Discover(ctx context.Context, source TableSource, filter *common.TableFilter) error {
	tables, err := source.DiscoverTables(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDiscoveryFailure, err)
	}

	sort.Slice(tables, func(i, j int) bool {
		return tables[i].ID.Compare(tables[j].ID) < 0
	})

	added := 0
	for _, table := range tables {
		if filter != nil && !filter.Matches(table.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		chunks := r.split(ctx, table)
		if err := r.AddTable(table, chunks); err != nil {
			return fmt.Errorf("%w: %v", common.ErrDiscoveryFailure, err)
		}
		added++
	}

	if added == 0 {
		return fmt.Errorf("%w: no tables matched the table filter", common.ErrDiscoveryFailure)
	}

	r.logger.Info("Discovered tables",
		zap.Int("tables", added),
		zap.Int("chunks", len(r.chunkIdx)))
	return nil
}

func (r *Registry) split(ctx context.Context, table common.Table) []chunk.Chunk {
	chunks, err := r.splitter.GenerateSplits(ctx, table)
	if err == nil {
		return chunks
	}

	if errors.Is(err, common.ErrNoChunkKey) {
		r.logger.Warn("Table has no primary or unique key, reading it as a single chunk",
			zap.String("table", table.ID.String()))
	} else {
		r.logger.Warn("Chunk split failed, reading table as a single chunk",
			zap.String("table", table.ID.String()),
			zap.Error(fmt.Errorf("%w: %v", common.ErrChunkSplitFailure, err)))
	}
	return chunk.SingleChunk(table.ID)
}

// AddTable registers a table with an already computed partition. It is used
// by discovery and by checkpoint restore.
func (r *Registry) AddTable(table common.Table, chunks []chunk.Chunk) error {
	if err := chunk.Validate(chunks); err != nil {
		return fmt.Errorf("invalid chunks for %s: %w", table.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables.Get(table.ID); exists {
		return fmt.Errorf("table %s already registered", table.ID)
	}
	for _, c := range chunks {
		if c.Table != table.ID {
			return fmt.Errorf("chunk %s does not belong to %s", c.ID, table.ID)
		}
	}

	r.tables.Set(table.ID, &tableEntry{table: table, chunks: chunks})
	for _, c := range chunks {
		r.chunkIdx[c.ID] = chunkRef{table: table.ID, ordinal: c.Ordinal}
		r.status[c.ID] = ChunkPending
	}
	return nil
}

// Tables returns the discovered tables in discovery order.
func (r *Registry) Tables() []common.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Table, 0, r.tables.Len())
	for el := r.tables.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.table)
	}
	return out
}

// Table looks up a discovered table.
func (r *Registry) Table(id common.TableID) (common.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tables.Get(id)
	if !ok {
		return common.Table{}, false
	}
	return entry.table, true
}

// Chunks returns a copy of the chunks of table id, ordered by ordinal.
func (r *Registry) Chunks(id common.TableID) []chunk.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tables.Get(id)
	if !ok {
		return nil
	}
	return append([]chunk.Chunk(nil), entry.chunks...)
}

// AllChunks returns every chunk in table-then-ordinal order.
func (r *Registry) AllChunks() []chunk.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chunk.Chunk, 0, len(r.chunkIdx))
	for el := r.tables.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.chunks...)
	}
	return out
}

// Chunk looks up a chunk by its ID.
func (r *Registry) Chunk(id string) (chunk.Chunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.chunkIdx[id]
	if !ok {
		return chunk.Chunk{}, false
	}
	entry, _ := r.tables.Get(ref.table)
	return entry.chunks[ref.ordinal], true
}

// SetStatus records the status of a chunk. Unknown chunks are an error.
func (r *Registry) SetStatus(chunkID string, status ChunkStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chunkIdx[chunkID]; !ok {
		return fmt.Errorf("unknown chunk %s", chunkID)
	}
	r.status[chunkID] = status
	return nil
}

// Status returns the status of a chunk. Unknown chunks have an empty status.
func (r *Registry) Status(chunkID string) ChunkStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[chunkID]
}

// Progress returns how many chunks have been read out of the total.
func (r *Registry) Progress() (read, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.status {
		if s == ChunkRead {
			read++
		}
	}
	return read, len(r.status)
}

package chunk

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

type Config struct {
	// ChunkSize is the maximum number of rows per chunk.
	ChunkSize int
	// SampleEvery is the stride of key sampling. Zero means ChunkSize.
	SampleEvery int
	// Integer keys whose density factor (max-min+1)/rows falls within these
	// bounds are split arithmetically without sampling.
	EvenDistributionUpper float64
	EvenDistributionLower float64
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:             8096,
		EvenDistributionUpper: 1000.0,
		EvenDistributionLower: 0.05,
	}
}

type Splitter struct {
	cfg     Config
	sampler KeySampler
	logger  *zap.Logger
}

func NewSplitter(cfg Config, sampler KeySampler, logger *zap.Logger) *Splitter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = cfg.ChunkSize
	}
	return &Splitter{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger,
	}
}

// SingleChunk covers the whole table with one open-ended chunk.
func SingleChunk(table common.TableID) []Chunk {
	return []Chunk{NewChunk(table, 0, Open(), Open())}
}

// GenerateSplits partitions the key domain of table into ordered chunks. A
// table without a key returns common.ErrNoChunkKey.
func (s *Splitter) GenerateSplits(ctx context.Context, table common.Table) ([]Chunk, error) {
	column, ok := table.ChunkKey()
	if !ok {
		return nil, fmt.Errorf("%s: %w", table.ID, common.ErrNoChunkKey)
	}

	stats, err := s.sampler.KeyStats(ctx, table, column)
	if err != nil {
		return nil, fmt.Errorf("failed to read key stats for %s: %w", table.ID, err)
	}

	if stats.RowCount <= int64(s.cfg.ChunkSize) || stats.Min.IsNull() || stats.Max.IsNull() {
		return SingleChunk(table.ID), nil
	}

	var chunks []Chunk
	if factor, even := s.evenFactor(stats); even {
		chunks = s.splitEvenly(table.ID, stats, factor)
		s.logger.Debug("Split table by even key distribution",
			zap.String("table", table.ID.String()),
			zap.Float64("distribution_factor", factor),
			zap.Int("chunks", len(chunks)))
	} else {
		keys, err := s.sampler.SampleKeys(ctx, table, column, s.cfg.SampleEvery)
		if err != nil {
			return nil, fmt.Errorf("failed to sample keys for %s: %w", table.ID, err)
		}
		chunks = splitBySamples(table.ID, stats.Min, keys)
		s.logger.Debug("Split table by sampled keys",
			zap.String("table", table.ID.String()),
			zap.Int("samples", len(keys)),
			zap.Int("chunks", len(chunks)))
	}

	if err := Validate(chunks); err != nil {
		return nil, fmt.Errorf("generated invalid chunks for %s: %w", table.ID, err)
	}
	return chunks, nil
}

func (s *Splitter) evenFactor(stats KeyStats) (float64, bool) {
	span, ok := keySpan(stats)
	if !ok {
		return 0, false
	}
	factor := (float64(span) + 1) / float64(stats.RowCount)
	return factor, factor >= s.cfg.EvenDistributionLower && factor <= s.cfg.EvenDistributionUpper
}

// keySpan returns max-min of an integer key. The difference of two int64
// values always fits a uint64.
func keySpan(stats KeyStats) (uint64, bool) {
	if stats.Min.Kind() != stats.Max.Kind() {
		return 0, false
	}
	switch stats.Min.Kind() {
	case common.KindInt:
		if stats.Max.Int() < stats.Min.Int() {
			return 0, false
		}
		return uint64(stats.Max.Int()) - uint64(stats.Min.Int()), true
	case common.KindUint:
		if stats.Max.Uint() < stats.Min.Uint() {
			return 0, false
		}
		return stats.Max.Uint() - stats.Min.Uint(), true
	}
	return 0, false
}

// splitEvenly places a boundary every step keys above min. Offsets are
// integers so boundaries stay exact for keys beyond 2^53.
func (s *Splitter) splitEvenly(table common.TableID, stats KeyStats, factor float64) []Chunk {
	span, _ := keySpan(stats)
	step := evenStep(factor*float64(s.cfg.ChunkSize), span)

	var bounds []common.Value
	for off := step; step > 0 && off <= span; off += step {
		switch stats.Min.Kind() {
		case common.KindInt:
			bounds = append(bounds, common.IntValue(int64(uint64(stats.Min.Int())+off)))
		case common.KindUint:
			bounds = append(bounds, common.UintValue(stats.Min.Uint()+off))
		}
		if span-off < step {
			break
		}
	}
	return fromBoundaries(table, dedupeAbove(stats.Min, bounds))
}

// evenStep turns the rows-per-chunk key distance into an integer step
// between one and span. Zero is returned only for an empty span.
func evenStep(step float64, span uint64) uint64 {
	step = math.Floor(step)
	switch {
	case span == 0:
		return 0
	case step < 1:
		return 1
	case step >= float64(span):
		return span
	}
	return uint64(step)
}

func splitBySamples(table common.TableID, min common.Value, samples []common.Value) []Chunk {
	sorted := append([]common.Value(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Compare(sorted[j]) < 0
	})
	return fromBoundaries(table, dedupeAbove(min, sorted))
}

// dedupeAbove keeps the strictly increasing boundaries greater than min. A
// boundary at min would only produce an empty first chunk.
func dedupeAbove(min common.Value, sorted []common.Value) []common.Value {
	out := make([]common.Value, 0, len(sorted))
	for _, v := range sorted {
		if v.IsNull() || v.Compare(min) <= 0 {
			continue
		}
		if len(out) > 0 && v.Compare(out[len(out)-1]) <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

func fromBoundaries(table common.TableID, boundaries []common.Value) []Chunk {
	chunks := make([]Chunk, 0, len(boundaries)+1)
	low := Open()
	for i, b := range boundaries {
		chunks = append(chunks, NewChunk(table, i, low, At(b)))
		low = At(b)
	}
	return append(chunks, NewChunk(table, len(boundaries), low, Open()))
}

// Validate checks that chunks are a gap-free, non-overlapping, ordered
// partition of the key domain of a single table.
func Validate(chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks")
	}
	if !chunks[0].Low.IsOpen() {
		return fmt.Errorf("first chunk %s has a closed lower bound", chunks[0].ID)
	}
	if last := chunks[len(chunks)-1]; !last.High.IsOpen() {
		return fmt.Errorf("last chunk %s has a closed upper bound", last.ID)
	}

	for i, c := range chunks {
		if c.Ordinal != i {
			return fmt.Errorf("chunk %s has ordinal %d, expected %d", c.ID, c.Ordinal, i)
		}
		if c.Table != chunks[0].Table {
			return fmt.Errorf("chunk %s belongs to %s, expected %s", c.ID, c.Table, chunks[0].Table)
		}
		if !c.Low.IsOpen() && !c.High.IsOpen() && c.Low.Value().Compare(c.High.Value()) >= 0 {
			return fmt.Errorf("chunk %s is empty or inverted", c)
		}
		if i > 0 && !chunks[i-1].High.Equal(c.Low) {
			return fmt.Errorf("chunk %s does not start where %s ends", c, chunks[i-1])
		}
		if i > 0 && c.Low.IsOpen() {
			return fmt.Errorf("chunk %s has an open lower bound after the first chunk", c.ID)
		}
	}
	return nil
}

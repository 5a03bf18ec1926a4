package schema

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// Evolver owns the current schema of a table and widens it as incompatible
// values arrive. Schemas are swapped by compare-and-swap so readers never
// block; every published version stays decodable.
type Evolver struct {
	current atomic.Pointer[Schema]
	mu      sync.RWMutex
	history map[uint64]*Schema
	logger  *zap.Logger
}

func NewEvolver(initial *Schema, logger *zap.Logger) *Evolver {
	e := &Evolver{
		history: map[uint64]*Schema{initial.Version(): initial},
		logger:  logger,
	}
	e.current.Store(initial)
	return e
}

func (e *Evolver) Current() *Schema {
	return e.current.Load()
}

// Version returns a historical schema version.
func (e *Evolver) Version(v uint64) (*Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.history[v]
	return s, ok
}

// Widen widens column of base to hold values of type observed. When another
// writer published a newer schema first, the widening is retried on it
// unless that writer changed the same column to a type with no common
// widening with ours.
func (e *Evolver) Widen(base *Schema, column string, observed Type) (*Schema, error) {
	for {
		baseCol, _ := base.Column(column)
		target, err := Join(baseCol.Type, observed)
		if err != nil {
			return nil, fmt.Errorf("column %s of %s: %w", column, base.Table(), err)
		}
		if target == baseCol.Type {
			return base, nil
		}

		next := base.withColumn(column, target)
		e.mu.Lock()
		swapped := e.current.CompareAndSwap(base, next)
		if swapped {
			e.history[next.Version()] = next
		}
		e.mu.Unlock()

		if swapped {
			e.logger.Info("Widened column",
				zap.String("table", base.Table().String()),
				zap.String("column", column),
				zap.String("from", baseCol.Type.String()),
				zap.String("to", target.String()),
				zap.Uint64("version", next.Version()))
			return next, nil
		}

		latest := e.current.Load()
		latestCol, _ := latest.Column(column)
		if latestCol.Type != baseCol.Type {
			if _, err := Join(latestCol.Type, target); err != nil {
				return nil, fmt.Errorf("%w: column %s of %s concurrently changed to %s, need %s",
					common.ErrSchemaWideningConflict, column, base.Table(), latestCol.Type, target)
			}
		}
		base = latest
	}
}

// Prepare tags raw with the schema version that can decode it, widening the
// schema first when a value does not parse under the current one.
func (e *Evolver) Prepare(raw RawRecord) (Record, error) {
	s := e.Current()

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		text := raw[name]
		if text == nil {
			continue
		}
		col, _ := s.Column(name)
		if _, err := Parse(col.Type, *text); err == nil {
			continue
		}

		target, err := Join(col.Type, Infer(*text))
		if err == nil {
			if _, perr := Parse(target, *text); perr != nil {
				target, err = Join(target, TypeString)
			}
		}
		if err != nil {
			return Record{}, fmt.Errorf("column %s of %s: %w", name, s.Table(), err)
		}

		if s, err = e.Widen(s, name, target); err != nil {
			return Record{}, err
		}
	}
	return Record{Raw: raw, Version: s.Version()}, nil
}

// Decode decodes a prepared record against the version it was tagged with.
func (e *Evolver) Decode(rec Record) (common.Row, error) {
	s, ok := e.Version(rec.Version)
	if !ok {
		return nil, fmt.Errorf("unknown schema version %d", rec.Version)
	}
	return s.Decode(rec.Raw)
}

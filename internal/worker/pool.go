package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/metrics"
	"github.com/philippevezina/snapshot-bridge/internal/observability"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
)

// Pool runs a fixed number of workers that share one sink.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool creates count workers named prefix-<instance>-<n>. The instance
// part keeps IDs unique across processes that use the same prefix.
func NewPool(count int, prefix string, cfg Config, coord Coordinator, source Source, out sink.Sink,
	m metrics.Metrics, reporter observability.ErrorReporter, logger *zap.Logger) *Pool {
	if count <= 0 {
		count = 1
	}
	if prefix == "" {
		prefix = "worker"
	}

	instance := uuid.NewString()[:8]
	workers := make([]*Worker, count)
	for i := range workers {
		id := fmt.Sprintf("%s-%s-%d", prefix, instance, i)
		workers[i] = New(id, cfg, coord, source, out, m, reporter, logger)
	}
	return &Pool{
		workers: workers,
		logger:  common.LoggerWithComponent(logger, "worker_pool"),
	}
}

func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run blocks until every worker stops. The first worker error cancels the
// others and is returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting workers", zap.Int("count", len(p.workers)))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

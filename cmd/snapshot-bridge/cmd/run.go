package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/worker"
)

var workerCount int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator and its workers in one process",
	Long: `Run starts a coordinator and a local worker pool that talk to it directly.
The job snapshots the selected tables chunk by chunk and then streams
changes until interrupted.

Example:
  snapshot-bridge run --config configs/example.yaml --workers 8`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&workerCount, "workers", 0, "Override worker.count")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	app, err := newApplication()
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(); err != nil {
			app.logger.Error("Error during shutdown", zap.Error(err))
		}
	}()
	app.ensureJobID()

	if err := app.metrics.Start(); err != nil {
		return err
	}
	if err := app.openSource(ctx); err != nil {
		return err
	}
	out, err := app.openSink(ctx)
	if err != nil {
		return err
	}
	coord, err := app.startCoordinator(ctx)
	if err != nil {
		return err
	}

	count := app.cfg.Worker.Count
	if workerCount > 0 {
		count = workerCount
	}
	pool := worker.NewPool(count, app.cfg.Worker.IDPrefix, worker.ConfigFrom(app.cfg, app.filter), coord, app.source, out,
		app.metrics.GetMetrics(), app.observability.ErrorReporter(), app.logger)

	app.logger.Info("Snapshot Bridge started",
		zap.String("version", common.GetVersion()),
		zap.String("job_id", app.cfg.Source.JobID),
		zap.Int("workers", count))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		app.watchSource(gctx)
		return nil
	})

	if err := shutdownError(ctx, g.Wait()); err != nil {
		return err
	}
	app.logger.Info("Snapshot Bridge stopped gracefully")
	return nil
}

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/coordinator"
	"github.com/philippevezina/snapshot-bridge/internal/worker"
)

var coordinatorAddress string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run workers against a remote coordinator",
	Long: `Worker starts a pool of workers that request splits from the coordinator
at coordinator.address, read them from MySQL and write the events to the
configured sink.

Example:
  snapshot-bridge worker --config configs/example.yaml --coordinator http://coord:9090`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Override worker.count")
	workerCmd.Flags().StringVar(&coordinatorAddress, "coordinator", "", "Override coordinator.address")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	addr := app.cfg.Coordinator.Address
	if coordinatorAddress != "" {
		addr = coordinatorAddress
	}
	client := coordinator.NewClient(addr, app.cfg.Coordinator.RequestTimeout)

	count := app.cfg.Worker.Count
	if workerCount > 0 {
		count = workerCount
	}
	pool := worker.NewPool(count, app.cfg.Worker.IDPrefix, worker.ConfigFrom(app.cfg, app.filter), client, app.source, out,
		app.metrics.GetMetrics(), app.observability.ErrorReporter(), app.logger)

	app.logger.Info("Workers started",
		zap.String("coordinator", addr),
		zap.Int("workers", count))

	return shutdownError(ctx, pool.Run(ctx))
}

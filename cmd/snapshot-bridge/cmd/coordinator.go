package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/philippevezina/snapshot-bridge/internal/coordinator"
)

var listenAddress string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator and serve workers over HTTP",
	Long: `Coordinator owns split assignment and checkpoints for one job. Workers
started with the worker command connect to it through coordinator.address.

Example:
  snapshot-bridge coordinator --config configs/example.yaml --listen :9090`,
	RunE: runCoordinator,
}

func init() {
	coordinatorCmd.Flags().StringVar(&listenAddress, "listen", "", "Override coordinator.listen_address")
	rootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
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
	coord, err := app.startCoordinator(ctx)
	if err != nil {
		return err
	}

	addr := app.cfg.Coordinator.ListenAddress
	if listenAddress != "" {
		addr = listenAddress
	}
	server := coordinator.NewServer(coord, addr, app.logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(stopCtx); err != nil {
			app.logger.Warn("Failed to stop RPC server", zap.Error(err))
		}
	}()

	app.logger.Info("Coordinator started",
		zap.String("job_id", app.cfg.Source.JobID),
		zap.String("listen_address", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		app.watchSource(gctx)
		return nil
	})
	return shutdownError(ctx, g.Wait())
}

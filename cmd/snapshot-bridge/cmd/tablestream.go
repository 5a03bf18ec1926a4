package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/checkpoint"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/mysql"
	"github.com/philippevezina/snapshot-bridge/internal/sink"
	"github.com/philippevezina/snapshot-bridge/internal/state"
	"github.com/philippevezina/snapshot-bridge/internal/tablestream"
)

var (
	streamDatabase string
	streamTable    string
	skipSnapshot   bool
)

var tableStreamCmd = &cobra.Command{
	Use:   "table-stream",
	Short: "Stream one table, with an optional initial snapshot",
	Long: `Table-stream follows the binlog of a single table. Transactions that
commit while the initial snapshot is read are held back and emitted after
it, and column types widen as new values are seen.

Example:
  snapshot-bridge table-stream --config configs/example.yaml --database shop --table orders`,
	RunE: runTableStream,
}

func init() {
	tableStreamCmd.Flags().StringVar(&streamDatabase, "database", "", "Override table_stream.database")
	tableStreamCmd.Flags().StringVar(&streamTable, "table", "", "Override table_stream.table")
	tableStreamCmd.Flags().BoolVar(&skipSnapshot, "no-snapshot", false, "Stream changes only")
	rootCmd.AddCommand(tableStreamCmd)
}

// tableStreamJob is the checkpoint job ID of a table stream.
func tableStreamJob(job string, table common.TableID) string {
	if job == "" {
		job = "table-stream"
	}
	return job + "/" + table.String()
}

func runTableStream(cmd *cobra.Command, args []string) error {
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

	id := common.TableID{Database: app.cfg.TableStream.Database, Name: app.cfg.TableStream.Table}
	if streamDatabase != "" {
		id.Database = streamDatabase
	}
	if streamTable != "" {
		id.Name = streamTable
	}
	if id.Database == "" || id.Name == "" {
		return fmt.Errorf("table_stream.database and table_stream.table are required")
	}

	if err := app.metrics.Start(); err != nil {
		return err
	}
	if err := app.openSource(ctx); err != nil {
		return err
	}
	table, err := findTable(ctx, app.source, id)
	if err != nil {
		return err
	}
	out, err := app.openSink(ctx)
	if err != nil {
		return err
	}
	checkpoints, err := app.openCheckpoints(ctx, tableStreamJob(app.cfg.Source.JobID, id))
	if err != nil {
		return err
	}

	cfg := tablestream.Config{
		Snapshot:           app.cfg.TableStream.Snapshot && !skipSnapshot,
		CheckpointInterval: app.cfg.Coordinator.CheckpointInterval,
	}
	ts, err := openTableStream(ctx, table, cfg, checkpoints, out, app.logger)
	if err != nil {
		return err
	}

	from, ok := ts.Resolved()
	if !ok {
		if from, err = app.source.CurrentPosition(ctx); err != nil {
			return err
		}
	}
	reader := mysql.NewLogReader(app.connector, app.cfg.MySQL.ServerID, id, app.logger)
	if err := reader.Start(ctx, from); err != nil {
		return err
	}

	app.logger.Info("Table stream started",
		zap.String("table", id.String()),
		zap.String("from", from.String()),
		zap.Bool("snapshot", ts.ShouldReadSnapshot()))

	save := func(ctx context.Context, blob []byte) error {
		_, err := checkpoints.Save(ctx, checkpoint.KindTableStream.String(), blob)
		return err
	}
	return shutdownError(ctx, ts.Run(ctx, reader, app.source, save))
}

func findTable(ctx context.Context, source *mysql.Source, id common.TableID) (common.Table, error) {
	tables, err := source.DiscoverTables(ctx)
	if err != nil {
		return common.Table{}, fmt.Errorf("%w: %v", common.ErrDiscoveryFailure, err)
	}
	for _, t := range tables {
		if t.ID == id {
			return t, nil
		}
	}
	return common.Table{}, fmt.Errorf("table %s not found or excluded by source.table_filter", id)
}

// openTableStream resumes from the latest table-stream checkpoint, or starts
// fresh when there is none.
func openTableStream(ctx context.Context, table common.Table, cfg tablestream.Config, checkpoints *state.Manager,
	out sink.Sink, logger *zap.Logger) (*tablestream.TableStream, error) {
	latest, err := checkpoints.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return tablestream.New(table, cfg, out, logger), nil
	}
	if latest.Kind != checkpoint.KindTableStream.String() {
		return nil, fmt.Errorf("checkpoint %s has kind %s, expected %s", latest.ID, latest.Kind, checkpoint.KindTableStream)
	}
	ts, err := tablestream.Restore(table, cfg, latest.Data, out, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to restore table stream from checkpoint %s: %w", latest.ID, err)
	}
	logger.Info("Restored table stream", zap.String("checkpoint_id", latest.ID))
	return ts, nil
}

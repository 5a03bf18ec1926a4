package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/assigner"
	"github.com/philippevezina/snapshot-bridge/internal/checkpoint"
	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/state"
)

var (
	inspectTable  string
	inspectSplits bool
	listLimit     int
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Read stored checkpoints",
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Decode the latest checkpoint of a job",
	Long: `Inspect loads the latest checkpoint of source.job_id from the configured
state storage and prints its content. Use --table for the checkpoint of a
table stream.

Example:
  snapshot-bridge checkpoint inspect --config configs/example.yaml --splits
  snapshot-bridge checkpoint inspect --table shop.orders`,
	RunE: runCheckpointInspect,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stored checkpoints of a job",
	RunE:  runCheckpointList,
}

func init() {
	checkpointInspectCmd.Flags().StringVar(&inspectTable, "table", "", "Table stream to inspect (database.table)")
	checkpointInspectCmd.Flags().BoolVar(&inspectSplits, "splits", false, "Print every split")
	checkpointListCmd.Flags().StringVar(&inspectTable, "table", "", "Table stream to list (database.table)")
	checkpointListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of checkpoints")

	checkpointCmd.AddCommand(checkpointInspectCmd, checkpointListCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func openJobCheckpoints(ctx context.Context, app *application) (*state.Manager, error) {
	job := app.cfg.Source.JobID
	if inspectTable != "" {
		id, err := parseTableID(inspectTable)
		if err != nil {
			return nil, err
		}
		job = tableStreamJob(job, id)
	} else if job == "" {
		return nil, fmt.Errorf("source.job_id or --job-id is required")
	}
	return app.openCheckpoints(ctx, job)
}

func parseTableID(s string) (common.TableID, error) {
	db, table, ok := strings.Cut(s, ".")
	if !ok || db == "" || table == "" {
		return common.TableID{}, fmt.Errorf("invalid table %q, expected database.table", s)
	}
	return common.TableID{Database: db, Name: table}, nil
}

func runCheckpointInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(); err != nil {
			app.logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	checkpoints, err := openJobCheckpoints(ctx, app)
	if err != nil {
		return err
	}
	latest, err := checkpoints.Latest(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		cmd.Printf("No checkpoint stored for job %s\n", checkpoints.JobID())
		return nil
	}
	return describeCheckpoint(cmd.OutOrStdout(), latest, inspectSplits)
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer func() {
		if err := app.close(); err != nil {
			app.logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	checkpoints, err := openJobCheckpoints(ctx, app)
	if err != nil {
		return err
	}
	list, err := checkpoints.List(ctx, listLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		cmd.Printf("No checkpoint stored for job %s\n", checkpoints.JobID())
		return nil
	}
	cmd.Printf("Checkpoints of job %s:\n\n", checkpoints.JobID())
	for _, cp := range list {
		cmd.Printf("  %s  %-15s  %6d bytes  %s\n", cp.CreatedAt.UTC().Format(time.RFC3339), cp.Kind, len(cp.Data), cp.ID)
	}
	return nil
}

// describeCheckpoint writes a readable form of cp to w.
func describeCheckpoint(w io.Writer, cp *state.Checkpoint, splits bool) error {
	header, err := checkpoint.ReadHeader(cp.Data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Checkpoint:  %s\n", cp.ID)
	fmt.Fprintf(w, "Job:         %s\n", cp.JobID)
	fmt.Fprintf(w, "Created:     %s\n", cp.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Format:      %s v%d\n", header.Kind, header.Version)

	switch header.Kind {
	case checkpoint.KindPendingSplits:
		st, err := checkpoint.DecodePendingSplits(cp.Data)
		if err != nil {
			return err
		}
		describePendingSplits(w, st, splits)
	case checkpoint.KindTableStream:
		st, err := checkpoint.DecodeTableStream(cp.Data)
		if err != nil {
			return err
		}
		describeTableStream(w, st)
	default:
		return fmt.Errorf("%w: unknown checkpoint kind %s", common.ErrUnsupportedCheckpointVersion, header.Kind)
	}
	return nil
}

func describePendingSplits(w io.Writer, st assigner.State, splits bool) {
	remaining, finished := st.Counts()
	fmt.Fprintf(w, "Phase:       %s\n", st.Phase)
	fmt.Fprintf(w, "Tables:      %d\n", len(st.Tables))
	for _, t := range st.Tables {
		key, ok := t.ChunkKey()
		if !ok {
			key = "(none)"
		}
		fmt.Fprintf(w, "  - %s (%d columns, key %s)\n", t.ID, len(t.Columns), key)
	}
	fmt.Fprintf(w, "Splits:      %d remaining, %d finished\n", remaining, finished)
	if splits {
		for _, s := range st.Splits {
			line := fmt.Sprintf("  - %s [%s, %s) %s", s.Chunk.ID, s.Chunk.Low, s.Chunk.High, s.State)
			if s.Bracket != nil {
				line += fmt.Sprintf(" watermarks %s..%s", s.Bracket.Low, s.Bracket.High)
			}
			if s.Attempts > 0 {
				line += fmt.Sprintf(" attempts=%d", s.Attempts)
			}
			fmt.Fprintln(w, line)
		}
	}
	if st.Stream != nil {
		fmt.Fprintf(w, "Stream:      start %s, progress %s\n", st.Stream.Start, st.Stream.Progress)
	}
}

func describeTableStream(w io.Writer, st checkpoint.TableStreamState) {
	fmt.Fprintf(w, "Table:       %s\n", st.Table)
	if st.Resolved != nil {
		fmt.Fprintf(w, "Resolved:    %s\n", st.Resolved)
	} else {
		fmt.Fprintf(w, "Resolved:    (snapshot not completed)\n")
	}
	fmt.Fprintf(w, "Schema:      version %d\n", st.SchemaVersion)
	for _, c := range st.Columns {
		fmt.Fprintf(w, "  - %s %s\n", c.Name, c.Type)
	}
}

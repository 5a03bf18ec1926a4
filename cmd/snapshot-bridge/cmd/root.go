package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Commit is set via ldflags at build time.
var Commit = "unknown"

var (
	cfgFile  string
	logLevel string
	jobID    string
)

var rootCmd = &cobra.Command{
	Use:   "snapshot-bridge",
	Short: "Incremental snapshot and change capture for MySQL",
	Long: `snapshot-bridge reads a consistent snapshot of MySQL tables in parallel
chunks without locking them, reconciles every chunk with the binlog, and then
keeps streaming changes from the point the snapshot ended.

A job can run in one process (run) or be split between a coordinator and any
number of worker processes.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/example.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&jobID, "job-id", "",
		"Override source.job_id")
}

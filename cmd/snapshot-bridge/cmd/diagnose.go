package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
	"github.com/philippevezina/snapshot-bridge/internal/observability"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Send test events to the observability backends",
}

var diagnoseSentryCmd = &cobra.Command{
	Use:   "sentry",
	Short: "Send a test error to Sentry",
	RunE:  runDiagnoseSentry,
}

var diagnoseNewRelicCmd = &cobra.Command{
	Use:   "newrelic",
	Short: "Send test logs to New Relic",
	RunE:  runDiagnoseNewRelic,
}

func init() {
	diagnoseCmd.AddCommand(diagnoseSentryCmd, diagnoseNewRelicCmd)
	rootCmd.AddCommand(diagnoseCmd)
}

// diagnosticLogger builds a logger and observability manager from the
// config file with the chosen backends forced on.
func diagnosticLogger(enable func(*config.ObservabilityConfig)) (*zap.Logger, *observability.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	enable(&cfg.Observability)

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	obs, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(initialLogger, "observability"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create observability manager: %w", err)
	}
	return loggerCore.BuildLogger(obs.WrapCore(loggerCore.Core)), obs, nil
}

func runDiagnoseSentry(cmd *cobra.Command, args []string) error {
	logger, obs, err := diagnosticLogger(func(c *config.ObservabilityConfig) { c.ErrorReporting.Enabled = true })
	if err != nil {
		return err
	}
	defer logger.Sync()

	testErr := fmt.Errorf("test error from snapshot-bridge sent at %s", time.Now().Format(time.RFC3339))
	logger.Info("Sending test error to Sentry", zap.Error(testErr))

	ctx := cmd.Context()
	reporter := obs.ErrorReporter()
	_ = reporter.CaptureError(ctx, testErr,
		observability.NewErrorContext("diagnose", "sentry_verification").
			WithTable("test_database.test_table").
			WithSplit("test_database.test_table#0").
			WithExtra("test_key", "test_value"))
	_ = reporter.CaptureMessage(ctx, "Test message from snapshot-bridge Sentry verification",
		observability.SeverityInfo, observability.NewErrorContext("diagnose", "sentry_verification"))

	if err := obs.Stop(); err != nil {
		return err
	}
	cmd.Println("Sentry test completed. Check your Sentry project for the test error.")
	return nil
}

func runDiagnoseNewRelic(cmd *cobra.Command, args []string) error {
	logger, obs, err := diagnosticLogger(func(c *config.ObservabilityConfig) { c.LogExporting.Enabled = true })
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Debug("Test DEBUG message from snapshot-bridge New Relic verification", zap.Int("test_number", 1))
	logger.Info("Test INFO message from snapshot-bridge New Relic verification", zap.Int("test_number", 2))
	logger.Warn("Test WARN message from snapshot-bridge New Relic verification", zap.Int("test_number", 3))
	logger.Error("Test ERROR message from snapshot-bridge New Relic verification",
		zap.Int("test_number", 4),
		zap.Error(fmt.Errorf("simulated error for testing")))

	if err := obs.Stop(); err != nil {
		return err
	}
	cmd.Println("New Relic test completed. Look for 'snapshot-bridge New Relic verification' in your logs.")
	return nil
}

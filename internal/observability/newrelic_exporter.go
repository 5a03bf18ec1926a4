package observability

import (
	"fmt"
	"io"
	"time"

	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrzap"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/snapshot-bridge/internal/config"
)

// NewRelicExporter forwards logs to New Relic through a wrapped zap core.
type NewRelicExporter struct {
	app    *newrelic.Application
	level  zapcore.Level
	logger *zap.Logger
}

// NewNewRelicExporter creates a new New Relic log exporter.
func NewNewRelicExporter(cfg *config.NewRelicConfig, logger *zap.Logger) (*NewRelicExporter, error) {
	if cfg.LicenseKey == "" {
		return nil, fmt.Errorf("new relic license key is required")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("new relic app name is required")
	}

	level := zapcore.InfoLevel
	if cfg.MinLogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.MinLogLevel)); err != nil {
			return nil, fmt.Errorf("invalid new relic min_log_level %q: %w", cfg.MinLogLevel, err)
		}
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogForwarding),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	if err := app.WaitForConnection(10 * time.Second); err != nil {
		logger.Warn("New Relic connection timeout, continuing in background", zap.Error(err))
	}

	return &NewRelicExporter{app: app, level: level, logger: logger}, nil
}

// WrapCore tees entries at or above the configured level to New Relic.
func (e *NewRelicExporter) WrapCore(core zapcore.Core) (zapcore.Core, error) {
	discard := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(io.Discard), e.level)
	forwarded, err := nrzap.WrapBackgroundCore(discard, e.app)
	if err != nil {
		return core, fmt.Errorf("failed to wrap zap core for New Relic: %w", err)
	}
	return zapcore.NewTee(core, forwarded), nil
}

// Flush waits up to timeout for pending log entries to be sent.
func (e *NewRelicExporter) Flush(timeout time.Duration) bool {
	e.app.Shutdown(timeout)
	return true
}

// Close shuts down the New Relic application.
func (e *NewRelicExporter) Close() error {
	e.app.Shutdown(5 * time.Second)
	return nil
}

var _ LogExporter = (*NewRelicExporter)(nil)

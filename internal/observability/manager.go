package observability

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/snapshot-bridge/internal/config"
)

const defaultFlushTimeout = 5 * time.Second

// Manager owns the configured error reporter and log exporter.
type Manager struct {
	cfg           *config.ObservabilityConfig
	logger        *zap.Logger
	errorReporter ErrorReporter
	logExporter   LogExporter
}

// NewManager creates the providers named by cfg. Disabled providers are no-ops.
func NewManager(cfg *config.ObservabilityConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, logger: logger}

	reporter, err := newErrorReporter(&cfg.ErrorReporting, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error reporter: %w", err)
	}
	m.errorReporter = reporter

	exporter, err := newLogExporter(&cfg.LogExporting, logger)
	if err != nil {
		_ = m.errorReporter.Close()
		return nil, fmt.Errorf("failed to initialize log exporter: %w", err)
	}
	m.logExporter = exporter
	return m, nil
}

func newErrorReporter(cfg *config.ErrorReportingConfig, logger *zap.Logger) (ErrorReporter, error) {
	if !cfg.Enabled {
		return NewNoopErrorReporter(), nil
	}
	switch cfg.Provider {
	case "sentry":
		reporter, err := NewSentryReporter(&cfg.Sentry, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Sentry error reporter initialized", zap.String("environment", cfg.Sentry.Environment))
		return reporter, nil
	case "noop", "":
		return NewNoopErrorReporter(), nil
	default:
		return nil, fmt.Errorf("unknown error reporting provider: %s", cfg.Provider)
	}
}

func newLogExporter(cfg *config.LogExportingConfig, logger *zap.Logger) (LogExporter, error) {
	if !cfg.Enabled {
		return NewNoopLogExporter(), nil
	}
	switch cfg.Provider {
	case "newrelic":
		exporter, err := NewNewRelicExporter(&cfg.NewRelic, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("New Relic log exporter initialized", zap.String("app_name", cfg.NewRelic.AppName))
		return exporter, nil
	case "noop", "":
		return NewNoopLogExporter(), nil
	default:
		return nil, fmt.Errorf("unknown log exporting provider: %s", cfg.Provider)
	}
}

// ErrorReporter returns the configured error reporter.
func (m *Manager) ErrorReporter() ErrorReporter {
	return m.errorReporter
}

// WrapCore returns core with log forwarding attached. On failure the
// original core is returned and the error is logged.
func (m *Manager) WrapCore(core zapcore.Core) zapcore.Core {
	wrapped, err := m.logExporter.WrapCore(core)
	if err != nil {
		m.logger.Warn("Log forwarding disabled", zap.Error(err))
		return core
	}
	return wrapped
}

// Stop flushes and closes both providers.
func (m *Manager) Stop() error {
	var errs []error

	if !m.errorReporter.Flush(flushTimeout(m.cfg.ErrorReporting.Sentry.FlushTimeout)) {
		m.logger.Warn("Error reporter flush timed out")
	}
	if err := m.errorReporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close error reporter: %w", err))
	}

	if !m.logExporter.Flush(flushTimeout(m.cfg.LogExporting.NewRelic.FlushTimeout)) {
		m.logger.Warn("Log exporter flush timed out")
	}
	if err := m.logExporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log exporter: %w", err))
	}

	return errors.Join(errs...)
}

func flushTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return defaultFlushTimeout
}

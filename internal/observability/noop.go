package observability

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// NoopErrorReporter is used when error reporting is disabled.
type NoopErrorReporter struct{}

// NewNoopErrorReporter creates a new no-op error reporter.
func NewNoopErrorReporter() *NoopErrorReporter {
	return &NoopErrorReporter{}
}

// CaptureError drops the error.
func (n *NoopErrorReporter) CaptureError(_ context.Context, _ error, _ *ErrorContext) error {
	return nil
}

// CaptureMessage drops the message.
func (n *NoopErrorReporter) CaptureMessage(_ context.Context, _ string, _ Severity, _ *ErrorContext) error {
	return nil
}

// AddBreadcrumb is a no-op.
func (n *NoopErrorReporter) AddBreadcrumb(_, _ string, _ map[string]interface{}) {}

// SetTag is a no-op.
func (n *NoopErrorReporter) SetTag(_, _ string) {}

// Flush has nothing to send and always returns true.
func (n *NoopErrorReporter) Flush(_ time.Duration) bool { return true }

// Close always succeeds.
func (n *NoopErrorReporter) Close() error { return nil }

// NoopLogExporter leaves the zap core untouched.
type NoopLogExporter struct{}

// NewNoopLogExporter creates a new no-op log exporter.
func NewNoopLogExporter() *NoopLogExporter {
	return &NoopLogExporter{}
}

// WrapCore returns core as is.
func (n *NoopLogExporter) WrapCore(core zapcore.Core) (zapcore.Core, error) { return core, nil }

// Flush has nothing to send and always returns true.
func (n *NoopLogExporter) Flush(_ time.Duration) bool { return true }

// Close always succeeds.
func (n *NoopLogExporter) Close() error { return nil }

var (
	_ ErrorReporter = (*NoopErrorReporter)(nil)
	_ LogExporter   = (*NoopLogExporter)(nil)
)

package observability

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// ErrorReporter sends failures that stop a job, or a split, to an external
// error tracker.
type ErrorReporter interface {
	CaptureError(ctx context.Context, err error, errCtx *ErrorContext) error
	CaptureMessage(ctx context.Context, msg string, severity Severity, errCtx *ErrorContext) error
	// AddBreadcrumb records a step that is attached to the next captured
	// event.
	AddBreadcrumb(category, message string, data map[string]interface{})
	// SetTag attaches key to every subsequent event.
	SetTag(key, value string)
	// Flush reports false when the timeout elapsed with events still queued.
	Flush(timeout time.Duration) bool
	Close() error
}

// LogExporter forwards application logs to an external backend by wrapping
// the zap core.
type LogExporter interface {
	WrapCore(core zapcore.Core) (zapcore.Core, error)
	Flush(timeout time.Duration) bool
	Close() error
}

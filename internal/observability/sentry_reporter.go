package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/philippevezina/snapshot-bridge/internal/common"
	"github.com/philippevezina/snapshot-bridge/internal/config"
)

// SentryReporter reports job failures to Sentry.
type SentryReporter struct {
	logger *zap.Logger
	hub    *sentry.Hub
	mu     sync.RWMutex
	tags   map[string]string
}

// NewSentryReporter creates a new Sentry error reporter.
func NewSentryReporter(cfg *config.SentryConfig, logger *zap.Logger) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sentry DSN is required")
	}

	release := cfg.Release
	if release == "" {
		release = "snapshot-bridge@" + common.GetVersion()
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		SampleRate:       cfg.SampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	return &SentryReporter{
		logger: logger,
		hub:    sentry.CurrentHub(),
		tags:   make(map[string]string),
	}, nil
}

// CaptureError sends err to Sentry, tagged with errCtx when given.
func (r *SentryReporter) CaptureError(ctx context.Context, err error, errCtx *ErrorContext) error {
	if err == nil {
		return nil
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("retryable", fmt.Sprint(common.IsRetryable(err)))
		r.applyScope(scope, errCtx)
		r.hub.CaptureException(err)
	})
	return nil
}

// CaptureMessage sends msg at the given severity.
func (r *SentryReporter) CaptureMessage(ctx context.Context, msg string, severity Severity, errCtx *ErrorContext) error {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(severity))
		r.applyScope(scope, errCtx)
		r.hub.CaptureMessage(msg)
	})
	return nil
}

// AddBreadcrumb records a breadcrumb on the current scope.
func (r *SentryReporter) AddBreadcrumb(category, message string, data map[string]interface{}) {
	r.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

// SetTag sets a tag included in all subsequent events.
func (r *SentryReporter) SetTag(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[key] = value
}

// Flush waits up to timeout for pending events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// Close flushes pending events and stops reporting.
func (r *SentryReporter) Close() error {
	sentry.Flush(2 * time.Second)
	return nil
}

func (r *SentryReporter) applyScope(scope *sentry.Scope, errCtx *ErrorContext) {
	r.mu.RLock()
	for k, v := range r.tags {
		scope.SetTag(k, v)
	}
	r.mu.RUnlock()

	if errCtx == nil {
		return
	}
	for k, v := range errCtx.Tags() {
		scope.SetTag(k, v)
	}
	if errCtx.Position != "" {
		scope.SetExtra("change_log_position", errCtx.Position)
	}
	for k, v := range errCtx.Extra {
		scope.SetExtra(k, v)
	}
}

func sentryLevel(severity Severity) sentry.Level {
	switch severity {
	case SeverityDebug:
		return sentry.LevelDebug
	case SeverityInfo:
		return sentry.LevelInfo
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}

var _ ErrorReporter = (*SentryReporter)(nil)

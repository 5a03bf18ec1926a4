package common

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryFailure is fatal and aborts job start.
	ErrDiscoveryFailure = errors.New("table discovery failed")
	// ErrChunkSplitFailure makes the table fall back to a single chunk.
	ErrChunkSplitFailure = errors.New("chunk split failed")
	// ErrNoChunkKey is returned when a table has no primary or unique key.
	ErrNoChunkKey = errors.New("table has no usable chunk key")
	ErrWorkerLost = errors.New("worker lost")
	// ErrReconciliationGap means the change stream could not prove coverage
	// of a chunk's watermark bracket. The chunk must not be emitted.
	ErrReconciliationGap            = errors.New("reconciliation gap in change stream")
	ErrUnsupportedCheckpointVersion = errors.New("unsupported checkpoint version")
	ErrSchemaWideningConflict       = errors.New("schema widening conflict")
)

// SourceError carries whether the failing operation may be retried.
type SourceError struct {
	Err       error
	Retryable bool
}

func (e *SourceError) Error() string {
	return e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func NewRetryableError(format string, args ...any) error {
	return &SourceError{Err: fmt.Errorf(format, args...), Retryable: true}
}

func NewTerminalError(format string, args ...any) error {
	return &SourceError{Err: fmt.Errorf(format, args...), Retryable: false}
}

// IsRetryable reports whether err may be retried. Errors without a
// classification are retryable unless they wrap a fatal sentinel.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return !IsFatal(err)
}

// IsFatal reports whether err belongs to the categories that must stop the job.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReconciliationGap) ||
		errors.Is(err, ErrDiscoveryFailure) ||
		errors.Is(err, ErrUnsupportedCheckpointVersion) ||
		errors.Is(err, ErrSchemaWideningConflict)
}

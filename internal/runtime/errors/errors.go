package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrTimeout               = sterrors.New("heapflow: callback timed out")
	ErrCancelled             = sterrors.New("heapflow: callback cancelled")
	ErrUnsupportedPhase      = sterrors.New("heapflow: transform phase is not supported")
	ErrTransformerRequired   = sterrors.New("heapflow: transformer is required")
	ErrTransformerTimeout    = sterrors.New("heapflow: transformer timeout must be positive")
	ErrDataStoreRequired     = sterrors.New("heapflow: data store is required")
	ErrUnknownDataStore      = sterrors.New("heapflow: unknown data store")
	ErrMessageTooLarge       = sterrors.New("heapflow: message exceeds byte limit")
	ErrQueueClosed           = sterrors.New("heapflow: queue is closed")
	ErrConfigRequired        = sterrors.New("heapflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("heapflow: logger is required")
	ErrBaseURLRequired       = sterrors.New("heapflow: upload base URL is required")
	ErrClientRequired        = sterrors.New("heapflow: upload client is required")
	ErrActiveSessionRequired = sterrors.New("heapflow: active session provider is required")
	ErrUploadInProgress      = sterrors.New("heapflow: upload already in progress")
	ErrNoActiveSession       = sterrors.New("heapflow: no active session")
)

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("heapflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

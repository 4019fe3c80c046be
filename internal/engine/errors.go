package engine

import (
	"errors"
	"fmt"
)

// SyncError represents a failure detected while replicating.
//
// Per-entry failures are recorded on the log entry and aggregated into
// the batch result; SyncError is how the internal layers communicate
// which taxonomy bucket a failure belongs to before that aggregation.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// LogID identifies the affected log entry, when per-entry.
	LogID string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeConfig indicates missing or invalid node configuration
	// (no master URL, wrong role for the operation). Fails the call
	// immediately with an error result.
	ErrCodeConfig SyncErrorCode = "CONFIG"

	// ErrCodeApplyPermanent indicates a pull entry that can never be
	// applied locally (unknown record type, unparseable snapshot).
	ErrCodeApplyPermanent SyncErrorCode = "APPLY_PERMANENT"

	// ErrCodeApplyTransient indicates a pull apply failure worth
	// retrying; it blocks the watermark so the entry is re-fetched.
	ErrCodeApplyTransient SyncErrorCode = "APPLY_TRANSIENT"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("%s: %s (log=%s)", e.Code, e.Message, e.LogID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a configuration error.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeConfig
	}
	return false
}

// IsPermanentApply reports whether err marks a pull entry as
// permanently unapplicable, letting the watermark advance past it.
func IsPermanentApply(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeApplyPermanent
	}
	return false
}

// newConfigError creates a SyncError for configuration problems.
func newConfigError(message string) *SyncError {
	return &SyncError{Code: ErrCodeConfig, Message: message}
}

// newApplyError wraps an apply failure with its classification.
func newApplyError(logID string, permanent bool, err error) *SyncError {
	code := ErrCodeApplyTransient
	if permanent {
		code = ErrCodeApplyPermanent
	}
	return &SyncError{Code: code, Message: err.Error(), LogID: logID, Err: err}
}

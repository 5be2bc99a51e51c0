// Package errors provides structured error types for the Chronicle system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components. The event writer uses the
// retryable flag to decide between backoff-and-retry and dead-lettering.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryLedger     ErrorCategory = "LEDGER"
	ErrCategoryWriter     ErrorCategory = "WRITER"
	ErrCategoryState      ErrorCategory = "STATE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidEventType = "INVALID_EVENT_TYPE"
	CodeEmptyPayload     = "EMPTY_PAYLOAD"

	// Ledger codes
	CodeLedgerBusy         = "LEDGER_BUSY"
	CodeCorruptionDetected = "CORRUPTION_DETECTED"
	CodeMigrationFailed    = "MIGRATION_FAILED"
	CodeTruncationConflict = "TRUNCATION_CONFLICT"

	// Writer codes
	CodeStoreClosed   = "STORE_CLOSED"
	CodeAppendTimeout = "APPEND_TIMEOUT"
	CodeQueueFull     = "QUEUE_FULL"
	CodeDeadLettered  = "DEAD_LETTERED"

	// State codes
	CodeRollbackFailed = "ROLLBACK_FAILED"
	CodeRebuildFailed  = "REBUILD_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ChronicleError is the structured error type used throughout the system.
type ChronicleError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ChronicleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ChronicleError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ChronicleError) Is(target error) bool {
	var t *ChronicleError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ChronicleError.
func New(category ErrorCategory, code, message string) *ChronicleError {
	return &ChronicleError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ChronicleError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ChronicleError {
	return &ChronicleError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ChronicleError) WithDetails(details map[string]interface{}) *ChronicleError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *ChronicleError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ChronicleError.
func GetCategory(err error) ErrorCategory {
	var ce *ChronicleError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ChronicleError.
func GetCode(err error) string {
	var ce *ChronicleError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable determines if an error code represents transient contention.
// Only lock contention on the backing file and transient object storage
// failures are safe to retry; everything else escalates immediately.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryLedger && code == CodeLedgerBusy:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *ChronicleError {
	return New(ErrCategoryValidation, code, message)
}

func NewLedgerError(code, message string, cause error) *ChronicleError {
	return Wrap(ErrCategoryLedger, code, message, cause)
}

func NewWriterError(code, message string, cause error) *ChronicleError {
	return Wrap(ErrCategoryWriter, code, message, cause)
}

func NewStateError(code, message string, cause error) *ChronicleError {
	return Wrap(ErrCategoryState, code, message, cause)
}

func NewStorageError(code, message string, cause error) *ChronicleError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *ChronicleError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

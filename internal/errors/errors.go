// Package errors provides error codes shared by the offline store, the sync
// queue and the synchronizer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and logs.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrUnknownTable       ErrorCode = "UNKNOWN_TABLE"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrInvalidPayload    ErrorCode = "INVALID_PAYLOAD"

	// Sync errors
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"
	ErrOffline         ErrorCode = "OFFLINE"
	ErrNoSession       ErrorCode = "NO_SESSION"
	ErrRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrHandlerMissing  ErrorCode = "HANDLER_MISSING"
	ErrRemoteFailed    ErrorCode = "REMOTE_FAILED"
	ErrRemoteIDMissing ErrorCode = "REMOTE_ID_MISSING"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when err carries no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

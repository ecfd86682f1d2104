// Package errors provides error codes and the transient/permanent taxonomy
// used by the offline queue and sync engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCode represents a unique, stable error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrState      ErrorCode = "INVALID_STATE"

	// Storage errors
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"
	ErrQueueStorage ErrorCode = "QUEUE_STORAGE_ERROR"

	// Sync errors
	ErrSyncOffline          ErrorCode = "SYNC_OFFLINE"
	ErrSyncAuthRequired     ErrorCode = "SYNC_AUTH_REQUIRED"
	ErrSyncTransient        ErrorCode = "SYNC_TRANSIENT"
	ErrSyncPermanent        ErrorCode = "SYNC_PERMANENT"
	ErrSyncRetriesExhausted ErrorCode = "SYNC_RETRIES_EXHAUSTED"
	ErrSyncTimeout          ErrorCode = "SYNC_TIMEOUT"
	ErrSyncConflict         ErrorCode = "SYNC_CONFLICT"
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
	if stderrors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		return Is(appErr.Err, code)
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// =====================================================
// Remote error taxonomy
// =====================================================

// Kind classifies a failed remote send.
type Kind int

const (
	// KindTransient failures are expected to succeed on retry.
	KindTransient Kind = iota
	// KindPermanent failures will not succeed without a different payload or state.
	KindPermanent
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// RemoteError is returned by remote store clients.
type RemoteError struct {
	Kind       Kind
	StatusCode int
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Transient builds a transient RemoteError.
func Transient(statusCode int, reason string) *RemoteError {
	return &RemoteError{Kind: KindTransient, StatusCode: statusCode, Reason: reason}
}

// Permanent builds a permanent RemoteError.
func Permanent(statusCode int, reason string) *RemoteError {
	return &RemoteError{Kind: KindPermanent, StatusCode: statusCode, Reason: reason}
}

// Classify reports whether err is transient or permanent.
// Timeouts and network failures are transient. Errors that carry no
// classification are treated as transient so they are retried up to the ceiling.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var remoteErr *RemoteError
	if stderrors.As(err, &remoteErr) {
		return remoteErr.Kind
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransient
	}

	if Is(err, ErrValidation) || Is(err, ErrInvalid) || Is(err, ErrSyncConflict) {
		return KindPermanent
	}

	return KindTransient
}

// Reason extracts the user-facing reason of a send failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var remoteErr *RemoteError
	if stderrors.As(err, &remoteErr) && remoteErr.Reason != "" {
		return remoteErr.Reason
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

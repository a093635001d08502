package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a bus error, its code and category are kept.
// Context errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var busErr *Error
	if errors.As(err, &busErr) {
		wrapped := &Error{
			code:        busErr.code,
			category:    busErr.category,
			message:     message,
			cause:       err,
			metadata:    busErr.Metadata(),
			retryable:   busErr.retryable,
			timestamp:   busErr.timestamp,
			messageType: busErr.messageType,
			target:      busErr.target,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsBusError extracts a BusError from an error chain.
// Returns nil if none is found.
func AsBusError(err error) BusError {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.code == code
	}
	return false
}

// IsSerialization reports whether err is a SERIALIZATION error.
func IsSerialization(err error) bool {
	return Is(err, ErrCodeSerialization)
}

// IsTargetUnavailable reports whether err is a TARGET_UNAVAILABLE error.
func IsTargetUnavailable(err error) bool {
	return Is(err, ErrCodeTargetUnavailable)
}

// IsHandlerFailed reports whether err is a HANDLER_FAILED error.
func IsHandlerFailed(err error) bool {
	return Is(err, ErrCodeHandlerFailed)
}

// IsRetryable checks if the error is retryable.
// Non-bus errors are not retryable.
func IsRetryable(err error) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.category
	}
	return ""
}

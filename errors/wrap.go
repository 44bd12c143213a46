package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the
// error chain. If err is nil, Wrap returns nil. If err is already a
// relay Error, its code and category are preserved.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		wrapped := &Error{
			code:      relayErr.code,
			category:  relayErr.category,
			message:   message,
			cause:     err,
			connID:    relayErr.connID,
			sessionID: relayErr.sessionID,
			timestamp: relayErr.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	return New(CodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error under a specific error code.
func WrapWithCode(err error, code Code, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As is a re-export of the standard errors.As for callers that already
// import this package.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// HasCode checks if any error in the chain has the given code.
func HasCode(err error, code Code) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code == code
	}
	return false
}

// InCategory checks if any error in the chain has the given category.
func InCategory(err error, category Category) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Retryable()
	}
	return false
}

package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// RelayError is the interface for all structured errors in the relay.
// It extends the standard error interface with the context broadcast
// surfaces and logs need to classify a failure.
type RelayError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() Code

	// Category returns the error category.
	Category() Category

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RelayError.
type Error struct {
	code      Code
	category  Category
	message   string
	cause     error
	connID    string // offending connection, if applicable
	sessionID string // related session, if applicable
	timestamp time.Time
}

// Ensure Error implements RelayError and json.Marshaler.
var (
	_ RelayError     = (*Error)(nil)
	_ json.Marshaler = (*Error)(nil)
)

// New creates a structured error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  CategoryFor(code),
		message:   message,
		timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() Category {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	return e.category.Retryable()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// ConnID returns the offending connection id, if set.
func (e *Error) ConnID() string {
	return e.connID
}

// SessionID returns the related session id, if set.
func (e *Error) SessionID() string {
	return e.sessionID
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// errorJSON is the JSON representation of an Error. This is the shape
// embedded in admin error frames sent back to clients.
type errorJSON struct {
	Code      Code     `json:"code"`
	Category  Category `json:"category"`
	Message   string   `json:"message"`
	Cause     string   `json:"cause,omitempty"`
	Retryable bool     `json:"retryable"`
	ConnID    string   `json:"conn_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Retryable: e.Retryable(),
		ConnID:    e.connID,
		SessionID: e.sessionID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCause attaches an underlying error.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// WithCategory overrides the default category for the code.
func WithCategory(cat Category) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithConn records the offending connection id.
func WithConn(id string) Option {
	return func(e *Error) {
		e.connID = id
	}
}

// WithSession records the related session id.
func WithSession(id string) Option {
	return func(e *Error) {
		e.sessionID = id
	}
}

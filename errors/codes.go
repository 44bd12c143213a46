package errors

import "net/http"

// Category classifies errors by where in the relay they originate.
type Category string

const (
	// CategoryTransport covers failures on a single physical channel:
	// malformed JSON, oversized payloads, writes on a closed connection.
	CategoryTransport Category = "transport"

	// CategoryRouting covers failures locating a destination, such as a
	// message submitted for a session id nobody registered.
	CategoryRouting Category = "routing"

	// CategoryConnectivity covers operations attempted while the
	// upstream worker connection is not usable. These are expected to
	// succeed once the worker reconnects.
	CategoryConnectivity Category = "connectivity"

	// CategoryRecovery covers inconsistencies discovered while
	// rebuilding connection state after a process restart.
	CategoryRecovery Category = "recovery"

	// CategoryInternal covers everything else: bugs, corrupted state.
	CategoryInternal Category = "internal"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// Retryable reports whether errors in this category may succeed on retry.
func (c Category) Retryable() bool {
	return c == CategoryConnectivity
}

// Code identifies a specific failure within a category.
type Code string

const (
	// Transport codes.
	CodeMalformed      Code = "MALFORMED"       // payload is not valid JSON
	CodeOversized      Code = "OVERSIZED"       // payload exceeds the size limit
	CodeBadContentType Code = "BAD_CONTENT_TYPE" // submission without application/json
	CodeWriteFailed    Code = "WRITE_FAILED"    // write on a broken or closed channel
	CodeClosed         Code = "CLOSED"          // operation on a closed transport

	// Routing codes.
	CodeUnknownSession Code = "UNKNOWN_SESSION" // session id has no registered transport
	CodeMissingSession Code = "MISSING_SESSION" // session id absent from the request

	// Connectivity codes.
	CodeNotConnected Code = "NOT_CONNECTED" // upstream worker is not attached

	// Recovery codes.
	CodeRoleConflict Code = "ROLE_CONFLICT" // more than one live upstream found

	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "INTERNAL"
)

// categoryOf maps each code to its default category.
var categoryOf = map[Code]Category{
	CodeMalformed:      CategoryTransport,
	CodeOversized:      CategoryTransport,
	CodeBadContentType: CategoryTransport,
	CodeWriteFailed:    CategoryTransport,
	CodeClosed:         CategoryTransport,
	CodeUnknownSession: CategoryRouting,
	CodeMissingSession: CategoryRouting,
	CodeNotConnected:   CategoryConnectivity,
	CodeRoleConflict:   CategoryRecovery,
	CodeInternal:       CategoryInternal,
}

// CategoryFor returns the default category for a code.
func CategoryFor(code Code) Category {
	if cat, ok := categoryOf[code]; ok {
		return cat
	}
	return CategoryInternal
}

// httpStatusOf maps codes to the status returned by HTTP surfaces.
var httpStatusOf = map[Code]int{
	CodeMalformed:      http.StatusBadRequest,
	CodeOversized:      http.StatusBadRequest,
	CodeBadContentType: http.StatusBadRequest,
	CodeMissingSession: http.StatusBadRequest,
	CodeUnknownSession: http.StatusNotFound,
	CodeNotConnected:   http.StatusServiceUnavailable,
	CodeClosed:         http.StatusServiceUnavailable,
}

// HTTPStatus returns the HTTP status an error should surface as.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	var re *Error
	if As(err, &re) {
		if status, ok := httpStatusOf[re.code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

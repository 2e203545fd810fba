// Package errors classifies the errors of the service layer so that the REST
// and JSON-RPC handlers can answer each with the matching status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error by how a client should react to it.
type Kind int

const (
	// Internal errors are failures of the service itself.
	Internal Kind = iota
	// Invalid requests are malformed or fail validation.
	Invalid
	// NotFound means the referenced run or snapshot does not exist.
	NotFound
	// Conflict means the run is in a state that does not allow the request.
	Conflict
	// Unavailable means the service is at capacity; retrying later may help.
	Unavailable
)

var kindNames = map[Kind]string{
	Internal:    "Server error",
	Invalid:     "Invalid params",
	NotFound:    "Not found",
	Conflict:    "Conflict",
	Unavailable: "Unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Internal]
}

// HTTPStatus returns the REST status code of the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Invalid:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RPCCode returns the JSON-RPC 2.0 error code of the kind. Invalid maps to
// the reserved invalid-params code, the others to the server-error range.
func (k Kind) RPCCode() int {
	switch k {
	case Invalid:
		return -32602
	case NotFound:
		return -32001
	case Conflict:
		return -32002
	case Unavailable:
		return -32003
	}
	return -32000
}

// Error is a classified service error.
type Error struct {
	Kind Kind
	// Message describes the error for the client.
	Message string
	// Operation is the server operation that failed.
	Operation string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(e.Message)

	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString("operation=")
		builder.WriteString(e.Operation)
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

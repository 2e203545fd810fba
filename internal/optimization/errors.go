package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the safe optimization packages. Callers match
// them with errors.Is; the concrete error is usually an *Error wrapping one.
var (
	// ErrSafetyViolation is returned when an accepted observation falls below
	// the safety threshold and the run does not tolerate unsafe samples.
	ErrSafetyViolation = errors.New("sampled unsafe point")

	// ErrNotRadial is returned when a kernel without the radial unit-variance
	// property is used where the kernel distance identity is required.
	ErrNotRadial = errors.New("kernel is not radial with unit output variance")

	// ErrShapeMismatch is returned for inconsistent matrix or vector shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidBounds is returned for malformed domain bounds.
	ErrInvalidBounds = errors.New("invalid domain bounds")

	// ErrNoSamples is returned when an operation needs at least one sample.
	ErrNoSamples = errors.New("no samples")

	// ErrPredictorRequired is returned when deployment mode has no norm predictor.
	ErrPredictorRequired = errors.New("deployment mode requires a norm predictor")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Errorf creates an error for op in component that wraps the sentinel err
// with a formatted message.
func Errorf(component, op string, err error, format string, args ...interface{}) *Error {
	return &Error{
		Message:   fmt.Sprintf(format, args...),
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

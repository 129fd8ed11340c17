// Package huberrors provides sentinel and custom error types for the application.
package huberrors

// ErrNotFound represents a "not found" error.
// Use when a requested image, file or index entry doesn't exist.
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found.
type NotFoundError struct {
	Resource string
	Message  string
}

// NewNotFoundError creates a new NotFoundError with a custom message.
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Message:  message,
	}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Resource != "" {
		return e.Resource + " not found"
	}

	return "resource not found"
}

// Is implements the error interface for error comparison.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)

	return ok
}

// ErrValidation represents a validation error.
// Use when client input fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// ErrLimitExceeded is the sentinel for limit-exceeded errors (e.g. a fetched image larger than the body limit).
var ErrLimitExceeded = &LimitExceededError{}

// LimitExceededError is a sentinel error for limit-exceeded conditions.
type LimitExceededError struct {
	Message string
}

// NewLimitExceededError creates a LimitExceededError with a custom message.
func NewLimitExceededError(message string) *LimitExceededError {
	return &LimitExceededError{Message: message}
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "limit exceeded"
}

// Is implements the error interface for error comparison.
func (e *LimitExceededError) Is(target error) bool {
	_, ok := target.(*LimitExceededError)

	return ok
}

// ErrUnavailable is the sentinel for features that are not configured on this instance
// (no classifier loaded, no embedding model, image index disabled).
var ErrUnavailable = &UnavailableError{}

// UnavailableError is a sentinel error for disabled or not-yet-loaded components.
type UnavailableError struct {
	Component string
	Message   string
}

// NewUnavailableError creates an UnavailableError for the named component.
func NewUnavailableError(component, message string) *UnavailableError {
	return &UnavailableError{Component: component, Message: message}
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Component != "" {
		return e.Component + " is not available"
	}

	return "service unavailable"
}

// Is implements the error interface for error comparison.
func (e *UnavailableError) Is(target error) bool {
	_, ok := target.(*UnavailableError)

	return ok
}

// ErrUnsupportedMedia is the sentinel for input bytes that cannot be decoded as an image.
var ErrUnsupportedMedia = &UnsupportedMediaError{}

// UnsupportedMediaError is a sentinel error for undecodable media.
type UnsupportedMediaError struct {
	Message string
}

// NewUnsupportedMediaError creates an UnsupportedMediaError with a custom message.
func NewUnsupportedMediaError(message string) *UnsupportedMediaError {
	return &UnsupportedMediaError{Message: message}
}

// Error implements the error interface.
func (e *UnsupportedMediaError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "unsupported media"
}

// Is implements the error interface for error comparison.
func (e *UnsupportedMediaError) Is(target error) bool {
	_, ok := target.(*UnsupportedMediaError)

	return ok
}

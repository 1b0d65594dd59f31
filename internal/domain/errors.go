package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or input is absent or owned by someone else
	ErrNotFound = errors.New("not found")

	// ErrInvalidCursor is returned when a sync cursor cannot be decoded
	ErrInvalidCursor = errors.New("invalid sync cursor")

	// ErrInvalidTransition is returned when a status change is not allowed from the current state
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrEnqueueFailed is returned when a job message could not be published
	ErrEnqueueFailed = errors.New("failed to enqueue job")

	// ErrNoUsableContext is returned when retrieval produced nothing to ground a recommendation on
	ErrNoUsableContext = errors.New("no usable context")
)

// ErrorCode is the externally visible error category
type ErrorCode string

const (
	CodeBadRequest            ErrorCode = "BAD_REQUEST"
	CodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	CodeForbidden             ErrorCode = "FORBIDDEN"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodePipelineEnqueueFailed ErrorCode = "PIPELINE_ENQUEUE_FAILED"
	CodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	CodeInternal              ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeNoUsableContext       ErrorCode = "NO_USABLE_CONTEXT"
)

// AppError carries an error code alongside the underlying cause
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// FailureReason formats a job failure reason prefixed with its code
func FailureReason(code ErrorCode, detail string) string {
	return string(code) + ": " + detail
}

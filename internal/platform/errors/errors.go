// Package errors provides coded application errors shared by every layer of
// the workflow service. Handlers translate codes into transport statuses;
// services and repositories only ever construct them.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure independent of transport.
type ErrorCode string

const (
	// ErrCodeNotFound means a flow, instance, request or unit is missing.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeAlreadyInProgress means a live instance or assessment round already exists.
	ErrCodeAlreadyInProgress ErrorCode = "ALREADY_IN_PROGRESS"
	// ErrCodeNotPending means the target is in a state that does not permit the operation.
	ErrCodeNotPending ErrorCode = "NOT_PENDING"
	// ErrCodeForbidden means the actor may not perform the operation.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"
	// ErrCodeConfig means stored configuration is inconsistent.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
	// ErrCodeInvalidInput means caller input failed validation.
	ErrCodeInvalidInput ErrorCode = "VALIDATION_ERROR"
	// ErrCodeInternal covers storage and other unexpected failures.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code    ErrorCode
	Message string
	// Field names the offending input for validation errors.
	Field string
	Cause error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError by code, so errors.Is(err, &AppError{Code: X}) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. Wrapping an
// *AppError keeps its original code so lower layers decide the class.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

func NotFound(resource, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

// AlreadyInProgress reports an existing live entity and the status it is in.
func AlreadyInProgress(resource, id, status string) *AppError {
	return New(ErrCodeAlreadyInProgress, fmt.Sprintf("%s %q already exists with status %s", resource, id, status))
}

// NotPending reports that the entity's status forbids the requested transition.
func NotPending(resource, id, status string) *AppError {
	return New(ErrCodeNotPending, fmt.Sprintf("%s %q is %s", resource, id, status))
}

func ConfigError(message string) *AppError {
	return New(ErrCodeConfig, message)
}

// CodeOf returns the code carried by err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error code to the status the REST facade returns.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyInProgress:
		return http.StatusConflict
	case ErrCodeNotPending:
		return http.StatusPreconditionFailed
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConfig:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

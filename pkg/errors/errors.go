// Package errors carries the error codes shared by the RPC channel and the
// HTTP surface. A code decides both the wire value and the HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, machine readable part of an error.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeCannotConsume      ErrorCode = "CANNOT_CONSUME"
	ErrCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeCannotConsume:      http.StatusUnprocessableEntity,
	ErrCodePreconditionFailed: http.StatusPreconditionFailed,
	ErrCodeRateLimit:          http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// HTTPStatus maps the code onto a response status. Unknown codes are 500.
func (c ErrorCode) HTTPStatus() int {
	if status, ok := statusByCode[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AppError is an error with a code, a client-safe message and optional
// details rendered next to it.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
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

// HTTPStatus is the status the error is rendered with.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetail attaches a key/value pair and returns e for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds an AppError with a formatted message.
func New(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. The cause stays reachable for
// errors.Is.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func InvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, "%s", message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, "%s not found", resource)
}

func ServiceUnavailable(message string) *AppError {
	return New(ErrCodeServiceUnavailable, "%s", message)
}

func RateLimited() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

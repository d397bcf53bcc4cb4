package batch

import (
	"batchbridge/internal/apperrors"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// ErrorCode is a machine-readable error code reported by the batch service.
type ErrorCode string

const (
	CodeJobExists      ErrorCode = "JobExists"
	CodeJobCompleted   ErrorCode = "JobCompleted"
	CodePoolExists     ErrorCode = "PoolExists"
	CodePoolNotFound   ErrorCode = "PoolNotFound"
	CodeJobNotFound    ErrorCode = "JobNotFound"
	CodeTaskNotFound   ErrorCode = "TaskNotFound"
	CodeTaskExists     ErrorCode = "TaskExists"
	CodeFileNotFound   ErrorCode = "FileNotFound"
	CodeInvalidRequest ErrorCode = "InvalidRequest"
	CodeServerBusy     ErrorCode = "ServerBusy"
)

// Error is an error returned by the batch service.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("batch: %s (HTTP %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("batch: %s: %s", e.Code, e.Message)
}

// Unwrap classifies the service error so apperrors.HTTPStatus maps it.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeJobExists, CodeJobCompleted, CodePoolExists, CodeTaskExists:
		return apperrors.ErrConflict
	case CodeJobNotFound, CodeTaskNotFound, CodePoolNotFound, CodeFileNotFound:
		return apperrors.ErrNotFound
	case CodeInvalidRequest:
		return apperrors.ErrValidation
	case CodeServerBusy:
		return apperrors.ErrUnavailable
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusServiceUnavailable:
		return apperrors.ErrUnavailable
	case e.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return apperrors.ErrConflict
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return apperrors.ErrValidation
	}
	return apperrors.ErrInternal
}

// NewError creates a service error with the HTTP status conventionally used for the code.
func NewError(code ErrorCode, format string, args ...any) *Error {
	status := http.StatusInternalServerError
	switch code {
	case CodeJobExists, CodeJobCompleted, CodePoolExists, CodeTaskExists:
		status = http.StatusConflict
	case CodeJobNotFound, CodeTaskNotFound, CodePoolNotFound, CodeFileNotFound:
		status = http.StatusNotFound
	case CodeInvalidRequest:
		status = http.StatusBadRequest
	case CodeServerBusy:
		status = http.StatusServiceUnavailable
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), StatusCode: status}
}

// HasCode reports whether err wraps a service error with one of the given codes.
func HasCode(err error, codes ...ErrorCode) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return slices.Contains(codes, be.Code)
}

// Retryable reports whether a service error is transient.
func Retryable(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == CodeServerBusy ||
		be.StatusCode == http.StatusTooManyRequests ||
		be.StatusCode == http.StatusServiceUnavailable
}

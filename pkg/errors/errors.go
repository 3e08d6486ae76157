package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrLockTimeout           = errors.New("entity lock timeout")
	ErrLeaseLost             = errors.New("entity lease lost")
	ErrStoreUnavailable      = errors.New("index store unavailable")
	ErrBatchPartiallyApplied = errors.New("batch partially applied")
	ErrUnknownEntityType     = errors.New("unknown entity type")
	ErrMessageMalformed      = errors.New("message malformed")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInternal              = errors.New("internal error")
	ErrTimeout               = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether err is transient: the caller should retry the
// whole Store/Remove with backoff rather than give up on the message.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrLeaseLost),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrBatchPartiallyApplied),
		errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMessageMalformed) ||
		errors.Is(err, ErrUnknownEntityType) ||
		errors.Is(err, ErrInvalidInput)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMessageMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownEntityType):
		return http.StatusNotFound
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

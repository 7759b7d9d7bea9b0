package docsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoSession       = errors.New("no session")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrSessionExpired  = errors.New("session expired")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrForeignDocument = errors.New("frame for another document")
	ErrNoChanges       = errors.New("no changes to save")
	ErrClosed          = errors.New("session closed")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return retryableStatus(e.StatusCode)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// FatalConnectError wraps the failure of the first handshake of a session.
// Later connection failures are retried silently and never produce one.
type FatalConnectError struct {
	Err error
}

func (e *FatalConnectError) Error() string {
	return "WebSocket error. Failed to connect.\n" + e.Err.Error()
}

func (e *FatalConnectError) Unwrap() error {
	return e.Err
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

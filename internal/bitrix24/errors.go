package bitrix24

import (
	"context"
	"errors"
	"net/http"
)

// Remote error codes that indicate a temporary condition on the portal side.
const (
	CodeQueryLimitExceeded = "QUERY_LIMIT_EXCEEDED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// APIError is returned for transport failures, unsuccessful HTTP statuses and
// error bodies decoded from the REST API.
type APIError struct {
	Message     string
	Code        string
	Description string
	StatusCode  int
	Transport   bool
	Context     map[string]any
	Err         error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TokenRefreshError means the OAuth credential could not be renewed and the
// portal has to be re-authorized. It is never retried.
type TokenRefreshError struct {
	APIError
}

func newTokenRefreshError(message string, context map[string]any, err error) *TokenRefreshError {
	return &TokenRefreshError{APIError{Message: message, Context: context, Err: err}}
}

// IsTokenRefreshError reports whether err carries a *TokenRefreshError.
func IsTokenRefreshError(err error) bool {
	var refreshErr *TokenRefreshError
	return errors.As(err, &refreshErr)
}

// IsTransient reports whether a failed call may succeed when repeated:
// HTTP 5xx/429, QUERY_LIMIT_EXCEEDED/INTERNAL_ERROR, or connection failures.
func IsTransient(err error) bool {
	if err == nil || IsTokenRefreshError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Transport {
			return false
		}
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.Transport:
		return true
	case apiErr.StatusCode >= http.StatusInternalServerError, apiErr.StatusCode == http.StatusTooManyRequests:
		return true
	case apiErr.Code == CodeQueryLimitExceeded, apiErr.Code == CodeInternalError:
		return true
	}
	return false
}

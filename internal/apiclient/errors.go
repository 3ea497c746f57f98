package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the API has no such resource.
	ErrNotFound = errors.New("resource not found")

	// ErrUnknownPlatform is returned for a platform with no configured base URL.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrMissingAPIKey is returned when the client is created without a key.
	ErrMissingAPIKey = errors.New("api key is required")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Route      string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Route, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Route, e.StatusCode, e.Message)
}

// Unwrap maps 404 to ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Throttled reports whether the API rejected the call for exceeding its quota.
func (e *StatusError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Throttled() || e.StatusCode >= http.StatusInternalServerError
}

// IsThrottled reports whether err is, or wraps, a 429 StatusError.
func IsThrottled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Throttled()
}

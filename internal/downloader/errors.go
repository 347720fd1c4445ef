package downloader

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks a 429 response; it ends the current attempt cycle.
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden marks a 403 response; it may trigger escalation.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient marks timeouts and connection failures.
	ErrTransient = errors.New("transient network error")
	// ErrValidation marks content that was fetched but is not an acceptable image.
	ErrValidation = errors.New("validation failed")
	// ErrNoCandidates is returned for a request without any URL to try.
	ErrNoCandidates = errors.New("no candidate urls")
)

// StatusError is a non-2xx HTTP response for one candidate URL.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Unwrap maps the status onto the error taxonomy so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

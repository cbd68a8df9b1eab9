package libgo365

import (
	"errors"
	"fmt"
	"net/http"
)

// Error values for Microsoft Graph API responses.
var (
	// ErrUnauthorized indicates the access token was rejected.
	ErrUnauthorized = errors.New("libgo365: unauthorized")

	// ErrForbidden indicates the token lacks a scope required by the resource.
	ErrForbidden = errors.New("libgo365: forbidden")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("libgo365: not found")

	// ErrRateLimited indicates the request was throttled by Microsoft Graph.
	ErrRateLimited = errors.New("libgo365: rate limited")

	// ErrServerError indicates a server-side failure in Microsoft Graph.
	ErrServerError = errors.New("libgo365: server error")
)

// HTTPError is returned for any non-2xx Graph response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Is maps the status code onto the package error values so callers can
// write errors.Is(err, libgo365.ErrUnauthorized).
func (e *HTTPError) Is(target error) bool {
	return statusError(e.StatusCode) == target
}

// statusError converts an HTTP status code to the matching error value, or
// nil when the code has no dedicated value.
func statusError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if statusCode >= 500 {
			return ErrServerError
		}
		return nil
	}
}

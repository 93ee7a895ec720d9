package phyn

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors for the phyn package.
var (
	// ErrCircuitOpen is returned while the breaker rejects requests.
	ErrCircuitOpen = errors.New("phyn: circuit breaker open")

	// ErrUnexpectedResponse is returned when a response body cannot be
	// decoded into the expected shape.
	ErrUnexpectedResponse = errors.New("phyn: unexpected response")

	// ErrNotAuthorized is matched by StatusError for 401 and 403.
	ErrNotAuthorized = errors.New("phyn: not authorized")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("phyn: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("phyn: %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is matches ErrNotAuthorized for 401 and 403 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotAuthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// clientError reports whether the request itself was at fault. Such
// responses do not count against the breaker.
func (e *StatusError) clientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

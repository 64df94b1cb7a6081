package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when Helix answers successfully but with no matching data
// (unknown login, unknown or deleted clip).
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx Helix response.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s: %d %s: %s", e.Endpoint, e.Status, http.StatusText(e.Status), e.Body)
}

// Transient reports whether the status indicates a server-side or rate-limit problem
// rather than a bad request. Only transient failures count against the circuit breaker.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsNotFound reports whether err means the requested entity does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

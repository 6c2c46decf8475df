package resilient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceUnavailable is returned without any network I/O while the
// breaker for a target is open.
var ErrServiceUnavailable = errors.New("service unavailable: circuit breaker is open")

// StatusError is a non-2xx response from the remote target.
type StatusError struct {
	Target     string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d", e.Target, e.Method, e.Path, e.StatusCode)
}

// Retryable reports whether another attempt could succeed. Client errors
// are final except for 408 Request Timeout.
func (e *StatusError) Retryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == http.StatusRequestTimeout
	}
	return true
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

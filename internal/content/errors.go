package content

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when the requested content does not exist.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("content not found: %s", e.URL)
}

// IsNotFound returns true if err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// ErrNoSource is returned when a request permits no configured source.
var ErrNoSource = errors.New("content: no permitted source")

package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no document has the requested identity.
var ErrNotFound = errors.New("remote: document not found")

// RejectedError is a write the service refused outright (permission denied,
// validation failure). The push path currently retries it with the same
// backoff as transient network failures; the distinct type exists so callers
// can tell the classes apart.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote: write rejected (%s): %s", e.Code, e.Reason)
}

// IsRejected reports whether err is a service-side rejection rather than a
// transport failure.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

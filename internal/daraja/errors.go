package daraja

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the gateway could not be reached or answered with a
// server error after retries. The push outcome is unknown.
var ErrUnavailable = errors.New("daraja: gateway unavailable")

// ErrAuthExpired indicates the cached access token was rejected and a refresh
// also failed to produce an accepted credential.
var ErrAuthExpired = errors.New("daraja: access token rejected")

// RejectedError indicates the gateway understood the request and refused it.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("daraja: request rejected (%s): %s", e.Code, e.Message)
}

// IsRejected reports whether err is a gateway rejection and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

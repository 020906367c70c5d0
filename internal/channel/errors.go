package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when token renewal is exhausted: the
	// clock-skew retry still got 400, or a resent request got 401/403 again.
	ErrAuthentication = errors.New("authentication failed")

	// ErrClosed is returned by calls on a closed channel.
	ErrClosed = errors.New("channel is closed")
)

// TransportError is a non-2xx response that local recovery could not absorb.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is treat auth-status transport errors as
// ErrAuthentication while keeping the status code reachable via errors.As.
func (e *TransportError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrAuthentication
	}
	return nil
}

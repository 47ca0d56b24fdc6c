package putio

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRangeIgnored is returned when the download server answers a ranged
// request for a non-zero offset with the whole file.
var ErrRangeIgnored = errors.New("server ignored range request")

// NetworkError wraps a failed call to put.io or its download servers.
type NetworkError struct {
	Op         string // list_transfers, download_url, fetch_range
	StatusCode int    // 0 when no response was received
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("putio %s failed (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("putio %s failed: %s", e.Op, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same call may succeed: transport
// failures, throttling and 5xx responses.
func (e *NetworkError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= http.StatusInternalServerError
	}
}

// AuthenticationError is returned for 401/403 responses and a rejected token.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("putio %s: not authorized: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("putio %s: not authorized", e.Op)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

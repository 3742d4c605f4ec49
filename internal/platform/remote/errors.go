package remote

import (
	"fmt"
	"net/http"
)

// RemoteError is a non-success response from the remote service. Body is
// kept for server-side logging only.
type RemoteError struct {
	Op         string
	Status     int
	StatusText string
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %d %s", e.Op, e.Status, e.StatusText)
}

// Unauthorized reports whether the remote service rejected the token.
func (e *RemoteError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// AuthenticationError means no access token could be obtained.
type AuthenticationError struct {
	Flow string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("remote authentication (%s) failed: %v", e.Flow, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func newRemoteError(op string, resp *http.Response, body []byte) *RemoteError {
	if len(body) > 2048 {
		body = body[:2048]
	}
	return &RemoteError{Op: op, Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode), Body: string(body)}
}

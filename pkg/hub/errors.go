package hub

import "errors"

// Sentinel errors for hub failure modes. Close codes on the wire are the
// standard RFC 6455 set: 1000 for clean closes and evictions, 1001 for the
// shutdown hard close, 1002 for protocol violations, 1008 for authentication
// failures, and 1013 when the hub is at capacity or draining.
var (
	ErrClientNotFound     = errors.New("target client not found")
	ErrClientNotAvailable = errors.New("target client not available")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrHubClosed          = errors.New("hub is shut down")
	ErrMaxConnections     = errors.New("maximum connections reached")
)

// RemoteError carries the failure message a client handler produced for a
// hub-originated peer request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

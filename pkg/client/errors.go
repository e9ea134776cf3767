package client

import "errors"

// Sentinel errors returned by the request APIs and the connection lifecycle.
var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrAuthFailed       = errors.New("authentication failed")
)

// RemoteError carries the failure message the remote side attached to a
// success=false response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Package creds defines the credential store the hub consults during
// authentication: an injectable mapping from client name to shared-secret
// token, with in-memory, Valkey, and PostgreSQL backends.
package creds

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrUnknownToken      = errors.New("unknown token")
	ErrUnknownUser       = errors.New("unknown user")
	ErrTokenInUse        = errors.New("token already assigned to another user")
	ErrInvalidCredential = errors.New("name and token must be non-empty")
)

// Store maps client names to their tokens. Names are opaque non-empty strings,
// unique within a store; a token belongs to at most one name at a time.
type Store interface {
	// Authenticate resolves a token to its canonical client name. Returns
	// ErrUnknownToken when no credential carries the token.
	Authenticate(ctx context.Context, token string) (string, error)

	// Set creates or replaces the credential for name. Setting the same pair
	// twice is a no-op; assigning a token that belongs to a different name
	// fails with ErrTokenInUse.
	Set(ctx context.Context, name, token string) error

	// Remove deletes the credential for name. Returns ErrUnknownUser when the
	// name is not stored.
	Remove(ctx context.Context, name string) error

	// Names returns the sorted names of all stored credentials.
	Names(ctx context.Context) ([]string, error)
}

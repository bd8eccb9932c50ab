// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the invite quota for the current window is used up.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotConnected indicates the operation needs an established protocol connection.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyMessage indicates an invite body that is empty after trimming.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidPhone indicates no usable recipient phone number was supplied.
	ErrInvalidPhone = errors.New("invalid phone")

	// ErrResyncFailed indicates a best-effort app-state resync failed.
	ErrResyncFailed = errors.New("resync failed")

	// ErrPersistenceFailed indicates a profile store write failed.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrLoggedOut indicates the remote end invalidated the pairing.
	ErrLoggedOut = errors.New("logged out")

	// ErrSessionClosed indicates the protocol connection is gone.
	ErrSessionClosed = errors.New("session closed")
)

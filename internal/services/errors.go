package services

import "errors"

var (
	// ErrUnauthenticated covers unknown users, users without the tracker
	// capability and wrong secrets alike.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the credentials are valid but lack a permission.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation marks malformed client input.
	ErrValidation = errors.New("invalid input")

	// ErrConfiguration marks a feature that is not configured on this server.
	ErrConfiguration = errors.New("not configured")

	ErrMergeNeedsTwo = errors.New("need at least 2 tracks")
)

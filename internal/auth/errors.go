package auth

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed, forged and expired credentials alike.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden is returned when a valid identity lacks the required permission.
	ErrForbidden         = errors.New("auth: forbidden")
	ErrUnknownRole       = errors.New("auth: unknown role")
	ErrUnknownPermission = errors.New("auth: unknown permission")
)

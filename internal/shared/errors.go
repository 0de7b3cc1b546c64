package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrRoleUnknown indicates a role missing from the catalog.
	ErrRoleUnknown = errors.New("unknown role")
	// ErrInvalidExpiry indicates a temporary grant whose expiry is not in the future.
	ErrInvalidExpiry = errors.New("expiry must be in the future")
	// ErrActorMissing occurs when a mutating request carries no actor identity.
	ErrActorMissing = errors.New("actor identity missing")
)

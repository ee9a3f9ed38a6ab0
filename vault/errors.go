package vault

import "errors"

var (
	// ErrNotFound indicates the referenced certificate, key or operation
	// does not exist in the vault.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a certificate operation is already pending for
	// the name, or a write collided with existing state.
	ErrConflict = errors.New("conflicting operation")

	// ErrCapacityExceeded indicates a write would exceed a hard ceiling of
	// the backing store (tag count or tag value size).
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrSigningFailure indicates the remote signing call failed. Callers
	// must not retry blindly: a half-completed pending operation must not
	// be resubmitted.
	ErrSigningFailure = errors.New("remote signing failed")

	// ErrInvalidName indicates an identifier violates the boundary naming
	// rule enforced by ValidateName.
	ErrInvalidName = errors.New("invalid name")
)

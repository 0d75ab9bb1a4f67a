package domain

import "errors"

// Error taxonomy shared by the historization engine and the stores. All
// write-path failures propagate to the nearest transaction boundary which
// rolls back and rethrows; none are swallowed.
var (
	// ErrConstraint signals a violated uniqueness rule on create/update.
	ErrConstraint = errors.New("constraint violation")

	// ErrNotFound signals that a load-by-key found no row.
	ErrNotFound = errors.New("record not found")

	// ErrNonUnique signals that a load expected to be unique matched more
	// than one row. This is corruption or a programming error and is never
	// resolved by silently picking one.
	ErrNonUnique = errors.New("non-unique result")

	// ErrIllegalState signals an update or delete aimed at a non-ACTIVE row.
	ErrIllegalState = errors.New("illegal record state")

	// ErrKindMismatch signals an update entry whose kind does not match the
	// declared kind of the target field.
	ErrKindMismatch = errors.New("field kind mismatch")

	// ErrGraph signals a connection that would break graph integrity
	// (self-loop, duplicate edge, or cycle).
	ErrGraph = errors.New("graph integrity violation")
)

package xrm

import "errors"

var (
	// ErrEntityNotFound is returned by lookups when no record exists for a
	// (logical name, id) pair. Image resolution treats it as "no image".
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidValue is returned when an attribute value cannot be
	// represented as a Value.
	ErrInvalidValue = errors.New("invalid attribute value")
)

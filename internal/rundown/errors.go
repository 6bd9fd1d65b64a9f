// Package rundown holds the pure document transforms: structural
// operations, cell and document field edits, row renumbering and derived
// timing.  Nothing in this package performs I/O; every function returns a
// new value and leaves its input untouched.
package rundown

import "errors"

// ErrUnknownOperation is returned for an operation type the applier does
// not implement.  It signals a protocol mismatch between client and server
// and maps to HTTP 400.
var ErrUnknownOperation = errors.New("unknown operation type")

// ErrInvalidPayload is returned when an operation payload cannot be decoded
// or is missing required members.
var ErrInvalidPayload = errors.New("invalid operation payload")

// ErrItemNotFound is returned when an edit targets an item id that is not
// part of the rundown.
var ErrItemNotFound = errors.New("item not found")

// ErrUnknownField is returned for a field name that is not editable.
var ErrUnknownField = errors.New("unknown field")

// ErrInvalidValue is returned when a field value has the wrong JSON type.
var ErrInvalidValue = errors.New("invalid field value")

// ErrInvalidShowDate is returned when a show date cannot be normalized to
// YYYY-MM-DD.
var ErrInvalidShowDate = errors.New("invalid show date")

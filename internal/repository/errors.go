// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// coordinator and the handlers to distinguish between different failure
// scenarios. For example, ErrForbidden indicates that the current user
// may not read or edit a rundown, while ErrRevisionConflict signals that
// somebody else wrote the rundown between our read and our write.
package repository

import "errors"

// ErrRundownNotFound is returned when the rundown does not exist.
// Handlers translate it into an HTTP 404 response.
var ErrRundownNotFound = errors.New("rundown not found")

// ErrForbidden is returned when the caller is not a member of the
// rundown, or is a viewer attempting a write. Handlers should translate
// this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrRevisionConflict is returned by compare-and-swap writes when the
// stored revision no longer matches the one the caller read. The
// coordinator refetches and retries; it is never surfaced to clients
// directly.
var ErrRevisionConflict = errors.New("revision conflict")

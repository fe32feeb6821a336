// Package repository defines error types that are reused across the
// storage, staging and merge layers.  These sentinel values allow
// higher layers such as handlers to distinguish between different
// failure scenarios.  Errors are wrapped with fmt.Errorf("%w: ...") so
// callers can use errors.Is while the message stays human readable.
package repository

import "errors"

// ErrNotFound is returned when a referenced milestone, patient, team or
// membership does not exist.  Handlers translate this into HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the calling device has no identity, no
// approved membership in the requested team, or is not a team admin.
var ErrUnauthorized = errors.New("unauthorized")

// ErrValidation is returned for malformed payloads and for outcomes that
// are not allowed for a milestone.  Handlers translate this into HTTP 400.
var ErrValidation = errors.New("validation failed")

// ErrForbidden is returned when a device acts on a resource that another
// device owns, such as approving members of a team it does not administer.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a staged batch changed since it was
// reviewed.  Handlers should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

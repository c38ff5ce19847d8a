package crawler

import "errors"

var (
	// ErrValidation marks requests rejected before any state changes.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound signals that the requested task or schedule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingCredential is returned when no cookie is configured.
	ErrMissingCredential = errors.New("cookie is empty")
	// ErrNoTargets is returned when a target list is empty or unresolvable.
	ErrNoTargets = errors.New("no valid targets")
)

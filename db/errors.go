package db

import "errors"

// Store error taxonomy. Guard violations surface to the caller; action-level
// failures are captured as ActionResult data and never reach here.
var (
	// ErrNotFound indicates an unknown incident, policy or runbook id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a status-guard violation, e.g. acknowledging an
	// incident that is no longer in the created status.
	ErrConflict = errors.New("status conflict")
)

package approval

import "errors"

var (
	// ErrNotFound is returned when no rule matches, a request or step does
	// not exist, or an actor has no actionable step.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed submissions, misconfigured
	// workflows, and actions against requests that are no longer pending.
	ErrInvalidInput = errors.New("invalid input")
)

package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no job exists for the given ID.
	ErrNotFound = errors.New("job: not found")
	// ErrValidation marks a request rejected before any state mutation.
	ErrValidation = errors.New("job: validation failed")
	// ErrConflict signals the optimistic version check lost a race with
	// a concurrent transition; callers retry against the latest version.
	ErrConflict = errors.New("job: concurrent modification")
)

// IllegalTransitionError reports a requested transition that is not in
// the legal table for the job's current status.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("job: illegal transition %s -> %s", e.From, e.To)
}

package dispute

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("dispute: not found")
	ErrValidation = errors.New("dispute: validation failed")
	// ErrConflict signals a lost optimistic-version race; retry against
	// the latest record.
	ErrConflict = errors.New("dispute: concurrent modification")
)

// IllegalTransitionError reports a transition outside the legal table.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("dispute: illegal transition %s -> %s", e.From, e.To)
}

// SideEffectError reports that the state change committed but a
// downstream collaborator failed afterwards. The wrapped operation
// needs a retry; the dispute record is authoritative as returned.
type SideEffectError struct {
	Op  string
	Err error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("dispute: %s degraded after commit: %v", e.Op, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

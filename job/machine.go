package job

import (
	"fmt"
	"strings"
)

// legalNext is the authoritative transition table. Cancellation is
// legal from every non-terminal status and always requires a reason;
// everything else follows the dispatch/accept/review flow.
var legalNext = map[Status][]Status{
	StatusPendingDispatch: {StatusDispatched, StatusCancelled},
	StatusDispatched:      {StatusAccepted, StatusCancelled},
	StatusAccepted:        {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusSubmitted, StatusCancelled},
	StatusSubmitted:       {StatusUnderReview, StatusCompleted, StatusCancelled},
	StatusUnderReview:     {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:       nil,
	StatusCancelled:       nil,
	StatusFailed:          nil,
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// IsValidStatus reports whether s names a known job status.
func IsValidStatus(s Status) bool {
	_, ok := legalNext[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the legal
// transition table.
func CanTransition(from, to Status) bool {
	for _, next := range legalNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks the requested transition against the table
// and its field preconditions. It inspects no store state beyond the
// current status, so it can run before any transaction is opened.
func ValidateTransition(from Status, params TransitionParams) error {
	if !IsValidStatus(params.To) {
		return fmt.Errorf("job: unknown status %q: %w", params.To, ErrValidation)
	}
	if params.To == StatusCancelled && strings.TrimSpace(params.Reason) == "" {
		return fmt.Errorf("job: cancellation requires a non-empty reason: %w", ErrValidation)
	}
	if !CanTransition(from, params.To) {
		return &IllegalTransitionError{From: from, To: params.To}
	}
	if params.To == StatusDispatched && params.AppraiserID == "" {
		return fmt.Errorf("job: dispatch requires an appraiser candidate: %w", ErrValidation)
	}
	return nil
}

package dispute

// legalNext is the dispute transition table. Escalated disputes route
// back through under_review before they can be resolved; closing is
// possible from any non-terminal status and records no resolution.
var legalNext = map[Status][]Status{
	StatusOpen:        {StatusUnderReview, StatusResolved, StatusEscalated, StatusClosed},
	StatusUnderReview: {StatusResolved, StatusEscalated, StatusClosed},
	StatusEscalated:   {StatusUnderReview, StatusClosed},
	StatusResolved:    nil,
	StatusClosed:      nil,
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusResolved || s == StatusClosed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusEscalated   Status = "escalated"
	StatusClosed      Status = "closed"
)

// Record mirrors the disputes table. RelatedJobID is a weak reference:
// the dispute may read job summary fields but never mutates job state.
type Record struct {
	ID             string
	OrganizationID string
	RelatedJobID   *string
	Status         Status
	// Priority is informational only; 1 is critical. It never gates
	// transitions.
	Priority     int
	Resolution   *string
	RefundAmount *float64
	ResolvedAt   *time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Comment is one entry of the append-only comment thread. Internal
// comments are filtered at the query boundary, not here.
type Comment struct {
	ID         int64
	DisputeID  string
	AuthorID   string
	Content    string
	IsInternal bool
	CreatedAt  time.Time
}

// CreateParams opens a dispute in status open.
type CreateParams struct {
	OrganizationID string
	RelatedJobID   *string
	Priority       int
	FiledBy        string
}

// ResolveParams carries a resolution request. RefundAmount, when
// present, must be positive and within the amount originally paid.
type ResolveParams struct {
	DisputeID    string
	Resolution   string
	RefundAmount *float64
	ActorID      string
}

// CommentParams appends to the thread. AuthorIsAdmin drives the
// implicit open -> under_review move on a first admin comment.
type CommentParams struct {
	DisputeID     string
	AuthorID      string
	Content       string
	IsInternal    bool
	AuthorIsAdmin bool
}

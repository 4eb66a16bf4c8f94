package job

import "time"

// Status represents the lifecycle of an appraisal job.
type Status string

const (
	StatusPendingDispatch Status = "pending_dispatch"
	StatusDispatched      Status = "dispatched"
	StatusAccepted        Status = "accepted"
	StatusInProgress      Status = "in_progress"
	StatusSubmitted       Status = "submitted"
	StatusUnderReview     Status = "under_review"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// Job mirrors the jobs table. Version backs the optimistic
// compare-and-swap at the store; it increments on every committed
// transition.
type Job struct {
	ID                  string
	OrganizationID      string
	PropertyID          string
	AssignedAppraiserID *string
	ScopePreset         ScopePreset
	Status              Status
	SLADueAt            *time.Time
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HistoryEntry is one row of the append-only status history. Seq is
// assigned inside the committing transaction and is strictly monotonic
// per job.
type HistoryEntry struct {
	ID         int64
	JobID      string
	Seq        int
	FromStatus Status
	ToStatus   Status
	ActorID    string
	Reason     *string
	CreatedAt  time.Time
}

// CreateParams enumerates the fields required to open a job in
// pending_dispatch.
type CreateParams struct {
	OrganizationID string
	PropertyID     string
	ScopePreset    ScopePreset
}

// TransitionParams carries one requested status change.
type TransitionParams struct {
	JobID   string
	To      Status
	ActorID string
	// Reason is mandatory and non-empty for cancellation.
	Reason string
	// AppraiserID is required when dispatching; it becomes the job's
	// assigned appraiser.
	AppraiserID string
}

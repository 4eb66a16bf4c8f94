package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TransitionWrite enumerates the writes applied inside a single
// transition transaction: the CAS status update, the history append,
// and the notification outbox row.
type TransitionWrite struct {
	JobID           string
	From            Status
	To              Status
	ExpectedVersion int64
	ActorID         string
	Reason          *string
	// AssignAppraiserID, when non-nil, becomes the assigned appraiser
	// (dispatch).
	AssignAppraiserID *string
	// SLADueAt is written as-is; nil clears the deadline.
	SLADueAt *time.Time
	// RecipientID and Payload feed the notification outbox.
	RecipientID string
	Payload     map[string]any
}

// Store is the persistence surface the transition service needs.
// Implemented by Repository; faked in unit tests.
type Store interface {
	Get(ctx context.Context, q Querier, id string) (Job, error)
	Create(ctx context.Context, params CreateParams) (Job, error)
	ExecuteTransitionTx(ctx context.Context, tx pgx.Tx, params TransitionWrite) (Job, error)
	ListActive(ctx context.Context) ([]Job, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, organization_id, property_id, assigned_appraiser_id, scope_preset, status::text, sla_due_at, version, created_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.OrganizationID,
		&j.PropertyID,
		&j.AssignedAppraiserID,
		&j.ScopePreset,
		&j.Status,
		&j.SLADueAt,
		&j.Version,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

// Get loads a job through q, which may be the pool or an open
// transaction.
func (r *Repository) Get(ctx context.Context, q Querier, id string) (Job, error) {
	if q == nil {
		q = r.pool
	}
	j, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

// Create opens a new job in pending_dispatch.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Job, error) {
	if params.OrganizationID == "" || params.PropertyID == "" {
		return Job{}, fmt.Errorf("job: organization and property ids required: %w", ErrValidation)
	}
	preset := params.ScopePreset
	if preset == "" {
		preset = PresetStandard
	}

	const insertSQL = `
INSERT INTO jobs (organization_id, property_id, scope_preset, status)
VALUES ($1, $2, $3, 'pending_dispatch')
RETURNING ` + jobColumns

	j, err := scanJob(r.pool.QueryRow(ctx, insertSQL, params.OrganizationID, params.PropertyID, preset))
	if err != nil {
		return Job{}, fmt.Errorf("job: create: %w", err)
	}
	return j, nil
}

// ExecuteTransitionTx applies the status CAS, appends the history row,
// and enqueues the notification, all inside the caller's transaction.
// A version mismatch yields ErrConflict; a vanished row yields
// ErrNotFound.
func (r *Repository) ExecuteTransitionTx(ctx context.Context, tx pgx.Tx, params TransitionWrite) (Job, error) {
	const updateSQL = `
UPDATE jobs
SET status = $1::job_status,
    sla_due_at = $2,
    assigned_appraiser_id = COALESCE($3, assigned_appraiser_id),
    version = version + 1,
    updated_at = now()
WHERE id = $4 AND version = $5
RETURNING ` + jobColumns

	updated, err := scanJob(tx.QueryRow(ctx, updateSQL,
		params.To,
		params.SLADueAt,
		params.AssignAppraiserID,
		params.JobID,
		params.ExpectedVersion,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Job{}, fmt.Errorf("job: transition update: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, params.JobID).Scan(&exists); err != nil {
			return Job{}, fmt.Errorf("job: transition existence check: %w", err)
		}
		if !exists {
			return Job{}, ErrNotFound
		}
		return Job{}, ErrConflict
	}

	// The CAS update row-locked the job, so MAX(seq)+1 cannot race.
	const historySQL = `
INSERT INTO job_status_history (job_id, seq, from_status, to_status, actor_id, reason)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::job_status, $3::job_status, $4, $5
FROM job_status_history WHERE job_id = $1
`
	if _, err := tx.Exec(ctx, historySQL, params.JobID, params.From, params.To, params.ActorID, params.Reason); err != nil {
		return Job{}, fmt.Errorf("job: append history: %w", err)
	}

	if err := enqueueNotification(ctx, tx, params.RecipientID, params.Payload); err != nil {
		return Job{}, err
	}

	return updated, nil
}

func enqueueNotification(ctx context.Context, tx pgx.Tx, recipientID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("job: marshal notification payload: %w", err)
	}
	const q = `
INSERT INTO notifications (recipient_id, event_kind, payload)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := tx.Exec(ctx, q, recipientID, "job.status_changed", body); err != nil {
		return fmt.Errorf("job: enqueue notification: %w", err)
	}
	return nil
}

// ListActive returns all jobs whose status is non-terminal, for the
// SLA sweep and the breach summary.
func (r *Repository) ListActive(ctx context.Context) ([]Job, error) {
	const query = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status NOT IN ('completed','cancelled','failed')
ORDER BY created_at
`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("job: list active: %w", err)
	}
	defer rows.Close()

	out := make([]Job, 0, 32)
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID,
			&j.OrganizationID,
			&j.PropertyID,
			&j.AssignedAppraiserID,
			&j.ScopePreset,
			&j.Status,
			&j.SLADueAt,
			&j.Version,
			&j.CreatedAt,
			&j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("job: scan active: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate active: %w", err)
	}
	return out, nil
}

// History returns the append-only status history for a job, oldest
// first.
func (r *Repository) History(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	const query = `
SELECT id, job_id, seq, from_status::text, to_status::text, actor_id, reason, created_at
FROM job_status_history
WHERE job_id = $1
ORDER BY seq
`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("job: history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.JobID, &h.Seq, &h.FromStatus, &h.ToStatus, &h.ActorID, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("job: scan history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate history: %w", err)
	}
	return out, nil
}

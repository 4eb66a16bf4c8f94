package dispute

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

// TransitionWrite enumerates the writes of one dispute transition: the
// CAS status update (with resolution fields when resolving) and the
// notification outbox row.
type TransitionWrite struct {
	DisputeID       string
	From            Status
	To              Status
	ExpectedVersion int64
	ActorID         string
	// Resolution, RefundAmount, and ResolvedAt are written atomically
	// and only on transition into resolved.
	Resolution   *string
	RefundAmount *float64
	ResolvedAt   *time.Time
	RecipientID  string
	EventKind    string
	Payload      map[string]any
}

// Store is the persistence surface the dispute service needs.
type Store interface {
	Get(ctx context.Context, q Querier, id string) (Record, error)
	Create(ctx context.Context, params CreateParams) (Record, error)
	ExecuteTransitionTx(ctx context.Context, tx pgx.Tx, params TransitionWrite) (Record, error)
	InsertComment(ctx context.Context, tx pgx.Tx, params CommentParams) (Comment, error)
	EnqueueEvent(ctx context.Context, tx pgx.Tx, recipientID, eventKind string, payload map[string]any) error
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `id, organization_id, related_job_id, status::text, priority, resolution, refund_amount, resolved_at, version, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.OrganizationID,
		&rec.RelatedJobID,
		&rec.Status,
		&rec.Priority,
		&rec.Resolution,
		&rec.RefundAmount,
		&rec.ResolvedAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

func (r *Repository) Get(ctx context.Context, q Querier, id string) (Record, error) {
	if q == nil {
		q = r.pool
	}
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.OrganizationID == "" {
		return Record{}, fmt.Errorf("dispute: organization id required: %w", ErrValidation)
	}
	priority := params.Priority
	if priority <= 0 {
		priority = 3
	}

	const insertSQL = `
INSERT INTO disputes (organization_id, related_job_id, priority, status)
VALUES ($1, $2, $3, 'open')
RETURNING ` + disputeColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL, params.OrganizationID, params.RelatedJobID, priority))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// ExecuteTransitionTx applies the CAS status update and enqueues the
// notification inside the caller's transaction.
func (r *Repository) ExecuteTransitionTx(ctx context.Context, tx pgx.Tx, params TransitionWrite) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = $1::dispute_status,
    resolution = $2,
    refund_amount = $3,
    resolved_at = $4,
    version = version + 1,
    updated_at = now()
WHERE id = $5 AND version = $6
RETURNING ` + disputeColumns

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL,
		params.To,
		params.Resolution,
		params.RefundAmount,
		params.ResolvedAt,
		params.DisputeID,
		params.ExpectedVersion,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("dispute: transition update: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, params.DisputeID).Scan(&exists); err != nil {
			return Record{}, fmt.Errorf("dispute: transition existence check: %w", err)
		}
		if !exists {
			return Record{}, ErrNotFound
		}
		return Record{}, ErrConflict
	}

	if err := r.EnqueueEvent(ctx, tx, params.RecipientID, params.EventKind, params.Payload); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Repository) InsertComment(ctx context.Context, tx pgx.Tx, params CommentParams) (Comment, error) {
	const insertSQL = `
INSERT INTO dispute_comments (dispute_id, author_id, content, is_internal)
VALUES ($1, $2, $3, $4)
RETURNING id, dispute_id, author_id, content, is_internal, created_at
`
	var c Comment
	err := tx.QueryRow(ctx, insertSQL, params.DisputeID, params.AuthorID, params.Content, params.IsInternal).
		Scan(&c.ID, &c.DisputeID, &c.AuthorID, &c.Content, &c.IsInternal, &c.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("dispute: insert comment: %w", err)
	}
	return c, nil
}

func (r *Repository) EnqueueEvent(ctx context.Context, tx pgx.Tx, recipientID, eventKind string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal event payload: %w", err)
	}
	const q = `
INSERT INTO notifications (recipient_id, event_kind, payload)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := tx.Exec(ctx, q, recipientID, eventKind, body); err != nil {
		return fmt.Errorf("dispute: enqueue event: %w", err)
	}
	return nil
}

// List returns disputes for an organization, newest first, optionally
// filtered to one related job.
func (r *Repository) List(ctx context.Context, organizationID, relatedJobID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE organization_id = $1`
	args := []any{organizationID}
	if relatedJobID != "" {
		query += ` AND related_job_id = $2`
		args = append(args, relatedJobID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.OrganizationID,
			&rec.RelatedJobID,
			&rec.Status,
			&rec.Priority,
			&rec.Resolution,
			&rec.RefundAmount,
			&rec.ResolvedAt,
			&rec.Version,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Comments returns the full thread, oldest first. Internal filtering
// happens at the query boundary above this core.
func (r *Repository) Comments(ctx context.Context, disputeID string) ([]Comment, error) {
	const query = `
SELECT id, dispute_id, author_id, content, is_internal, created_at
FROM dispute_comments
WHERE dispute_id = $1
ORDER BY created_at, id
`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: comments: %w", err)
	}
	defer rows.Close()

	out := make([]Comment, 0, 8)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.DisputeID, &c.AuthorID, &c.Content, &c.IsInternal, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate comments: %w", err)
	}
	return out, nil
}

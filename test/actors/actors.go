package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// transition applies one CAS status update plus its history and outbox
// rows, the same write set the job service commits. A lost version race
// simply skips the turn.
func transition(ctx context.Context, pool *pgxpool.Pool, jobID, from, to string, reason *string, setSLA, clearSLA bool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM jobs WHERE id=$1 AND status=$2::job_status`, jobID, from).Scan(&version)
	if err != nil {
		return nil // job moved on, not an actor failure
	}

	update := `UPDATE jobs SET status=$1::job_status, version=version+1, updated_at=now()`
	if setSLA {
		update += `, sla_due_at = now() + interval '24 hours'`
	}
	if clearSLA {
		update += `, sla_due_at = NULL`
	}
	update += ` WHERE id=$2 AND version=$3`

	tag, err := tx.Exec(ctx, update, to, jobID, version)
	if err != nil || tag.RowsAffected() == 0 {
		return nil // lost the race
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO job_status_history (job_id, seq, from_status, to_status, actor_id, reason)
SELECT $1, COALESCE(MAX(seq),0)+1, $2::job_status, $3::job_status, 'stress-actor', $4
FROM job_status_history WHERE job_id=$1`, jobID, from, to, reason); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO notifications (recipient_id, event_kind, payload)
VALUES ('stress-recipient', 'job.status_changed', jsonb_build_object('job_id',$1::text,'to',$2::text))`, jobID, to); err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return tx.Commit(ctx)
}

func randomJobIn(ctx context.Context, pool *pgxpool.Pool, status string) (string, bool) {
	var id string
	err := pool.QueryRow(ctx, `SELECT id FROM jobs WHERE status=$1::job_status ORDER BY random() LIMIT 1`, status).Scan(&id)
	return id, err == nil
}

// Creator opens fresh jobs so the pipeline never starves.
func Creator(ctx context.Context, pool *pgxpool.Pool, orgID string, stop <-chan struct{}) error {
	presets := []string{"rush", "standard", "extended"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
INSERT INTO jobs (organization_id, property_id, scope_preset, status)
VALUES ($1, gen_random_uuid(), $2, 'pending_dispatch')`, orgID, presets[rand.Intn(len(presets))])
		if err != nil {
			return fmt.Errorf("creator insert: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Dispatcher races to assign pending jobs to an appraiser.
func Dispatcher(ctx context.Context, pool *pgxpool.Pool, appraiserID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomJobIn(ctx, pool, "pending_dispatch"); ok {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			var version int64
			if err := tx.QueryRow(ctx, `SELECT version FROM jobs WHERE id=$1 AND status='pending_dispatch'`, id).Scan(&version); err == nil {
				tag, err := tx.Exec(ctx, `
UPDATE jobs SET status='dispatched', assigned_appraiser_id=$1,
       sla_due_at = now() + interval '24 hours', version=version+1, updated_at=now()
WHERE id=$2 AND version=$3`, appraiserID, id, version)
				if err == nil && tag.RowsAffected() == 1 {
					_, _ = tx.Exec(ctx, `
INSERT INTO job_status_history (job_id, seq, from_status, to_status, actor_id)
SELECT $1, COALESCE(MAX(seq),0)+1, 'pending_dispatch', 'dispatched', 'stress-dispatcher'
FROM job_status_history WHERE job_id=$1`, id)
					_, _ = tx.Exec(ctx, `
INSERT INTO notifications (recipient_id, event_kind, payload)
VALUES ($1, 'job.status_changed', jsonb_build_object('job_id',$2,'to','dispatched'))`, appraiserID, id)
					_ = tx.Commit(ctx)
				}
			}
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Worker walks jobs through the delivery pipeline one legal edge at a
// time.
func Worker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	edges := [][2]string{
		{"dispatched", "accepted"},
		{"accepted", "in_progress"},
		{"in_progress", "submitted"},
		{"submitted", "under_review"},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		edge := edges[rand.Intn(len(edges))]
		if id, ok := randomJobIn(ctx, pool, edge[0]); ok {
			if err := transition(ctx, pool, id, edge[0], edge[1], nil, false, false); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Canceller cancels random active jobs, racing the worker and approver.
func Canceller(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	statuses := []string{"pending_dispatch", "dispatched", "accepted", "in_progress", "submitted", "under_review"}
	reason := "stress cancellation"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		from := statuses[rand.Intn(len(statuses))]
		if id, ok := randomJobIn(ctx, pool, from); ok {
			if err := transition(ctx, pool, id, from, "cancelled", &reason, false, true); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Approver completes jobs under review, clearing the SLA deadline.
func Approver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomJobIn(ctx, pool, "under_review"); ok {
			if err := transition(ctx, pool, id, "under_review", "completed", nil, false, true); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer files disputes against completed jobs, comments on them, and
// drives them to resolved or closed through the dispute CAS.
func Disputer(ctx context.Context, pool *pgxpool.Pool, orgID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var jobID string
		if err := pool.QueryRow(ctx, `SELECT id FROM jobs WHERE status='completed' ORDER BY random() LIMIT 1`).Scan(&jobID); err == nil {
			var dispID string
			if err := pool.QueryRow(ctx, `
INSERT INTO disputes (organization_id, related_job_id, priority)
VALUES ($1, $2, 3) RETURNING id`, orgID, jobID).Scan(&dispID); err == nil {
				_, _ = pool.Exec(ctx, `
INSERT INTO dispute_comments (dispute_id, author_id, content, is_internal)
VALUES ($1, 'stress-admin', 'reviewing', true)`, dispID)

				tx, err := pool.Begin(ctx)
				if err != nil {
					return err
				}
				if rand.Intn(2) == 0 {
					_, _ = tx.Exec(ctx, `
UPDATE disputes SET status='resolved', resolution='stress resolution',
       resolved_at=now(), version=version+1, updated_at=now()
WHERE id=$1 AND version=1`, dispID)
				} else {
					_, _ = tx.Exec(ctx, `
UPDATE disputes SET status='closed', version=version+1, updated_at=now()
WHERE id=$1 AND version=1`, dispID)
				}
				_, _ = tx.Exec(ctx, `
INSERT INTO notifications (recipient_id, event_kind, payload)
VALUES ($1, 'dispute.status_changed', jsonb_build_object('dispute_id',$2))`, orgID, dispID)
				_ = tx.Commit(ctx)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending notifications with SKIP LOCKED and
// marks them processed, or bumps attempts on a simulated failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM notifications WHERE status='pending' ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 20`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 20)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE notifications SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE notifications SET status='processed', processed_at=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

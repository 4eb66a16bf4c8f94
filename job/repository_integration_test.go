package job

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestTransitionTx_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the CAS update, the gapless history append, and the outbox row
// end to end.
func TestTransitionTx_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'jobs')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; run migrations first")
	}

	repo := NewRepository(pool)

	created, err := repo.Create(ctx, CreateParams{
		OrganizationID: "00000000-0000-0000-0000-000000000001",
		PropertyID:     "00000000-0000-0000-0000-000000000002",
		ScopePreset:    PresetRush,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM notifications WHERE payload->>'job_id' = $1`, created.ID)
		pool.Exec(ctx2, `DELETE FROM jobs WHERE id = $1`, created.ID)
	})

	if created.Status != StatusPendingDispatch || created.Version != 1 {
		t.Fatalf("unexpected created job: %+v", created)
	}

	appraiser := "00000000-0000-0000-0000-000000000007"
	due := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	apply := func(expected int64) (Job, error) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		updated, err := repo.ExecuteTransitionTx(ctx, tx, TransitionWrite{
			JobID:             created.ID,
			From:              StatusPendingDispatch,
			To:                StatusDispatched,
			ExpectedVersion:   expected,
			ActorID:           "integration-admin",
			AssignAppraiserID: &appraiser,
			SLADueAt:          &due,
			RecipientID:       appraiser,
			Payload:           map[string]any{"job_id": created.ID, "to": StatusDispatched},
		})
		if err != nil {
			return Job{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Job{}, err
		}
		return updated, nil
	}

	updated, err := apply(1)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Status != StatusDispatched || updated.Version != 2 {
		t.Fatalf("unexpected updated job: %+v", updated)
	}
	if updated.AssignedAppraiserID == nil || *updated.AssignedAppraiserID != appraiser {
		t.Fatalf("appraiser not assigned: %+v", updated)
	}

	// Replaying with the stale version must fail the CAS and leave no
	// second history row.
	if _, err := apply(1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	history, err := repo.History(ctx, created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Seq != 1 || history[0].ToStatus != StatusDispatched {
		t.Fatalf("unexpected history: %+v", history)
	}

	var outboxCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE payload->>'job_id' = $1`, created.ID).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("expected 1 outbox row, got %d", outboxCount)
	}
}

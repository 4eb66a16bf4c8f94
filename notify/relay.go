package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"appraisalflow/clock"
)

// Relay drains the notifications outbox. Rows are claimed with
// FOR UPDATE SKIP LOCKED so multiple relay instances never double
// deliver; a row that keeps failing is parked as dead after
// maxAttempts.
type Relay struct {
	pool        *pgxpool.Pool
	gateway     Gateway
	clock       clock.Clock
	log         *zap.Logger
	batchSize   int
	maxAttempts int
}

type RelayConfig struct {
	Pool        *pgxpool.Pool
	Gateway     Gateway
	Clock       clock.Clock
	Logger      *zap.Logger
	BatchSize   int
	MaxAttempts int
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Relay{
		pool:        cfg.Pool,
		gateway:     cfg.Gateway,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("notification relay started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("notification relay stopped")
			return
		case <-ticker.C:
			if n, err := r.DrainOnce(ctx); err != nil {
				r.log.Error("relay pass failed", zap.Error(err))
			} else if n > 0 {
				r.log.Debug("relay pass delivered", zap.Int("count", n))
			}
		}
	}
}

type pendingRow struct {
	id        int64
	recipient string
	eventKind string
	payload   []byte
	attempts  int
}

// DrainOnce claims and delivers one batch of pending rows. Returns the
// number of rows delivered.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, recipient_id, event_kind, payload, attempts
FROM notifications
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim pending: %w", err)
	}

	batch := make([]pendingRow, 0, r.batchSize)
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.id, &p.recipient, &p.eventKind, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan pending: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate pending: %w", err)
	}
	if len(batch) == 0 {
		return 0, tx.Commit(ctx)
	}

	delivered := 0
	for _, p := range batch {
		var payload map[string]any
		if err := json.Unmarshal(p.payload, &payload); err != nil {
			// Malformed payloads never deliver; park immediately.
			r.log.Error("dead notification, malformed payload",
				zap.Int64("notification_id", p.id),
				zap.Error(err),
			)
			if err := r.mark(ctx, tx, p.id, "dead"); err != nil {
				return delivered, err
			}
			continue
		}

		if err := r.gateway.Notify(ctx, p.recipient, p.eventKind, payload); err != nil {
			next := "pending"
			if p.attempts+1 >= r.maxAttempts {
				next = "dead"
				r.log.Error("notification exhausted retries",
					zap.Int64("notification_id", p.id),
					zap.String("event_kind", p.eventKind),
					zap.Int("attempts", p.attempts+1),
				)
			}
			const failSQL = `UPDATE notifications SET attempts = attempts + 1, status = $2 WHERE id = $1`
			if _, err := tx.Exec(ctx, failSQL, p.id, next); err != nil {
				return delivered, fmt.Errorf("notify: record failure: %w", err)
			}
			continue
		}

		if err := r.mark(ctx, tx, p.id, "processed"); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("notify: commit relay tx: %w", err)
	}
	return delivered, nil
}

func (r *Relay) mark(ctx context.Context, tx pgx.Tx, id int64, status string) error {
	const q = `UPDATE notifications SET status = $2, processed_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("notify: mark %s: %w", status, err)
	}
	return nil
}

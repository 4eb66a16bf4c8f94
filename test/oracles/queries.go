package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_history_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT job_id, seq,
                             LAG(seq) OVER (PARTITION BY job_id ORDER BY seq) AS prev
                      FROM job_status_history)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O2_no_terminal_escape",
			SQL: `SELECT job_id, from_status, to_status FROM job_status_history
                  WHERE from_status IN ('completed','cancelled','failed')`,
		},
		{
			Name: "O3_terminal_sla_cleared",
			SQL: `SELECT id, status, sla_due_at FROM jobs
                  WHERE status IN ('completed','cancelled','failed') AND sla_due_at IS NOT NULL`,
		},
		{
			Name: "O4_version_matches_history",
			SQL: `SELECT j.id, j.version, COALESCE(h.max_seq, 0) AS max_seq
                  FROM jobs j
                  LEFT JOIN (SELECT job_id, MAX(seq) AS max_seq FROM job_status_history GROUP BY job_id) h
                    ON h.job_id = j.id
                  WHERE j.version - 1 <> COALESCE(h.max_seq, 0)`,
		},
		{
			Name: "O5_resolved_dispute_complete",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved' AND (resolution IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O6_closed_dispute_bare",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'closed'
                    AND (resolution IS NOT NULL OR refund_amount IS NOT NULL OR resolved_at IS NOT NULL)`,
		},
		{
			Name: "O7_cancellations_carry_reason",
			SQL: `SELECT job_id, seq FROM job_status_history
                  WHERE to_status = 'cancelled' AND (reason IS NULL OR reason = '')`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id, event_kind FROM notifications
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

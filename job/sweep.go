package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSLASweep periodically recomputes the breach summary and logs it
// for alerting. Breach is a read-time predicate: the sweep never
// cancels or mutates jobs. Blocks until ctx is done.
func (s *Service) RunSLASweep(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.BreachSummary(ctx)
			if err != nil {
				s.log.Error("sla sweep failed", zap.Error(err))
				continue
			}
			if summary.Breached > 0 {
				s.log.Warn("sla breaches detected",
					zap.Int("active_jobs", summary.ActiveJobs),
					zap.Int("breached", summary.Breached),
					zap.Time("checked_at", summary.CheckedAt),
				)
				continue
			}
			s.log.Debug("sla sweep clean",
				zap.Int("active_jobs", summary.ActiveJobs),
				zap.Time("checked_at", summary.CheckedAt),
			)
		}
	}
}

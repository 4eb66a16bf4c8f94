package notify

import (
	"context"

	"go.uber.org/zap"
)

// Event kinds published by the job and dispute state machines.
const (
	EventJobStatusChanged  = "job.status_changed"
	EventDisputeStatus     = "dispute.status_changed"
	EventDisputeResolved   = "dispute.resolved"
	EventRefundReconcile   = "dispute.refund_reconcile"
	EventDisputeCommented  = "dispute.commented"
	EventPayoutEligibility = "job.payout_eligible"
)

// Gateway delivers a notification to a recipient. Implementations are
// external (email, push, in-app); failures must be treated as
// best-effort by callers and never roll back the originating state
// transition.
type Gateway interface {
	Notify(ctx context.Context, recipientID, eventKind string, payload map[string]any) error
}

// LogGateway is a Gateway that only logs. Used as the default wiring
// until a real delivery channel is configured.
type LogGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) *LogGateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogGateway{log: log}
}

func (g *LogGateway) Notify(ctx context.Context, recipientID, eventKind string, payload map[string]any) error {
	g.log.Info("notification dispatched",
		zap.String("recipient_id", recipientID),
		zap.String("event_kind", eventKind),
		zap.Any("payload", payload),
	)
	return nil
}

// Package billing declares the payment collaborators the lifecycle
// core invokes after committing a transition. Real implementations live
// in the payments system; this package only fixes the contracts and
// ships a logging stub for local wiring.
package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAmountUnknown signals the billing system could not report the
// amount paid for a job. Refund ceilings cannot be enforced when it is
// returned; callers commit anyway and flag the case for reconciliation.
var ErrAmountUnknown = errors.New("billing: amount paid unknown")

// PayoutCreator records payout eligibility for an appraiser once a job
// is approved. Invoked once per approved job, never batched.
type PayoutCreator interface {
	CreatePayout(ctx context.Context, jobID, appraiserID string, amount float64) (payoutID string, err error)
}

// RefundIssuer issues a refund for a resolved dispute.
type RefundIssuer interface {
	IssueRefund(ctx context.Context, disputeID string, amount float64) (refundID string, err error)
}

// AmountProvider reports the amount the organization paid for a job,
// used as the ceiling for dispute refunds.
type AmountProvider interface {
	AmountPaid(ctx context.Context, jobID string) (float64, error)
}

// LogCollaborator satisfies all three contracts by logging and minting
// IDs. It stands in for the payments system in development and tests.
type LogCollaborator struct {
	log *zap.Logger
}

func NewLogCollaborator(log *zap.Logger) *LogCollaborator {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogCollaborator{log: log}
}

func (c *LogCollaborator) CreatePayout(ctx context.Context, jobID, appraiserID string, amount float64) (string, error) {
	id := uuid.NewString()
	c.log.Info("payout recorded",
		zap.String("payout_id", id),
		zap.String("job_id", jobID),
		zap.String("appraiser_id", appraiserID),
		zap.Float64("amount", amount),
	)
	return id, nil
}

func (c *LogCollaborator) IssueRefund(ctx context.Context, disputeID string, amount float64) (string, error) {
	id := uuid.NewString()
	c.log.Info("refund issued",
		zap.String("refund_id", id),
		zap.String("dispute_id", disputeID),
		zap.Float64("amount", amount),
	)
	return id, nil
}

func (c *LogCollaborator) AmountPaid(ctx context.Context, jobID string) (float64, error) {
	// The stub has no ledger; callers fall back to their reconcile path.
	return 0, ErrAmountUnknown
}

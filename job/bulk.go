package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FailureKind classifies a per-item bulk failure.
type FailureKind string

const (
	FailureNotFound          FailureKind = "not_found"
	FailureValidation        FailureKind = "validation_error"
	FailureIllegalTransition FailureKind = "illegal_transition"
	FailureConflict          FailureKind = "concurrency_conflict"
	// FailurePayoutCreation means the job itself reached completed but
	// the payout collaborator failed; the payout needs a manual retry.
	FailurePayoutCreation FailureKind = "payout_creation_failed"
	// FailureAborted marks items never attempted because the caller's
	// context was cancelled mid-batch.
	FailureAborted FailureKind = "aborted"
	// FailureInternal covers store errors outside the taxonomy, e.g. a
	// dropped connection mid-item.
	FailureInternal FailureKind = "internal_error"
)

// Failure records one job that did not complete cleanly in a bulk
// operation.
type Failure struct {
	JobID string
	Kind  FailureKind
}

// CancelResult summarizes a bulk cancellation.
type CancelResult struct {
	CancelledCount int
	Failures       []Failure
}

// ApproveResult summarizes a bulk approval. A job in Failures with
// kind payout_creation_failed is completed; only its payout degraded.
type ApproveResult struct {
	ApprovedCount int
	Failures      []Failure
}

// conflict retries per item before giving up with concurrency_conflict.
const bulkConflictRetries = 3

// BulkCancel cancels every job in ids with the given reason. Per-item
// failures never abort the batch; the counts always satisfy
// len(ids) == CancelledCount + len(Failures).
func (s *Service) BulkCancel(ctx context.Context, ids []string, reason, actorID string) (CancelResult, error) {
	if strings.TrimSpace(reason) == "" {
		return CancelResult{}, fmt.Errorf("job: bulk cancel requires a non-empty reason: %w", ErrValidation)
	}

	var (
		mu     sync.Mutex
		result CancelResult
	)

	g := new(errgroup.Group)
	g.SetLimit(s.bulkWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Failures = append(result.Failures, Failure{JobID: id, Kind: FailureAborted})
				mu.Unlock()
				return nil
			}
			err := s.transitionWithRetry(ctx, TransitionParams{
				JobID:   id,
				To:      StatusCancelled,
				ActorID: actorID,
				Reason:  reason,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, Failure{JobID: id, Kind: classify(err)})
				return nil
			}
			result.CancelledCount++
			return nil
		})
	}
	g.Wait()

	sortFailures(result.Failures)
	return result, nil
}

// BulkApprove completes every job in ids (legal only from submitted or
// under_review) and records payout eligibility per approved job. A
// payout failure is surfaced distinctly: the job stays completed and
// the item lands in Failures with kind payout_creation_failed.
func (s *Service) BulkApprove(ctx context.Context, ids []string, notes, actorID string) (ApproveResult, error) {
	var (
		mu     sync.Mutex
		result ApproveResult
	)

	g := new(errgroup.Group)
	g.SetLimit(s.bulkWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Failures = append(result.Failures, Failure{JobID: id, Kind: FailureAborted})
				mu.Unlock()
				return nil
			}

			updated, err := s.approveOne(ctx, id, notes, actorID)
			var kind FailureKind
			if err != nil {
				kind = classify(err)
			} else if payoutErr := s.createPayout(ctx, updated); payoutErr != nil {
				s.log.Error("payout creation failed for approved job",
					zap.String("job_id", id),
					zap.Error(payoutErr),
				)
				kind = FailurePayoutCreation
			}

			mu.Lock()
			defer mu.Unlock()
			if kind != "" {
				result.Failures = append(result.Failures, Failure{JobID: id, Kind: kind})
				return nil
			}
			result.ApprovedCount++
			return nil
		})
	}
	g.Wait()

	sortFailures(result.Failures)
	return result, nil
}

func (s *Service) approveOne(ctx context.Context, id, notes, actorID string) (Job, error) {
	var (
		updated Job
		err     error
	)
	for attempt := 0; attempt < bulkConflictRetries; attempt++ {
		updated, err = s.Transition(ctx, TransitionParams{
			JobID:   id,
			To:      StatusCompleted,
			ActorID: actorID,
			Reason:  notes,
		})
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	return updated, err
}

func (s *Service) transitionWithRetry(ctx context.Context, params TransitionParams) error {
	var err error
	for attempt := 0; attempt < bulkConflictRetries; attempt++ {
		_, err = s.Transition(ctx, params)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Service) createPayout(ctx context.Context, j Job) error {
	if s.payouts == nil {
		return nil
	}
	appraiser := ""
	if j.AssignedAppraiserID != nil {
		appraiser = *j.AssignedAppraiserID
	}
	amount := 0.0
	if s.amounts != nil {
		if paid, err := s.amounts.AmountPaid(ctx, j.ID); err == nil {
			amount = paid
		}
	}
	_, err := s.payouts.CreatePayout(ctx, j.ID, appraiser, amount)
	return err
}

func classify(err error) FailureKind {
	var illegal *IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		return FailureIllegalTransition
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrValidation):
		return FailureValidation
	case errors.Is(err, ErrConflict):
		return FailureConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureAborted
	default:
		return FailureInternal
	}
}

func sortFailures(failures []Failure) {
	sort.Slice(failures, func(i, j int) bool { return failures[i].JobID < failures[j].JobID })
}

package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"appraisalflow/billing"
	"appraisalflow/clock"
	"appraisalflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ServiceConfig wires the dispute service. Pool and Store are
// mandatory.
type ServiceConfig struct {
	Pool    TxBeginner
	Store   Store
	Gateway notify.Gateway
	Refunds billing.RefundIssuer
	Amounts billing.AmountProvider
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Service validates and applies dispute transitions. Refund issuance
// happens strictly after commit; its failure surfaces as a
// SideEffectError alongside the committed record, never as a rollback.
type Service struct {
	pool    TxBeginner
	store   Store
	gateway notify.Gateway
	refunds billing.RefundIssuer
	amounts billing.AmountProvider
	clock   clock.Clock
	log     *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		pool:    cfg.Pool,
		store:   cfg.Store,
		gateway: cfg.Gateway,
		refunds: cfg.Refunds,
		amounts: cfg.Amounts,
		clock:   cfg.Clock,
		log:     cfg.Logger,
	}
}

// Get loads a single dispute.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, nil, id)
}

// Create files a dispute in status open.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	return s.store.Create(ctx, params)
}

// OpenReview moves an open dispute under review.
func (s *Service) OpenReview(ctx context.Context, disputeID, actorID string) (Record, error) {
	return s.transition(ctx, transitionRequest{
		DisputeID: disputeID,
		To:        StatusUnderReview,
		ActorID:   actorID,
		EventKind: notify.EventDisputeStatus,
	})
}

// Escalate hands the dispute to a senior admin. Reason is mandatory.
func (s *Service) Escalate(ctx context.Context, disputeID, reason, actorID string) (Record, error) {
	if strings.TrimSpace(reason) == "" {
		return Record{}, fmt.Errorf("dispute: escalation requires a reason: %w", ErrValidation)
	}
	return s.transition(ctx, transitionRequest{
		DisputeID: disputeID,
		To:        StatusEscalated,
		ActorID:   actorID,
		Extra:     map[string]any{"reason": reason},
		EventKind: notify.EventDisputeStatus,
	})
}

// Resume returns an escalated dispute to under_review so the senior
// reviewer can resolve it.
func (s *Service) Resume(ctx context.Context, disputeID, actorID string) (Record, error) {
	return s.transition(ctx, transitionRequest{
		DisputeID: disputeID,
		To:        StatusUnderReview,
		ActorID:   actorID,
		EventKind: notify.EventDisputeStatus,
	})
}

// Close ends the dispute without a resolution.
func (s *Service) Close(ctx context.Context, disputeID, actorID string) (Record, error) {
	return s.transition(ctx, transitionRequest{
		DisputeID: disputeID,
		To:        StatusClosed,
		ActorID:   actorID,
		EventKind: notify.EventDisputeStatus,
	})
}

// Resolve sets resolution, resolvedAt, and (optionally) refundAmount in
// one commit. When a refund is requested, issuance runs after the
// commit: an issuance failure returns the committed record together
// with a SideEffectError so the caller can schedule a retry.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if strings.TrimSpace(params.Resolution) == "" {
		return Record{}, fmt.Errorf("dispute: resolution text required: %w", ErrValidation)
	}
	if params.RefundAmount != nil && *params.RefundAmount <= 0 {
		return Record{}, fmt.Errorf("dispute: refund amount must be positive: %w", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.Get(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if !CanTransition(current.Status, StatusResolved) {
		return Record{}, &IllegalTransitionError{From: current.Status, To: StatusResolved}
	}

	// Refund ceiling: enforced when billing answers synchronously,
	// otherwise the resolution commits and the case is flagged for
	// reconciliation.
	reconcile := false
	if params.RefundAmount != nil && current.RelatedJobID != nil && s.amounts != nil {
		paid, err := s.amounts.AmountPaid(ctx, *current.RelatedJobID)
		switch {
		case err != nil:
			reconcile = true
		case *params.RefundAmount > paid:
			return Record{}, fmt.Errorf("dispute: refund %.2f exceeds amount paid %.2f: %w", *params.RefundAmount, paid, ErrValidation)
		}
	}

	resolution := params.Resolution
	resolvedAt := s.clock.Now()
	payload := map[string]any{
		"dispute_id": params.DisputeID,
		"previous":   current.Status,
		"next":       StatusResolved,
		"actor_id":   params.ActorID,
		"resolution": resolution,
	}
	if params.RefundAmount != nil {
		payload["refund_amount"] = *params.RefundAmount
	}

	updated, err := s.store.ExecuteTransitionTx(ctx, tx, TransitionWrite{
		DisputeID:       params.DisputeID,
		From:            current.Status,
		To:              StatusResolved,
		ExpectedVersion: current.Version,
		ActorID:         params.ActorID,
		Resolution:      &resolution,
		RefundAmount:    params.RefundAmount,
		ResolvedAt:      &resolvedAt,
		RecipientID:     current.OrganizationID,
		EventKind:       notify.EventDisputeResolved,
		Payload:         payload,
	})
	if err != nil {
		return Record{}, err
	}

	if reconcile {
		reconcilePayload := map[string]any{
			"dispute_id":    params.DisputeID,
			"refund_amount": *params.RefundAmount,
		}
		if current.RelatedJobID != nil {
			reconcilePayload["job_id"] = *current.RelatedJobID
		}
		if err := s.store.EnqueueEvent(ctx, tx, current.OrganizationID, notify.EventRefundReconcile, reconcilePayload); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	s.dispatch(ctx, current.OrganizationID, notify.EventDisputeResolved, payload)

	if params.RefundAmount != nil && s.refunds != nil {
		if _, err := s.refunds.IssueRefund(ctx, params.DisputeID, *params.RefundAmount); err != nil {
			s.log.Error("refund issuance failed after resolution commit",
				zap.String("dispute_id", params.DisputeID),
				zap.Float64("refund_amount", *params.RefundAmount),
				zap.Error(err),
			)
			return updated, &SideEffectError{Op: "refund", Err: err}
		}
	}

	return updated, nil
}

// AddComment appends to the thread. Always legal, even on resolved or
// closed disputes, for audit purposes. A first admin comment on an open
// dispute implicitly opens review in the same transaction.
func (s *Service) AddComment(ctx context.Context, params CommentParams) (Comment, error) {
	if strings.TrimSpace(params.Content) == "" {
		return Comment{}, fmt.Errorf("dispute: comment content required: %w", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Comment{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.Get(ctx, tx, params.DisputeID)
	if err != nil {
		return Comment{}, err
	}

	comment, err := s.store.InsertComment(ctx, tx, params)
	if err != nil {
		return Comment{}, err
	}

	if params.AuthorIsAdmin && current.Status == StatusOpen {
		payload := map[string]any{
			"dispute_id": params.DisputeID,
			"previous":   StatusOpen,
			"next":       StatusUnderReview,
			"actor_id":   params.AuthorID,
		}
		if _, err := s.store.ExecuteTransitionTx(ctx, tx, TransitionWrite{
			DisputeID:       params.DisputeID,
			From:            StatusOpen,
			To:              StatusUnderReview,
			ExpectedVersion: current.Version,
			ActorID:         params.AuthorID,
			RecipientID:     current.OrganizationID,
			EventKind:       notify.EventDisputeStatus,
			Payload:         payload,
		}); err != nil {
			return Comment{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Comment{}, fmt.Errorf("dispute: commit comment: %w", err)
	}

	s.dispatch(ctx, current.OrganizationID, notify.EventDisputeCommented, map[string]any{
		"dispute_id": params.DisputeID,
		"author_id":  params.AuthorID,
		"internal":   params.IsInternal,
	})

	return comment, nil
}

type transitionRequest struct {
	DisputeID string
	To        Status
	ActorID   string
	Extra     map[string]any
	EventKind string
}

func (s *Service) transition(ctx context.Context, req transitionRequest) (Record, error) {
	if req.DisputeID == "" {
		return Record{}, fmt.Errorf("dispute: missing dispute id: %w", ErrValidation)
	}
	if req.ActorID == "" {
		return Record{}, fmt.Errorf("dispute: missing actor: %w", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.Get(ctx, tx, req.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if !CanTransition(current.Status, req.To) {
		return Record{}, &IllegalTransitionError{From: current.Status, To: req.To}
	}

	payload := map[string]any{
		"dispute_id": req.DisputeID,
		"previous":   current.Status,
		"next":       req.To,
		"actor_id":   req.ActorID,
	}
	for k, v := range req.Extra {
		payload[k] = v
	}

	updated, err := s.store.ExecuteTransitionTx(ctx, tx, TransitionWrite{
		DisputeID:       req.DisputeID,
		From:            current.Status,
		To:              req.To,
		ExpectedVersion: current.Version,
		ActorID:         req.ActorID,
		RecipientID:     current.OrganizationID,
		EventKind:       req.EventKind,
		Payload:         payload,
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit transition: %w", err)
	}

	s.dispatch(ctx, current.OrganizationID, req.EventKind, payload)

	return updated, nil
}

// dispatch attempts immediate delivery; the outbox row keeps the event
// durable if it fails.
func (s *Service) dispatch(ctx context.Context, recipientID, eventKind string, payload map[string]any) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.Notify(ctx, recipientID, eventKind, payload); err != nil {
		s.log.Warn("notification dispatch failed, outbox retry pending",
			zap.String("recipient_id", recipientID),
			zap.String("event_kind", eventKind),
			zap.Error(err),
		)
	}
}

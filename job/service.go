package job

import (
	"context"
	"fmt"
	"time"

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

// ServiceConfig wires the transition service. Pool and Store are
// mandatory; everything else has a safe default.
type ServiceConfig struct {
	Pool    TxBeginner
	Store   Store
	Gateway notify.Gateway
	Payouts billing.PayoutCreator
	Amounts billing.AmountProvider
	Clock   clock.Clock
	Logger  *zap.Logger
	Windows SLAWindows
	// BulkWorkers bounds the worker pool of bulk operations.
	BulkWorkers int
}

// Service validates and applies job transitions. The status update,
// history append, and notification outbox row commit in one
// transaction; gateway delivery happens after commit and never rolls
// the transition back.
type Service struct {
	pool        TxBeginner
	store       Store
	gateway     notify.Gateway
	payouts     billing.PayoutCreator
	amounts     billing.AmountProvider
	clock       clock.Clock
	log         *zap.Logger
	windows     SLAWindows
	bulkWorkers int
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Windows == nil {
		cfg.Windows = DefaultWindows()
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = 8
	}
	return &Service{
		pool:        cfg.Pool,
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		payouts:     cfg.Payouts,
		amounts:     cfg.Amounts,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		windows:     cfg.Windows,
		bulkWorkers: cfg.BulkWorkers,
	}
}

// Get loads a single job.
func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.store.Get(ctx, nil, id)
}

// Create opens a job in pending_dispatch. Order placement itself lives
// upstream; this is the hook it calls.
func (s *Service) Create(ctx context.Context, params CreateParams) (Job, error) {
	return s.store.Create(ctx, params)
}

// Transition applies one status change. On success the returned Job
// reflects the committed row, including its bumped version.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Job, error) {
	if params.JobID == "" {
		return Job{}, fmt.Errorf("job: missing job id: %w", ErrValidation)
	}
	if params.ActorID == "" {
		return Job{}, fmt.Errorf("job: missing actor: %w", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.Get(ctx, tx, params.JobID)
	if err != nil {
		return Job{}, err
	}

	if err := ValidateTransition(current.Status, params); err != nil {
		return Job{}, err
	}
	if params.To == StatusAccepted {
		if current.AssignedAppraiserID == nil || *current.AssignedAppraiserID != params.ActorID {
			return Job{}, fmt.Errorf("job: only the assigned appraiser may accept: %w", ErrValidation)
		}
	}

	write := TransitionWrite{
		JobID:           params.JobID,
		From:            current.Status,
		To:              params.To,
		ExpectedVersion: current.Version,
		ActorID:         params.ActorID,
	}
	if params.Reason != "" {
		reason := params.Reason
		write.Reason = &reason
	}

	switch {
	case params.To == StatusDispatched:
		due := s.windows.DueAt(current.ScopePreset, s.clock.Now())
		write.SLADueAt = &due
		appraiser := params.AppraiserID
		write.AssignAppraiserID = &appraiser
	case IsTerminal(params.To):
		write.SLADueAt = nil
	default:
		write.SLADueAt = current.SLADueAt
	}

	recipient := current.OrganizationID
	if write.AssignAppraiserID != nil {
		recipient = *write.AssignAppraiserID
	} else if current.AssignedAppraiserID != nil {
		recipient = *current.AssignedAppraiserID
	}
	payload := map[string]any{
		"job_id":   params.JobID,
		"previous": current.Status,
		"next":     params.To,
		"actor_id": params.ActorID,
	}
	if params.Reason != "" {
		payload["reason"] = params.Reason
	}
	write.RecipientID = recipient
	write.Payload = payload

	updated, err := s.store.ExecuteTransitionTx(ctx, tx, write)
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit transition: %w", err)
	}

	s.dispatchNotification(ctx, recipient, payload)

	return updated, nil
}

// dispatchNotification attempts immediate delivery. Failure leaves the
// outbox row pending for the relay; the transition stands either way.
func (s *Service) dispatchNotification(ctx context.Context, recipientID string, payload map[string]any) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.Notify(ctx, recipientID, notify.EventJobStatusChanged, payload); err != nil {
		s.log.Warn("notification dispatch failed, outbox retry pending",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
	}
}

// BreachSummary aggregates SLA breaches over active jobs at read time.
type BreachSummary struct {
	ActiveJobs int
	Breached   int
	CheckedAt  time.Time
}

// BreachSummary counts breaches over the active jobs. The predicate is
// computed against the clock on every call; nothing is persisted.
func (s *Service) BreachSummary(ctx context.Context) (BreachSummary, error) {
	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		return BreachSummary{}, err
	}
	now := s.clock.Now()
	return BreachSummary{
		ActiveJobs: len(jobs),
		Breached:   BreachCount(jobs, now),
		CheckedAt:  now,
	}, nil
}

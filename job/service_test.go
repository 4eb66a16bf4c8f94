package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"appraisalflow/clock"
)

func TestTransitionDispatchSetsSLAAndAppraiser(t *testing.T) {
	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	pool := &fakePool{}
	store := newFakeStore(Job{
		ID:             "j1",
		OrganizationID: "org-1",
		PropertyID:     "prop-1",
		ScopePreset:    PresetRush,
		Status:         StatusPendingDispatch,
		Version:        1,
	})
	gw := &fakeGateway{}
	svc := NewService(ServiceConfig{
		Pool:    pool,
		Store:   store,
		Gateway: gw,
		Clock:   clock.Fake(start),
	})

	updated, err := svc.Transition(context.Background(), TransitionParams{
		JobID:       "j1",
		To:          StatusDispatched,
		ActorID:     "admin-1",
		AppraiserID: "apr-7",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	if updated.Status != StatusDispatched {
		t.Fatalf("expected dispatched, got %s", updated.Status)
	}
	if updated.SLADueAt == nil || !updated.SLADueAt.Equal(start.Add(24*time.Hour)) {
		t.Fatalf("expected sla due at %v, got %v", start.Add(24*time.Hour), updated.SLADueAt)
	}
	if updated.AssignedAppraiserID == nil || *updated.AssignedAppraiserID != "apr-7" {
		t.Fatalf("expected appraiser apr-7, got %v", updated.AssignedAppraiserID)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", updated.Version)
	}
	if !pool.lastTx().committed {
		t.Fatal("expected commit")
	}
	if gw.calls != 1 || gw.lastRecipient != "apr-7" {
		t.Fatalf("expected one notification to apr-7, got %d to %q", gw.calls, gw.lastRecipient)
	}
}

func TestTransitionFromTerminalFailsAndLeavesStatus(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(Job{ID: "j1", OrganizationID: "org-1", Status: StatusCompleted, Version: 4})
	svc := NewService(ServiceConfig{Pool: pool, Store: store})

	_, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusCancelled,
		ActorID: "admin-1",
		Reason:  "too late",
	})

	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != StatusCompleted || illegal.To != StatusCancelled {
		t.Fatalf("error names wrong statuses: %+v", illegal)
	}
	if pool.lastTx().committed {
		t.Fatal("commit must not happen on illegal transition")
	}
	if got := store.snapshot("j1"); got.Status != StatusCompleted || got.Version != 4 {
		t.Fatalf("job mutated on rejected transition: %+v", got)
	}
}

func TestTransitionCancelWithoutReason(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(Job{ID: "j1", OrganizationID: "org-1", Status: StatusDispatched, Version: 1})
	svc := NewService(ServiceConfig{Pool: pool, Store: store})

	_, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusCancelled,
		ActorID: "admin-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(ServiceConfig{Pool: pool, Store: newFakeStore()})

	_, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "ghost",
		To:      StatusDispatched,
		ActorID: "admin-1",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionAcceptRequiresAssignedAppraiser(t *testing.T) {
	appraiser := "apr-7"
	pool := &fakePool{}
	store := newFakeStore(Job{
		ID:                  "j1",
		OrganizationID:      "org-1",
		AssignedAppraiserID: &appraiser,
		Status:              StatusDispatched,
		Version:             2,
	})
	svc := NewService(ServiceConfig{Pool: pool, Store: store})

	if _, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusAccepted,
		ActorID: "apr-999",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for foreign appraiser, got %v", err)
	}

	if _, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusAccepted,
		ActorID: "apr-7",
	}); err != nil {
		t.Fatalf("assigned appraiser accept: %v", err)
	}
}

func TestTransitionToTerminalClearsSLA(t *testing.T) {
	due := time.Date(2025, 5, 11, 9, 0, 0, 0, time.UTC)
	appraiser := "apr-7"
	pool := &fakePool{}
	store := newFakeStore(Job{
		ID:                  "j1",
		OrganizationID:      "org-1",
		AssignedAppraiserID: &appraiser,
		Status:              StatusUnderReview,
		SLADueAt:            &due,
		Version:             5,
	})
	svc := NewService(ServiceConfig{Pool: pool, Store: store})

	updated, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusCompleted,
		ActorID: "admin-1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.SLADueAt != nil {
		t.Fatalf("terminal transition must clear sla_due_at, got %v", updated.SLADueAt)
	}
}

func TestTransitionSurvivesNotificationFailure(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(Job{ID: "j1", OrganizationID: "org-1", Status: StatusPendingDispatch, Version: 1})
	gw := &fakeGateway{err: errors.New("smtp down")}
	svc := NewService(ServiceConfig{Pool: pool, Store: store, Gateway: gw})

	updated, err := svc.Transition(context.Background(), TransitionParams{
		JobID:       "j1",
		To:          StatusDispatched,
		ActorID:     "admin-1",
		AppraiserID: "apr-7",
	})
	if err != nil {
		t.Fatalf("notification failure must not fail the transition: %v", err)
	}
	if updated.Status != StatusDispatched {
		t.Fatalf("unexpected status %s", updated.Status)
	}
	if !pool.lastTx().committed {
		t.Fatal("expected commit despite gateway failure")
	}
}

func TestTransitionConflictSurfaces(t *testing.T) {
	pool := &fakePool{}
	store := newFakeStore(Job{ID: "j1", OrganizationID: "org-1", Status: StatusDispatched, Version: 3})
	store.conflicts = 1
	svc := NewService(ServiceConfig{Pool: pool, Store: store})

	_, err := svc.Transition(context.Background(), TransitionParams{
		JobID:   "j1",
		To:      StatusCancelled,
		ActorID: "admin-1",
		Reason:  "client request",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBreachSummaryUsesClock(t *testing.T) {
	due := time.Date(2025, 5, 11, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		Job{ID: "j1", Status: StatusDispatched, SLADueAt: &due, Version: 1},
		Job{ID: "j2", Status: StatusAccepted, SLADueAt: &due, Version: 1},
		Job{ID: "j3", Status: StatusPendingDispatch, Version: 1},
	)
	clk := clock.Fake(due.Add(-time.Hour))
	svc := NewService(ServiceConfig{Pool: &fakePool{}, Store: store, Clock: clk})

	summary, err := svc.BreachSummary(context.Background())
	if err != nil {
		t.Fatalf("breach summary: %v", err)
	}
	if summary.ActiveJobs != 3 || summary.Breached != 0 {
		t.Fatalf("unexpected summary before deadline: %+v", summary)
	}

	clk.Advance(2 * time.Hour)
	summary, err = svc.BreachSummary(context.Background())
	if err != nil {
		t.Fatalf("breach summary: %v", err)
	}
	if summary.Breached != 2 {
		t.Fatalf("expected 2 breaches after deadline, got %+v", summary)
	}
}

// --- fakes ---

type fakeGateway struct {
	mu            sync.Mutex
	err           error
	calls         int
	lastRecipient string
}

func (f *fakeGateway) Notify(_ context.Context, recipientID, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRecipient = recipientID
	return f.err
}

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]Job
	writes    []TransitionWrite
	conflicts int
}

func newFakeStore(jobs ...Job) *fakeStore {
	m := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeStore{jobs: m}
}

func (f *fakeStore) snapshot(id string) Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeStore) Get(_ context.Context, _ Querier, id string) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) Create(_ context.Context, params CreateParams) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := Job{
		ID:             "generated",
		OrganizationID: params.OrganizationID,
		PropertyID:     params.PropertyID,
		ScopePreset:    params.ScopePreset,
		Status:         StatusPendingDispatch,
		Version:        1,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeStore) ExecuteTransitionTx(_ context.Context, _ pgx.Tx, params TransitionWrite) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return Job{}, ErrConflict
	}
	j, ok := f.jobs[params.JobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Version != params.ExpectedVersion {
		return Job{}, ErrConflict
	}
	j.Status = params.To
	j.SLADueAt = params.SLADueAt
	if params.AssignAppraiserID != nil {
		j.AssignedAppraiserID = params.AssignAppraiserID
	}
	j.Version++
	f.jobs[params.JobID] = j
	f.writes = append(f.writes, params)
	return j, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		if !IsTerminal(j.Status) {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) lastTx() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return &fakeTx{}
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

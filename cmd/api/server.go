package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"appraisalflow/auth"
	"appraisalflow/dispute"
	"appraisalflow/job"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type jobService interface {
	Get(ctx context.Context, id string) (job.Job, error)
	Create(ctx context.Context, params job.CreateParams) (job.Job, error)
	Transition(ctx context.Context, params job.TransitionParams) (job.Job, error)
	BulkCancel(ctx context.Context, ids []string, reason, actorID string) (job.CancelResult, error)
	BulkApprove(ctx context.Context, ids []string, notes, actorID string) (job.ApproveResult, error)
	BreachSummary(ctx context.Context) (job.BreachSummary, error)
}

type jobHistoryReader interface {
	History(ctx context.Context, jobID string) ([]job.HistoryEntry, error)
}

type disputeService interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Record, error)
	OpenReview(ctx context.Context, disputeID, actorID string) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	Escalate(ctx context.Context, disputeID, reason, actorID string) (dispute.Record, error)
	Resume(ctx context.Context, disputeID, actorID string) (dispute.Record, error)
	Close(ctx context.Context, disputeID, actorID string) (dispute.Record, error)
	AddComment(ctx context.Context, params dispute.CommentParams) (dispute.Comment, error)
}

type disputeReader interface {
	List(ctx context.Context, organizationID, relatedJobID string) ([]dispute.Record, error)
	Comments(ctx context.Context, disputeID string) ([]dispute.Comment, error)
}

// Server routes the HTTP API. Handlers stay thin: decode, call the
// service, map domain errors to status codes.
type Server struct {
	authService    authService
	jobService     jobService
	jobHistory     jobHistoryReader
	disputeService disputeService
	disputeReader  disputeReader
	log            *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.log == nil {
		return zap.NewNop()
	}
	return s.log
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.Handle("/api/jobs", s.requireAuth(http.HandlerFunc(s.handleJobs)))
	mux.Handle("/api/jobs/", s.requireAuth(http.HandlerFunc(s.handleJobSubtree)))
	mux.Handle("/api/disputes", s.requireAuth(http.HandlerFunc(s.handleDisputes)))
	mux.Handle("/api/disputes/", s.requireAuth(http.HandlerFunc(s.handleDisputeSubtree)))
	return mux
}

// --- middleware ---

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			respondError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid registration")
		}
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":        user.ID,
		"email":     user.Email,
		"full_name": user.FullName,
		"role":      user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger().Error("login failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":        result.User.ID,
			"email":     result.User.Email,
			"full_name": result.User.FullName,
			"role":      result.User.Role,
		},
	})
}

// --- jobs ---

type jobResponse struct {
	ID                  string  `json:"id"`
	OrganizationID      string  `json:"organizationId"`
	PropertyID          string  `json:"propertyId"`
	AssignedAppraiserID *string `json:"assignedAppraiserId,omitempty"`
	ScopePreset         string  `json:"scopePreset"`
	Status              string  `json:"status"`
	SLADueAt            *string `json:"slaDueAt,omitempty"`
	Version             int64   `json:"version"`
	CreatedAt           string  `json:"createdAt"`
}

func toJobResponse(j job.Job) jobResponse {
	resp := jobResponse{
		ID:                  j.ID,
		OrganizationID:      j.OrganizationID,
		PropertyID:          j.PropertyID,
		AssignedAppraiserID: j.AssignedAppraiserID,
		ScopePreset:         string(j.ScopePreset),
		Status:              string(j.Status),
		Version:             j.Version,
		CreatedAt:           j.CreatedAt.Format(time.RFC3339),
	}
	if j.SLADueAt != nil {
		due := j.SLADueAt.Format(time.RFC3339)
		resp.SLADueAt = &due
	}
	return resp
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, role := actorFrom(r); role != auth.RoleAdmin {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req struct {
		OrganizationID string `json:"organizationId"`
		PropertyID     string `json:"propertyId"`
		ScopePreset    string `json:"scopePreset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	created, err := s.jobService.Create(r.Context(), job.CreateParams{
		OrganizationID: req.OrganizationID,
		PropertyID:     req.PropertyID,
		ScopePreset:    job.ScopePreset(req.ScopePreset),
	})
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toJobResponse(created))
}

func (s *Server) handleJobSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "sla":
		s.handleSLASummary(w, r)
	case len(parts) == 2 && parts[0] == "bulk" && parts[1] == "cancel":
		s.handleBulkCancel(w, r)
	case len(parts) == 2 && parts[0] == "bulk" && parts[1] == "approve":
		s.handleBulkApprove(w, r)
	case len(parts) == 1 && parts[0] != "":
		s.handleJob(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "history":
		s.handleJobHistory(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "transition":
		s.handleJobTransition(w, r, parts[0])
	default:
		respondError(w, http.StatusBadRequest, "unknown job path")
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	j, err := s.jobService.Get(r.Context(), id)
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponse(j))
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.jobHistory.History(r.Context(), id)
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"seq":       e.Seq,
			"from":      e.FromStatus,
			"to":        e.ToStatus,
			"actorId":   e.ActorID,
			"createdAt": e.CreatedAt.Format(time.RFC3339),
		}
		if e.Reason != nil {
			item["reason"] = *e.Reason
		}
		items = append(items, item)
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleJobTransition(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, _ := actorFrom(r)
	var req struct {
		To          string `json:"to"`
		Reason      string `json:"reason"`
		AppraiserID string `json:"appraiserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	updated, err := s.jobService.Transition(r.Context(), job.TransitionParams{
		JobID:       id,
		To:          job.Status(req.To),
		ActorID:     actor,
		Reason:      req.Reason,
		AppraiserID: req.AppraiserID,
	})
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponse(updated))
}

type failureResponse struct {
	JobID string `json:"jobId"`
	Kind  string `json:"kind"`
}

func toFailureResponses(failures []job.Failure) []failureResponse {
	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureResponse{JobID: f.JobID, Kind: string(f.Kind)})
	}
	return out
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, role := actorFrom(r)
	if role != auth.RoleAdmin {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req struct {
		JobIDs []string `json:"jobIds"`
		Reason string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.jobService.BulkCancel(r.Context(), req.JobIDs, req.Reason, actor)
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cancelledCount": result.CancelledCount,
		"failures":       toFailureResponses(result.Failures),
	})
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, role := actorFrom(r)
	if role != auth.RoleAdmin {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req struct {
		JobIDs []string `json:"jobIds"`
		Notes  string   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.jobService.BulkApprove(r.Context(), req.JobIDs, req.Notes, actor)
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"approvedCount": result.ApprovedCount,
		"failures":      toFailureResponses(result.Failures),
	})
}

func (s *Server) handleSLASummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.jobService.BreachSummary(r.Context())
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"activeJobs": summary.ActiveJobs,
		"breached":   summary.Breached,
		"checkedAt":  summary.CheckedAt.Format(time.RFC3339),
	})
}

func (s *Server) respondJobError(w http.ResponseWriter, err error) {
	var illegal *job.IllegalTransitionError
	switch {
	case errors.Is(err, job.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &illegal):
		respondError(w, http.StatusConflict, illegal.Error())
	case errors.Is(err, job.ErrConflict):
		respondError(w, http.StatusConflict, "job was modified concurrently, retry")
	default:
		s.logger().Error("job handler failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- disputes ---

type disputeResponse struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	RelatedJobID   *string  `json:"relatedJobId,omitempty"`
	Status         string   `json:"status"`
	Priority       int      `json:"priority"`
	Resolution     *string  `json:"resolution,omitempty"`
	RefundAmount   *float64 `json:"refundAmount,omitempty"`
	ResolvedAt     *string  `json:"resolvedAt,omitempty"`
	Version        int64    `json:"version"`
	CreatedAt      string   `json:"createdAt"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:             rec.ID,
		OrganizationID: rec.OrganizationID,
		RelatedJobID:   rec.RelatedJobID,
		Status:         string(rec.Status),
		Priority:       rec.Priority,
		Resolution:     rec.Resolution,
		RefundAmount:   rec.RefundAmount,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		at := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &at
	}
	return resp
}

type commentResponse struct {
	ID         int64  `json:"id"`
	DisputeID  string `json:"disputeId"`
	AuthorID   string `json:"authorId"`
	Content    string `json:"content"`
	IsInternal bool   `json:"isInternal"`
	CreatedAt  string `json:"createdAt"`
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orgID := r.URL.Query().Get("organizationId")
		if orgID == "" {
			respondError(w, http.StatusBadRequest, "organizationId query parameter required")
			return
		}
		records, err := s.disputeReader.List(r.Context(), orgID, r.URL.Query().Get("jobId"))
		if err != nil {
			s.respondDisputeError(w, err)
			return
		}
		items := make([]disputeResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toDisputeResponse(rec))
		}
		respondJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		actor, _ := actorFrom(r)
		var req struct {
			OrganizationID string  `json:"organizationId"`
			RelatedJobID   *string `json:"relatedJobId,omitempty"`
			Priority       int     `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		created, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
			OrganizationID: req.OrganizationID,
			RelatedJobID:   req.RelatedJobID,
			Priority:       req.Priority,
			FiledBy:        actor,
		})
		if err != nil {
			s.respondDisputeError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, toDisputeResponse(created))
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDisputeSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleDispute(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "comments":
		s.handleDisputeComments(w, r, parts[0])
	case len(parts) == 2:
		s.handleDisputeAction(w, r, parts[0], parts[1])
	default:
		respondError(w, http.StatusBadRequest, "unknown dispute path")
	}
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.respondDisputeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleDisputeAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, role := actorFrom(r)
	if role != auth.RoleAdmin {
		respondError(w, http.StatusForbidden, "admin role required")
		return
	}

	var (
		rec dispute.Record
		err error
	)
	switch action {
	case "review":
		rec, err = s.disputeService.OpenReview(r.Context(), id, actor)
	case "resolve":
		var req struct {
			Resolution   string   `json:"resolution"`
			RefundAmount *float64 `json:"refundAmount,omitempty"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			respondError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		rec, err = s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
			DisputeID:    id,
			Resolution:   req.Resolution,
			RefundAmount: req.RefundAmount,
			ActorID:      actor,
		})
	case "escalate":
		var req struct {
			Reason string `json:"reason"`
		}
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			respondError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		rec, err = s.disputeService.Escalate(r.Context(), id, req.Reason, actor)
	case "resume":
		rec, err = s.disputeService.Resume(r.Context(), id, actor)
	case "close":
		rec, err = s.disputeService.Close(r.Context(), id, actor)
	default:
		respondError(w, http.StatusBadRequest, "unknown dispute action")
		return
	}

	var side *dispute.SideEffectError
	if errors.As(err, &side) {
		respondJSON(w, http.StatusMultiStatus, map[string]any{
			"dispute":  toDisputeResponse(rec),
			"degraded": side.Op,
		})
		return
	}
	if err != nil {
		s.respondDisputeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleDisputeComments(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		comments, err := s.disputeReader.Comments(r.Context(), id)
		if err != nil {
			s.respondDisputeError(w, err)
			return
		}
		_, role := actorFrom(r)
		items := make([]commentResponse, 0, len(comments))
		for _, c := range comments {
			if c.IsInternal && role != auth.RoleAdmin {
				continue
			}
			items = append(items, commentResponse{
				ID:         c.ID,
				DisputeID:  c.DisputeID,
				AuthorID:   c.AuthorID,
				Content:    c.Content,
				IsInternal: c.IsInternal,
				CreatedAt:  c.CreatedAt.Format(time.RFC3339),
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		actor, role := actorFrom(r)
		var req struct {
			Content    string `json:"content"`
			IsInternal bool   `json:"isInternal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.IsInternal && role != auth.RoleAdmin {
			respondError(w, http.StatusForbidden, "internal comments require admin role")
			return
		}
		created, err := s.disputeService.AddComment(r.Context(), dispute.CommentParams{
			DisputeID:     id,
			AuthorID:      actor,
			Content:       req.Content,
			IsInternal:    req.IsInternal,
			AuthorIsAdmin: role == auth.RoleAdmin,
		})
		if err != nil {
			s.respondDisputeError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, commentResponse{
			ID:         created.ID,
			DisputeID:  created.DisputeID,
			AuthorID:   created.AuthorID,
			Content:    created.Content,
			IsInternal: created.IsInternal,
			CreatedAt:  created.CreatedAt.Format(time.RFC3339),
		})
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) respondDisputeError(w http.ResponseWriter, err error) {
	var illegal *dispute.IllegalTransitionError
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		respondError(w, http.StatusNotFound, "dispute not found")
	case errors.Is(err, dispute.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &illegal):
		respondError(w, http.StatusConflict, illegal.Error())
	case errors.Is(err, dispute.ErrConflict):
		respondError(w, http.StatusConflict, "dispute was modified concurrently, retry")
	default:
		s.logger().Error("dispute handler failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- helpers ---

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

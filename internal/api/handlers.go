package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/pacer/internal/dispatch"
	"github.com/foxzi/pacer/internal/followup"
	"github.com/foxzi/pacer/internal/jobs"
	"github.com/foxzi/pacer/internal/mailbox"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
)

// SubmitResponse is the response for POST /batches
type SubmitResponse struct {
	ProgressID string `json:"progress_id"`
}

// ProgressResponse is the response for GET /progress/{id}
type ProgressResponse struct {
	*progress.JobState
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// CancelResponse acknowledges a cancellation request
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status         string   `json:"status"`
	Version        string   `json:"version"`
	Uptime         string   `json:"uptime"`
	BatchKinds     []string `json:"batch_kinds"`
	ActiveCampaign int      `json:"active_campaigns"`
}

// QuotaResponse is the response for GET /mailboxes/quota
type QuotaResponse struct {
	Mailboxes []mailbox.Quota `json:"mailboxes"`
	Eligible  int             `json:"eligible"`
	Remaining int             `json:"remaining"`
}

// FollowUpRequest is the request body for POST /campaigns/{id}/followup
type FollowUpRequest struct {
	followup.Options
	// Create stores the follow-up; otherwise the plan is only previewed
	Create bool `json:"create"`
	// Start launches its dispatch loop, which waits for the scheduled time
	Start bool `json:"start"`
}

// FollowUpResponse is the response for a created follow-up
type FollowUpResponse struct {
	*followup.Created
	Dispatch *dispatch.Status `json:"dispatch,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSubmitBatch handles POST /api/v1/batches
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendJSON(w, http.StatusAccepted, SubmitResponse{ProgressID: id})
}

// handleProgress handles GET /api/v1/progress/{id}
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.deps.Progress.Get(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	now := time.Now()
	s.sendJSON(w, http.StatusOK, ProgressResponse{
		JobState:         state,
		ElapsedSeconds:   state.Elapsed(now).Seconds(),
		RemainingSeconds: state.EstimatedRemaining(now).Seconds(),
	})
}

// handleCancelProgress handles POST /api/v1/progress/{id}/cancel
func (s *Server) handleCancelProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Progress.RequestCancel(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}

	s.logger.Info("batch cancel requested", "job_id", id)
	s.sendJSON(w, http.StatusAccepted, CancelResponse{ID: id, Status: "cancel_requested"})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Campaigns.List())
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Campaigns.Status(chi.URLParam(r, "id")))
}

// handleCampaignStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Campaigns.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, status)
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Campaigns.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, status)
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusAccepted, s.deps.Campaigns.Pause(r.Context(), chi.URLParam(r, "id")))
}

// handleCampaignCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusAccepted, s.deps.Campaigns.Cancel(r.Context(), chi.URLParam(r, "id")))
}

// handleCampaignPlan handles GET /api/v1/campaigns/{id}/plan
func (s *Server) handleCampaignPlan(w http.ResponseWriter, r *http.Request) {
	est, err := s.deps.Campaigns.Plan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, est)
}

// handleCampaignHistory handles GET /api/v1/campaigns/{id}/history
func (s *Server) handleCampaignHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.History.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if entries == nil {
		entries = []models.SendHistoryEntry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// handleFollowUp handles POST /api/v1/campaigns/{id}/followup
func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")

	var req FollowUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !req.Create {
		plan, err := s.deps.FollowUps.Preview(r.Context(), parentID, req.Options)
		if err != nil {
			s.sendFailure(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, plan)
		return
	}

	created, err := s.deps.FollowUps.Create(r.Context(), parentID, req.Options)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	resp := FollowUpResponse{Created: created}
	if req.Start {
		status, err := s.deps.Campaigns.Start(r.Context(), created.CampaignID)
		if err != nil {
			// the campaign exists; report the start failure alongside it
			s.logger.Warn("failed to start follow-up", "campaign_id", created.CampaignID, "error", err)
			status = &dispatch.Status{CampaignID: created.CampaignID, State: dispatch.StateErrored, Message: err.Error()}
		}
		resp.Dispatch = status
	}
	s.sendJSON(w, http.StatusCreated, resp)
}

// handleMailboxQuota handles GET /api/v1/mailboxes/quota
func (s *Server) handleMailboxQuota(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.deps.Mailboxes.AllMailboxes(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	quotas, err := s.deps.Quotas.Stats(r.Context(), mailboxes)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	resp := QuotaResponse{Mailboxes: quotas}
	for _, q := range resp.Mailboxes {
		if q.Eligible() {
			resp.Eligible++
			resp.Remaining += q.Remaining
		}
	}
	if resp.Mailboxes == nil {
		resp.Mailboxes = []mailbox.Quota{}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleMailboxReset handles POST /api/v1/mailboxes/{id}/reset
func (s *Server) handleMailboxReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Quotas.Reset(r.Context(), id); err != nil {
		s.sendFailure(w, err)
		return
	}
	s.logger.Info("mailbox counter reset", "mailbox_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Version:    s.deps.Version,
		Uptime:     time.Since(s.startTime).String(),
		BatchKinds: []string{},
	}
	if s.deps.Jobs != nil {
		resp.BatchKinds = s.deps.Jobs.Kinds()
	}
	if s.deps.Campaigns != nil {
		for _, st := range s.deps.Campaigns.List() {
			if st.State == dispatch.StateRunning {
				resp.ActiveCampaign++
			}
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, progress.ErrNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrUnknownKind),
		errors.Is(err, jobs.ErrNoItems),
		errors.Is(err, jobs.ErrInvalidItem),
		errors.Is(err, pacing.ErrInvalidSchedule),
		errors.Is(err, pacing.ErrNoEligibleDay),
		errors.Is(err, dispatch.ErrNoMailboxes):
		return http.StatusBadRequest
	case errors.Is(err, progress.ErrExists),
		errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrNotPaused),
		errors.Is(err, followup.ErrLimitReached),
		errors.Is(err, followup.ErrNoEligibleRecipients),
		errors.Is(err, followup.ErrParentNotCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendFailure reports err with its mapped status; internal errors are logged and masked
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.sendError(w, status, "Internal server error")
		return
	}
	s.sendError(w, status, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

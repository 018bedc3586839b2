package api

import (
	"net/http"
	"time"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/job"
	"github.com/go-chi/chi/v5"
)

// jobsHandler groups job lifecycle HTTP handlers.
type jobsHandler struct {
	manager *job.Manager
	store   *job.Store
}

func newJobsHandler(manager *job.Manager, store *job.Store) *jobsHandler {
	return &jobsHandler{
		manager: manager,
		store:   store,
	}
}

// createJobRequest is the JSON body for creating a job.
type createJobRequest struct {
	Type     string         `json:"type"`
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata"`
}

// CreateJob handles POST /api/v1/jobs for the authenticated team.
func (h *jobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	t := auth.TeamFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return
	}

	var req createJobRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "type is required")
		return
	}

	j, err := h.manager.CreateJob(r.Context(), job.CreateJobInput{
		TeamID:   t.ID,
		UserID:   req.UserID,
		Type:     req.Type,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, j)
}

// GetJob handles GET /api/v1/jobs/{id}. Jobs belonging to other teams are
// reported as not found.
func (h *jobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /api/v1/jobs with cursor pagination, scoped to the
// authenticated team.
func (h *jobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	t := auth.TeamFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return
	}
	h.listJobs(w, r, t.ID)
}

// ListJobsAdmin handles GET /api/v1/admin/jobs with an optional ?team_id=
// filter.
func (h *jobsHandler) ListJobsAdmin(w http.ResponseWriter, r *http.Request) {
	h.listJobs(w, r, r.URL.Query().Get("team_id"))
}

func (h *jobsHandler) listJobs(w http.ResponseWriter, r *http.Request, teamID string) {
	limit, err := parseLimitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	jobs, nextCursor, err := h.store.ListJobs(r.Context(), job.JobListParams{
		TeamID: teamID,
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	resp := map[string]interface{}{"jobs": jobs}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordCallRequest is the JSON body for recording an upstream call that was
// made outside the gateway's own proxy.
type recordCallRequest struct {
	ModelGroup       string  `json:"model_group"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMs        int64   `json:"latency_ms"`
	Purpose          string  `json:"purpose"`
	Success          bool    `json:"success"`
	Error            string  `json:"error"`
}

// RecordCall handles POST /api/v1/jobs/{id}/calls. This is the escape hatch
// for callers that invoke providers directly but still want the call billed
// against a job.
func (h *jobsHandler) RecordCall(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownJob(w, r)
	if !ok {
		return
	}

	var req recordCallRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.ModelGroup == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "model_group is required")
		return
	}
	if req.TotalTokens == 0 {
		req.TotalTokens = req.PromptTokens + req.CompletionTokens
	}

	err := h.manager.RecordCall(r.Context(), j.ID, req.ModelGroup, job.CallOutcome{
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		Cost:             req.Cost,
		Latency:          time.Duration(req.LatencyMs) * time.Millisecond,
		Purpose:          req.Purpose,
		Success:          req.Success,
		Error:            req.Error,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// completeJobRequest is the JSON body for completing a job.
type completeJobRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error"`
}

// CompleteJob handles POST /api/v1/jobs/{id}/complete. The operation is
// idempotent: repeating it returns the summary stored by the first call.
func (h *jobsHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownJob(w, r)
	if !ok {
		return
	}

	var req completeJobRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	final := job.Status(req.Status)
	if !final.Terminal() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"status must be completed or failed")
		return
	}

	summary, err := h.manager.CompleteJob(r.Context(), j.ID, final, req.Metadata, req.Error)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetAggregates handles GET /api/v1/jobs/{id}/aggregates. Unlike the
// completion summary this reflects whatever calls have been recorded so far,
// including on jobs still in flight.
func (h *jobsHandler) GetAggregates(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownJob(w, r)
	if !ok {
		return
	}

	agg, err := h.manager.Aggregates(r.Context(), j.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// ownJob loads the job from the {id} URL parameter and verifies it belongs to
// the authenticated team. On failure it writes the error response and returns
// false.
func (h *jobsHandler) ownJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	return jobForTeam(w, r, h.manager)
}

func jobForTeam(w http.ResponseWriter, r *http.Request, manager *job.Manager) (*job.Job, bool) {
	t := auth.TeamFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return nil, false
	}

	j, err := manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if j.TeamID != t.ID {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return nil, false
	}
	return j, true
}

package api

import (
	"net/http"
	"time"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/job"
)

// usageHandler groups call usage HTTP handlers.
type usageHandler struct {
	store *job.Store
}

func newUsageHandler(store *job.Store) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildCallQuery constructs a CallQuery from query params. Admin requests may
// filter by any team; team requests are pinned to their own team ID.
func buildCallQuery(r *http.Request, isAdmin bool) (job.CallQuery, error) {
	q := job.CallQuery{
		JobID: r.URL.Query().Get("job_id"),
		Group: r.URL.Query().Get("model_group"),
		Model: r.URL.Query().Get("model"),
	}

	if isAdmin {
		q.TeamID = r.URL.Query().Get("team_id")
	} else if t := auth.TeamFromContext(r.Context()); t != nil {
		q.TeamID = t.ID
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return q, err
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return q, err
	}
	q.From = from
	q.To = to

	limit, err := parseLimitParam(r)
	if err != nil {
		return q, err
	}
	q.Limit = limit
	q.Cursor = r.URL.Query().Get("cursor")

	return q, nil
}

// GetUsage handles GET /api/v1/usage for the authenticated team. Returns
// aggregate token and cost totals over the selected window.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.getUsage(w, r, false)
}

// GetUsageAdmin handles GET /api/v1/admin/usage with unrestricted filters.
func (h *usageHandler) GetUsageAdmin(w http.ResponseWriter, r *http.Request) {
	h.getUsage(w, r, true)
}

func (h *usageHandler) getUsage(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildCallQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	summary, err := h.store.CallSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListCalls handles GET /api/v1/usage/calls for the authenticated team.
func (h *usageHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	h.listCalls(w, r, false)
}

// ListCallsAdmin handles GET /api/v1/admin/usage/calls with unrestricted
// filters.
func (h *usageHandler) ListCallsAdmin(w http.ResponseWriter, r *http.Request) {
	h.listCalls(w, r, true)
}

func (h *usageHandler) listCalls(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildCallQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	calls, nextCursor, err := h.store.ListCalls(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list calls")
		return
	}

	resp := map[string]interface{}{"calls": calls}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"net/http"

	"github.com/alecgard/centime/internal/modelgroup"
	"github.com/alecgard/centime/internal/ratelimit"
	"github.com/go-chi/chi/v5"
)

// modelGroupsHandler groups model group HTTP handlers.
type modelGroupsHandler struct {
	store     *modelgroup.Store
	resolver  *modelgroup.Resolver
	rateStore *ratelimit.GroupRateLimitStore
}

func newModelGroupsHandler(store *modelgroup.Store, resolver *modelgroup.Resolver, rateStore *ratelimit.GroupRateLimitStore) *modelGroupsHandler {
	return &modelGroupsHandler{
		store:     store,
		resolver:  resolver,
		rateStore: rateStore,
	}
}

// createGroupRequest is the JSON body for creating a model group.
type createGroupRequest struct {
	Name      string             `json:"name"`
	Entries   []modelgroup.Entry `json:"entries"`
	RateLimit int                `json:"rate_limit"`
}

// CreateGroup handles POST /api/v1/admin/modelgroups.
func (h *modelGroupsHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	for _, e := range req.Entries {
		if e.Model == "" {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "entry model is required")
			return
		}
		if e.Priority < 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "entry priority must not be negative")
			return
		}
	}

	g, err := h.store.CreateGroup(r.Context(), modelgroup.CreateGroupInput{
		Name:      req.Name,
		Entries:   req.Entries,
		RateLimit: req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create model group")
		return
	}

	auditLog(r, "create", "model_group", g.Name)
	writeJSON(w, http.StatusCreated, g)
}

// ListGroups handles GET /api/v1/admin/modelgroups with cursor pagination.
func (h *modelGroupsHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	groups, nextCursor, err := h.store.ListGroups(r.Context(), modelgroup.GroupListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list model groups")
		return
	}

	resp := map[string]interface{}{"model_groups": groups}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetGroup handles GET /api/v1/admin/modelgroups/{name}.
func (h *modelGroupsHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGroup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// upsertEntryRequest is the JSON body for adding or replacing a group entry.
type upsertEntryRequest struct {
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// UpsertEntry handles PUT /api/v1/admin/modelgroups/{name}/entries.
func (h *modelGroupsHandler) UpsertEntry(w http.ResponseWriter, r *http.Request) {
	var req upsertEntryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "model is required")
		return
	}
	if req.Priority < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "priority must not be negative")
		return
	}

	name := chi.URLParam(r, "name")
	err := h.store.UpsertEntry(r.Context(), name, modelgroup.UpsertEntryInput{
		Model:    req.Model,
		Priority: req.Priority,
		Active:   req.Active,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "upsert_entry", "model_group", name, "model", req.Model)

	g, err := h.store.GetGroup(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// setEntryActiveRequest is the JSON body for toggling an entry.
type setEntryActiveRequest struct {
	Active bool `json:"active"`
}

// SetEntryActive handles PATCH /api/v1/admin/modelgroups/{name}/entries/{model}.
// Deactivated entries keep their historical call rows but are skipped by the
// resolver.
func (h *modelGroupsHandler) SetEntryActive(w http.ResponseWriter, r *http.Request) {
	var req setEntryActiveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	name := chi.URLParam(r, "name")
	model := chi.URLParam(r, "model")
	if err := h.store.SetEntryActive(r.Context(), name, model, req.Active); err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "set_entry_active", "model_group", name, "model", model, "active", req.Active)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteGroup handles DELETE /api/v1/admin/modelgroups/{name}.
func (h *modelGroupsHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.store.DeleteGroup(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "delete", "model_group", name)
	w.WriteHeader(http.StatusNoContent)
}

// ResolveGroup handles GET /api/v1/modelgroups/{name}/resolve. It returns the
// ordered candidate list a completion request would try, without invoking
// anything.
func (h *modelGroupsHandler) ResolveGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	candidates, err := h.resolver.Resolve(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_group": name,
		"candidates":  candidates,
	})
}

// setGroupRateLimitRequest is the JSON body for a team-scoped rate override.
type setGroupRateLimitRequest struct {
	TeamID    string `json:"team_id"`
	RateLimit int    `json:"rate_limit"`
}

// SetGroupRateLimit handles PUT /api/v1/admin/modelgroups/{name}/rate-limits.
func (h *modelGroupsHandler) SetGroupRateLimit(w http.ResponseWriter, r *http.Request) {
	var req setGroupRateLimitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.TeamID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "team_id is required")
		return
	}
	if req.RateLimit <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "rate_limit must be positive")
		return
	}

	name := chi.URLParam(r, "name")
	if _, err := h.store.GetGroup(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.rateStore.Set(r.Context(), name, "team", req.TeamID, req.RateLimit); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set rate limit override")
		return
	}

	auditLog(r, "set_group_rate_limit", "model_group", name, "team_id", req.TeamID, "rate_limit", req.RateLimit)
	w.WriteHeader(http.StatusNoContent)
}

// ListGroupRateLimits handles GET /api/v1/admin/modelgroups/{name}/rate-limits.
func (h *modelGroupsHandler) ListGroupRateLimits(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	overrides, err := h.rateStore.ListByGroup(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list rate limit overrides")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_group": name,
		"overrides":   overrides,
	})
}

// DeleteGroupRateLimit handles DELETE /api/v1/admin/modelgroups/{name}/rate-limits/{teamID}.
func (h *modelGroupsHandler) DeleteGroupRateLimit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	teamID := chi.URLParam(r, "teamID")
	if err := h.rateStore.Delete(r.Context(), name, "team", teamID); err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "delete_group_rate_limit", "model_group", name, "team_id", teamID)
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"
	"strings"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/team"
	"github.com/go-chi/chi/v5"
)

// teamsHandler groups team-related HTTP handlers.
type teamsHandler struct {
	store  *team.Store
	ledger *credit.Ledger
}

func newTeamsHandler(store *team.Store, ledger *credit.Ledger) *teamsHandler {
	return &teamsHandler{
		store:  store,
		ledger: ledger,
	}
}

// createTeamRequest is the JSON body for creating a team.
type createTeamRequest struct {
	Name           string `json:"name"`
	RateLimit      int    `json:"rate_limit"`
	InitialCredits int64  `json:"initial_credits"`
}

// CreateTeam handles POST /api/v1/admin/teams.
// Generates an API key and returns the plaintext key in the response (only time it is shown).
func (h *teamsHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if req.InitialCredits < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "initial_credits must not be negative")
		return
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	t, err := h.store.Create(r.Context(), team.CreateTeamInput{
		Name:         req.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create team")
		return
	}

	balance := int64(0)
	if req.InitialCredits > 0 {
		balance, err = h.ledger.Allocate(r.Context(), t.ID, req.InitialCredits, "initial allocation")
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	auditLog(r, "create", "team", t.ID, "name", t.Name)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":             t.ID,
		"name":           t.Name,
		"status":         t.Status,
		"api_key_prefix": t.APIKeyPrefix,
		"api_key":        plaintext,
		"rate_limit":     t.RateLimit,
		"credits":        balance,
		"created_at":     t.CreatedAt,
	})
}

// ListTeams handles GET /api/v1/admin/teams with cursor pagination.
func (h *teamsHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	teams, nextCursor, err := h.store.List(r.Context(), team.TeamListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list teams")
		return
	}

	resp := map[string]interface{}{"teams": teams}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTeam handles GET /api/v1/admin/teams/{id}.
func (h *teamsHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// updateTeamRequest is the JSON body for a partial team update.
type updateTeamRequest struct {
	Name      *string `json:"name"`
	Status    *string `json:"status"`
	RateLimit *int    `json:"rate_limit"`
}

// UpdateTeam handles PUT /api/v1/admin/teams/{id}. Suspending a team cuts off
// its API access on the next authenticated request.
func (h *teamsHandler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	var req updateTeamRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	id := chi.URLParam(r, "id")
	t, err := h.store.Update(r.Context(), id, team.UpdateTeamInput{
		Name:      req.Name,
		Status:    req.Status,
		RateLimit: req.RateLimit,
	})
	if err != nil {
		if strings.Contains(err.Error(), "invalid team status") {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "status must be active or suspended")
			return
		}
		writeDomainError(w, err)
		return
	}

	auditLog(r, "update", "team", t.ID)
	writeJSON(w, http.StatusOK, t)
}

// DeleteTeam handles DELETE /api/v1/admin/teams/{id}.
func (h *teamsHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete team")
		return
	}

	auditLog(r, "delete", "team", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetSelfTeam handles GET /api/v1/teams/me for the authenticated team.
func (h *teamsHandler) GetSelfTeam(w http.ResponseWriter, r *http.Request) {
	authed := auth.TeamFromContext(r.Context())
	if authed == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return
	}

	t, err := h.store.GetByID(r.Context(), authed.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

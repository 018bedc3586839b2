package api

import (
	"net/http"
	"time"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/credit"
	"github.com/go-chi/chi/v5"
)

// creditsHandler groups credit ledger HTTP handlers.
type creditsHandler struct {
	ledger *credit.Ledger
}

func newCreditsHandler(ledger *credit.Ledger) *creditsHandler {
	return &creditsHandler{ledger: ledger}
}

// creditAmountRequest is the JSON body for allocate and refund operations.
type creditAmountRequest struct {
	Amount int64  `json:"amount"`
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// AllocateCredits handles POST /api/v1/admin/teams/{id}/credits/allocate.
func (h *creditsHandler) AllocateCredits(w http.ResponseWriter, r *http.Request) {
	var req creditAmountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID := chi.URLParam(r, "id")
	remaining, err := h.ledger.Allocate(r.Context(), teamID, req.Amount, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "allocate_credits", "team", teamID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"team_id":           teamID,
		"credits_remaining": remaining,
	})
}

// RefundCredits handles POST /api/v1/admin/teams/{id}/credits/refund.
func (h *creditsHandler) RefundCredits(w http.ResponseWriter, r *http.Request) {
	var req creditAmountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID := chi.URLParam(r, "id")
	remaining, err := h.ledger.Refund(r.Context(), teamID, req.Amount, req.JobID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "refund_credits", "team", teamID, "amount", req.Amount, "job_id", req.JobID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"team_id":           teamID,
		"credits_remaining": remaining,
	})
}

// adjustCreditsRequest is the JSON body for a manual ledger correction.
type adjustCreditsRequest struct {
	AllocatedDelta int64  `json:"allocated_delta"`
	UsedDelta      int64  `json:"used_delta"`
	Reason         string `json:"reason"`
}

// AdjustCredits handles POST /api/v1/admin/teams/{id}/credits/adjust.
func (h *creditsHandler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustCreditsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID := chi.URLParam(r, "id")
	remaining, err := h.ledger.Adjust(r.Context(), teamID, req.AllocatedDelta, req.UsedDelta, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	auditLog(r, "adjust_credits", "team", teamID,
		"allocated_delta", req.AllocatedDelta, "used_delta", req.UsedDelta)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"team_id":           teamID,
		"credits_remaining": remaining,
	})
}

// creditPolicyRequest is the JSON body for setting refill and overdraft policy.
type creditPolicyRequest struct {
	RefillAmount   *int64  `json:"refill_amount"`
	RefillPeriod   *string `json:"refill_period"`
	AllowOverdraft *bool   `json:"allow_overdraft"`
}

// SetCreditPolicy handles PUT /api/v1/admin/teams/{id}/credits/policy.
func (h *creditsHandler) SetCreditPolicy(w http.ResponseWriter, r *http.Request) {
	var req creditPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID := chi.URLParam(r, "id")

	if (req.RefillAmount == nil) != (req.RefillPeriod == nil) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"refill_amount and refill_period must be set together")
		return
	}

	if req.RefillAmount != nil {
		period, err := time.ParseDuration(*req.RefillPeriod)
		if err != nil || period <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				"refill_period must be a positive duration such as 24h")
			return
		}
		if err := h.ledger.SetRefillPolicy(r.Context(), teamID, *req.RefillAmount, period); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	if req.AllowOverdraft != nil {
		if err := h.ledger.SetOverdraft(r.Context(), teamID, *req.AllowOverdraft); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	auditLog(r, "set_credit_policy", "team", teamID)

	balance, err := h.ledger.Balance(r.Context(), teamID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GetTeamBalance handles GET /api/v1/admin/teams/{id}/credits.
func (h *creditsHandler) GetTeamBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTeamTransactions handles GET /api/v1/admin/teams/{id}/credits/transactions.
func (h *creditsHandler) ListTeamTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, chi.URLParam(r, "id"))
}

// GetOwnBalance handles GET /api/v1/credits for the authenticated team.
func (h *creditsHandler) GetOwnBalance(w http.ResponseWriter, r *http.Request) {
	t := auth.TeamFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListOwnTransactions handles GET /api/v1/credits/transactions for the
// authenticated team.
func (h *creditsHandler) ListOwnTransactions(w http.ResponseWriter, r *http.Request) {
	t := auth.TeamFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated team")
		return
	}
	h.listTransactions(w, r, t.ID)
}

func (h *creditsHandler) listTransactions(w http.ResponseWriter, r *http.Request, teamID string) {
	limit, err := parseLimitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
		return
	}

	txns, nextCursor, err := h.ledger.ListTransactions(r.Context(), teamID, credit.TransactionListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}

	resp := map[string]interface{}{"transactions": txns}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/llm"
	"github.com/alecgard/centime/internal/modelgroup"
	"github.com/jackc/pgx/v5"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeDomainError maps known domain errors onto HTTP status codes and writes
// the standard error envelope. Unknown errors become a 500 with a generic
// message so internals never leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, job.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job_terminal", "job is already in a terminal state")
	case errors.Is(err, credit.ErrInsufficientCredit):
		writeError(w, http.StatusPaymentRequired, "insufficient_credit", "team has insufficient credits")
	case errors.Is(err, credit.ErrNoBalance):
		writeError(w, http.StatusNotFound, "no_balance", "team has no credit balance")
	case errors.Is(err, credit.ErrInvalidAmount):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, modelgroup.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, "unknown_group", "model group does not exist")
	case errors.Is(err, modelgroup.ErrNoActiveModels):
		writeError(w, http.StatusConflict, "no_active_models", "model group has no active models")
	case errors.Is(err, llm.ErrAllModelsExhausted):
		writeError(w, http.StatusBadGateway, "models_exhausted", "all models in the group failed")
	case errors.Is(err, llm.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream provider timed out")
	case errors.Is(err, llm.ErrUpstreamCallFailed):
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream provider call failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}

// parseLimitParam parses an optional ?limit= query parameter. Returns 0 (use
// the store default) when absent, or an error for non-numeric or negative
// values.
func parseLimitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

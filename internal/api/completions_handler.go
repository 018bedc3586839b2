package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/llm"
	"github.com/alecgard/centime/internal/metrics"
	"github.com/alecgard/centime/internal/ratelimit"
)

// completionsHandler serves LLM completions through the call proxy, bound to
// a job so every upstream attempt is metered and billed.
type completionsHandler struct {
	proxy       *llm.Proxy
	manager     *job.Manager
	groupLimits *ratelimit.GroupRateLimiter
	metrics     *metrics.Metrics
}

func newCompletionsHandler(proxy *llm.Proxy, manager *job.Manager, groupLimits *ratelimit.GroupRateLimiter, m *metrics.Metrics) *completionsHandler {
	return &completionsHandler{
		proxy:       proxy,
		manager:     manager,
		groupLimits: groupLimits,
		metrics:     m,
	}
}

// completionRequest is the JSON body for POST /api/v1/jobs/{id}/completions.
type completionRequest struct {
	ModelGroup  string        `json:"model_group"`
	Purpose     string        `json:"purpose"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Complete handles POST /api/v1/jobs/{id}/completions. The request is routed
// through the job's model group with priority fallback; every attempt is
// recorded as a call row against the job.
func (h *completionsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	j, ok := jobForTeam(w, r, h.manager)
	if !ok {
		return
	}
	if j.Status.Terminal() {
		writeError(w, http.StatusConflict, "job_terminal", "job is already in a terminal state")
		return
	}

	var req completionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.ModelGroup == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "model_group is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "messages must not be empty")
		return
	}

	if !h.checkGroupRate(w, r, req.ModelGroup, j.TeamID) {
		return
	}

	upstreamReq := llm.Request{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.Stream {
		h.streamCompletion(w, r, j, req.ModelGroup, req.Purpose, upstreamReq)
		return
	}

	res, err := h.proxy.Complete(r.Context(), j.ID, req.ModelGroup, req.Purpose, upstreamReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      j.ID,
		"model_group": req.ModelGroup,
		"model":       res.Model,
		"content":     res.Content,
		"usage":       res.Usage,
		"cost":        res.Cost,
		"latency_ms":  res.Latency.Milliseconds(),
	})
}

// streamChunk is one SSE event sent to the client during a streamed
// completion.
type streamChunk struct {
	Delta string     `json:"delta,omitempty"`
	Usage *llm.Usage `json:"usage,omitempty"`
	Error string     `json:"error,omitempty"`
}

func (h *completionsHandler) streamCompletion(w http.ResponseWriter, r *http.Request, j *job.Job, group, purpose string, req llm.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	session, err := h.proxy.CompleteStream(r.Context(), j.ID, group, purpose, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Close always runs so the call is recorded even when the client
	// disconnects mid-stream.
	defer session.Close()

	if h.metrics != nil {
		h.metrics.IncActiveStreams()
		defer h.metrics.DecActiveStreams()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range session.Chunks() {
		writeSSE(w, streamChunk{Delta: chunk.Delta, Usage: chunk.Usage})
		flusher.Flush()
	}

	if err := session.Err(); err != nil {
		writeSSE(w, streamChunk{Error: err.Error()})
		flusher.Flush()
		return
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

// checkGroupRate enforces the model group's global and team-scoped rate
// limits. It always sets the rate limit headers and writes the 429 response
// itself when the request is rejected.
func (h *completionsHandler) checkGroupRate(w http.ResponseWriter, r *http.Request, group, teamID string) bool {
	if h.groupLimits == nil {
		return true
	}

	allowed, limit, remaining, resetAt, err := h.groupLimits.CheckGroupRateLimit(r.Context(), group, teamID)
	if err != nil {
		writeDomainError(w, err)
		return false
	}

	if limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
	}

	if !allowed {
		if h.metrics != nil {
			h.metrics.IncGroupRateLimitRejection()
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("rate limit exceeded for model group %q", group))
		return false
	}
	return true
}

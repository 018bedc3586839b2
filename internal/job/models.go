package job

import "time"

// Status is the job lifecycle state.
type Status string

// Job lifecycle states. Pending is initial; completed and failed are
// terminal.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a billable unit grouping one or more upstream LLM calls.
type Job struct {
	ID              string             `json:"id"`
	TeamID          string             `json:"team_id"`
	UserID          string             `json:"user_id,omitempty"`
	Type            string             `json:"type"`
	Status          Status             `json:"status"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	ModelGroupsUsed []string           `json:"model_groups_used,omitempty"`
	CreditApplied   bool               `json:"credit_applied"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Summary         *CompletionSummary `json:"summary,omitempty"`
}

// Call is one recorded upstream attempt belonging to a job. Rows are
// append-only and immutable once written.
type Call struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	TeamID           string    `json:"team_id"`
	ModelGroup       string    `json:"model_group"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	LatencyMs        int64     `json:"latency_ms"`
	Purpose          string    `json:"purpose,omitempty"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Request          []byte    `json:"-"`
	Response         []byte    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// CallOutcome is the result of one upstream attempt as reported by the call
// proxy. Model is empty when no candidate was resolved (all exhausted).
type CallOutcome struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             float64
	Latency          time.Duration
	Purpose          string
	Success          bool
	Error            string
	Request          []byte
	Response         []byte
}

// CallAggregates holds the per-job aggregate computed from all call rows.
type CallAggregates struct {
	TotalCalls       int64   `json:"total_calls"`
	SuccessfulCalls  int64   `json:"successful_calls"`
	FailedCalls      int64   `json:"failed_calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// CompletionSummary is returned by CompleteJob and persisted on the job row
// so repeated completions return the identical result.
type CompletionSummary struct {
	JobID string `json:"job_id"`
	Status Status `json:"status"`
	CallAggregates
	CreditApplied    bool      `json:"credit_applied"`
	CreditsRemaining int64     `json:"credits_remaining"`
	Error            string    `json:"error,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// CreateJobInput holds the fields required to create a new job.
type CreateJobInput struct {
	TeamID   string         `json:"team_id"`
	UserID   string         `json:"user_id"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// Finish carries the terminal mutation applied by FinishJob.
type Finish struct {
	Status        Status
	CompletedAt   time.Time
	MetadataPatch map[string]any
	Error         string
	CreditApplied bool
	Summary       *CompletionSummary
}

// CallQuery defines filters and pagination for querying call rows.
type CallQuery struct {
	JobID  string    `json:"job_id,omitempty"`
	TeamID string    `json:"team_id,omitempty"`
	Group  string    `json:"model_group,omitempty"`
	Model  string    `json:"model,omitempty"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Cursor string    `json:"cursor,omitempty"`
	Limit  int       `json:"limit"`
}

// JobListParams controls cursor-based pagination for listing jobs.
type JobListParams struct {
	TeamID string `json:"team_id"`
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

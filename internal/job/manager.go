package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/keyedmutex"
	"github.com/google/uuid"
)

// Manager errors.
var (
	ErrNotFound       = errors.New("job not found")
	ErrJobTerminal    = errors.New("job is already terminal")
	ErrTeamRequired   = errors.New("team_id is required")
	ErrTypeRequired   = errors.New("job type is required")
	ErrBadFinalStatus = errors.New("final status must be completed or failed")
)

// Storage is the persistence interface the Manager operates through.
// FinishJob must apply the terminal mutation under the same atomic guard
// that re-checks terminality; when the job is already terminal it returns
// the stored job and true without writing.
type Storage interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	MarkInProgress(ctx context.Context, id string, at time.Time) error
	AddModelGroup(ctx context.Context, id, group string) error
	InsertCalls(ctx context.Context, calls []Call) error
	AggregateCalls(ctx context.Context, jobID string) (*CallAggregates, error)
	FinishJob(ctx context.Context, id string, fin Finish) (*Job, bool, error)
}

// CallRecorder buffers call rows for batched insertion. Flush drains
// everything buffered so far; CompleteJob calls it before aggregating.
type CallRecorder interface {
	Record(c Call)
	Flush(ctx context.Context) error
}

// CreditLedger is the slice of the credit ledger the Manager needs.
type CreditLedger interface {
	Deduct(ctx context.Context, teamID string, amount int64, jobID, reason string) (int64, error)
	Refund(ctx context.Context, teamID string, amount int64, jobID, reason string) (int64, error)
	Balance(ctx context.Context, teamID string) (*credit.Balance, error)
}

// MetricsRecorder is an optional interface for job lifecycle metrics.
type MetricsRecorder interface {
	IncJobsCreated(jobType string)
	IncJobsCompleted(status string, creditApplied bool)
	IncCallsRecorded(group, model string, success bool)
	IncCreditDeductionRejected()
}

// Manager orchestrates the job lifecycle: creation, call recording and the
// single credit deduction on completion. CompleteJob is serialized per job
// ID; the job row itself is the idempotency key for the deduction.
type Manager struct {
	store   Storage
	ledger  CreditLedger
	calls   CallRecorder
	locks   *keyedmutex.KeyedMutex
	metrics MetricsRecorder
	now     func() time.Time
}

// NewManager creates a Manager over the given storage, ledger and recorder.
func NewManager(store Storage, ledger CreditLedger, calls CallRecorder) *Manager {
	return &Manager{
		store:  store,
		ledger: ledger,
		calls:  calls,
		locks:  keyedmutex.New(),
		now:    time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (m *Manager) SetMetrics(mr MetricsRecorder) {
	m.metrics = mr
}

// CreateJob creates a job in the pending state with credit_applied=false.
func (m *Manager) CreateJob(ctx context.Context, in CreateJobInput) (*Job, error) {
	if in.TeamID == "" {
		return nil, ErrTeamRequired
	}
	if in.Type == "" {
		return nil, ErrTypeRequired
	}

	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	j := &Job{
		ID:        uuid.NewString(),
		TeamID:    in.TeamID,
		UserID:    in.UserID,
		Type:      in.Type,
		Status:    StatusPending,
		Metadata:  meta,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if m.metrics != nil {
		m.metrics.IncJobsCreated(in.Type)
	}
	return j, nil
}

// GetJob retrieves a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.store.GetJob(ctx, id)
}

// RecordCall appends one upstream call outcome to the job. A failed upstream
// call is still recorded; the error here only reflects job-state problems.
// Safe to invoke concurrently for the same job.
func (m *Manager) RecordCall(ctx context.Context, jobID, group string, out CallOutcome) error {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s: %w", jobID, ErrJobTerminal)
	}

	if j.Status == StatusPending {
		// Guarded in the store: only a pending job transitions.
		if err := m.store.MarkInProgress(ctx, jobID, m.now().UTC()); err != nil {
			return fmt.Errorf("starting job: %w", err)
		}
	}

	if group != "" {
		if err := m.store.AddModelGroup(ctx, jobID, group); err != nil {
			return fmt.Errorf("recording model group: %w", err)
		}
	}

	m.calls.Record(Call{
		ID:               uuid.NewString(),
		JobID:            jobID,
		TeamID:           j.TeamID,
		ModelGroup:       group,
		Model:            out.Model,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		TotalTokens:      out.TotalTokens,
		Cost:             out.Cost,
		LatencyMs:        out.Latency.Milliseconds(),
		Purpose:          out.Purpose,
		Success:          out.Success,
		Error:            out.Error,
		Request:          out.Request,
		Response:         out.Response,
		CreatedAt:        m.now().UTC(),
	})

	if m.metrics != nil {
		m.metrics.IncCallsRecorded(group, out.Model, out.Success)
	}
	return nil
}

// CompleteJob moves the job to its terminal status, aggregates its calls and
// applies the single credit deduction when warranted. Completing an
// already-terminal job returns the previously computed summary and never
// deducts again.
func (m *Manager) CompleteJob(ctx context.Context, jobID string, final Status, metadataPatch map[string]any, errMsg string) (*CompletionSummary, error) {
	if final != StatusCompleted && final != StatusFailed {
		return nil, ErrBadFinalStatus
	}

	m.locks.Lock(jobID)
	defer m.locks.Unlock(jobID)

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return m.summaryFor(ctx, j)
	}

	// Drain buffered call rows so the aggregate sees every call recorded
	// before this completion.
	if err := m.calls.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flushing call records: %w", err)
	}

	agg, err := m.store.AggregateCalls(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("aggregating calls: %w", err)
	}

	completedAt := m.now().UTC()
	summary := &CompletionSummary{
		JobID:          jobID,
		Status:         final,
		CallAggregates: *agg,
		Error:          errMsg,
		CompletedAt:    completedAt,
	}

	creditApplied := false
	if final == StatusCompleted && agg.FailedCalls == 0 && !j.CreditApplied {
		remaining, err := m.ledger.Deduct(ctx, j.TeamID, 1, jobID, "job completed")
		switch {
		case err == nil:
			creditApplied = true
			summary.CreditsRemaining = remaining
		case errors.Is(err, credit.ErrInsufficientCredit), errors.Is(err, credit.ErrNoBalance):
			// Reported, not retried: the job still completes unbilled.
			if m.metrics != nil {
				m.metrics.IncCreditDeductionRejected()
			}
		default:
			return nil, fmt.Errorf("deducting credit: %w", err)
		}
	}
	summary.CreditApplied = creditApplied

	if !creditApplied {
		if b, err := m.ledger.Balance(ctx, j.TeamID); err == nil {
			summary.CreditsRemaining = b.Remaining
		}
	}

	prev, alreadyTerminal, err := m.store.FinishJob(ctx, jobID, Finish{
		Status:        final,
		CompletedAt:   completedAt,
		MetadataPatch: metadataPatch,
		Error:         errMsg,
		CreditApplied: creditApplied,
		Summary:       summary,
	})
	if err != nil {
		if creditApplied {
			m.compensate(ctx, j.TeamID, jobID)
		}
		return nil, fmt.Errorf("finishing job: %w", err)
	}
	if alreadyTerminal {
		// Another instance completed the job between our read and write.
		// Roll back our deduction so exactly one survives.
		if creditApplied {
			m.compensate(ctx, j.TeamID, jobID)
		}
		return m.summaryFor(ctx, prev)
	}

	if m.metrics != nil {
		m.metrics.IncJobsCompleted(string(final), creditApplied)
	}
	return summary, nil
}

// Aggregates recomputes the call aggregate for a job. Exposed for the API's
// usage surface; CompleteJob persists its own snapshot.
func (m *Manager) Aggregates(ctx context.Context, jobID string) (*CallAggregates, error) {
	if err := m.calls.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flushing call records: %w", err)
	}
	return m.store.AggregateCalls(ctx, jobID)
}

// summaryFor returns the persisted summary of a terminal job, recomputing it
// for rows written before summaries were stored.
func (m *Manager) summaryFor(ctx context.Context, j *Job) (*CompletionSummary, error) {
	if j.Summary != nil {
		return j.Summary, nil
	}

	agg, err := m.store.AggregateCalls(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregating calls: %w", err)
	}
	s := &CompletionSummary{
		JobID:          j.ID,
		Status:         j.Status,
		CallAggregates: *agg,
		CreditApplied:  j.CreditApplied,
		Error:          j.Error,
	}
	if j.CompletedAt != nil {
		s.CompletedAt = *j.CompletedAt
	}
	if b, err := m.ledger.Balance(ctx, j.TeamID); err == nil {
		s.CreditsRemaining = b.Remaining
	}
	return s, nil
}

// compensate refunds a deduction that lost its completion write.
func (m *Manager) compensate(ctx context.Context, teamID, jobID string) {
	if _, err := m.ledger.Refund(ctx, teamID, 1, jobID, "duplicate completion rolled back"); err != nil {
		slog.Error("failed to refund duplicate deduction", "job_id", jobID, "team_id", teamID, "error", err)
	}
}

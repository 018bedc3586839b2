package job

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides Postgres-backed persistence for jobs and their call rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new job store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, team_id, COALESCE(user_id, ''), type, status, metadata,
	model_groups_used, credit_applied, COALESCE(error, ''),
	created_at, started_at, completed_at, summary`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	var metadataJSON, summaryJSON []byte
	err := row.Scan(
		&j.ID,
		&j.TeamID,
		&j.UserID,
		&j.Type,
		&j.Status,
		&metadataJSON,
		&j.ModelGroupsUsed,
		&j.CreditApplied,
		&j.Error,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
		&summaryJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling job metadata: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		j.Summary = &CompletionSummary{}
		if err := json.Unmarshal(summaryJSON, j.Summary); err != nil {
			return nil, fmt.Errorf("unmarshalling job summary: %w", err)
		}
	}
	return j, nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	metadataJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling job metadata: %w", err)
	}

	var userID *string
	if j.UserID != "" {
		userID = &j.UserID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, team_id, user_id, type, status, metadata, credit_applied, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.TeamID, userID, j.Type, j.Status, metadataJSON, j.CreditApplied, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id. It returns ErrNotFound when no row exists.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return j, nil
}

// MarkInProgress transitions a pending job to in_progress and stamps
// started_at. It is a no-op if a concurrent call already made the
// transition.
func (s *Store) MarkInProgress(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, started_at = $3
		 WHERE id = $1 AND status = $4`,
		id, StatusInProgress, at, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("marking job in progress: %w", err)
	}
	return nil
}

// AddModelGroup appends a group name to the job's model_groups_used unless
// it is already present.
func (s *Store) AddModelGroup(ctx context.Context, id, group string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET model_groups_used = array_append(model_groups_used, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(model_groups_used))`,
		id, group,
	)
	if err != nil {
		return fmt.Errorf("appending model group: %w", err)
	}
	return nil
}

// InsertCalls writes a slice of call rows in a single multi-row INSERT
// statement. It is a no-op when calls is empty.
func (s *Store) InsertCalls(ctx context.Context, calls []Call) error {
	if len(calls) == 0 {
		return nil
	}

	const cols = 15
	args := make([]any, 0, len(calls)*cols)
	rows := make([]string, 0, len(calls))

	for i, c := range calls {
		base := i * cols
		placeholders := make([]string, cols)
		for p := 0; p < cols; p++ {
			placeholders[p] = "$" + strconv.Itoa(base+p+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			c.ID, c.JobID, c.TeamID, c.ModelGroup, c.Model,
			c.PromptTokens, c.CompletionTokens, c.TotalTokens,
			c.Cost, c.LatencyMs, c.Purpose, c.Success, c.Error,
			c.Request, c.Response,
		)
	}

	query := `INSERT INTO llm_calls
		(id, job_id, team_id, model_group, model,
		 prompt_tokens, completion_tokens, total_tokens,
		 cost, latency_ms, purpose, success, error, request, response)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting llm calls: %w", err)
	}
	return nil
}

// AggregateCalls computes the per-job aggregate from all call rows.
func (s *Store) AggregateCalls(ctx context.Context, jobID string) (*CallAggregates, error) {
	agg := &CallAggregates{}
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM llm_calls WHERE job_id = $1`,
		jobID,
	).Scan(
		&agg.TotalCalls,
		&agg.SuccessfulCalls,
		&agg.FailedCalls,
		&agg.PromptTokens,
		&agg.CompletionTokens,
		&agg.TotalTokens,
		&agg.TotalCost,
		&agg.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating llm calls: %w", err)
	}
	return agg, nil
}

// FinishJob applies the terminal mutation under a row lock. If the job is
// already terminal it returns the stored job and true without writing; the
// lock makes the terminality re-check and the write one atomic unit.
func (s *Store) FinishJob(ctx context.Context, id string, fin Finish) (*Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1 FOR UPDATE`, jobColumns)
	j, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("locking job: %w", err)
	}

	if j.Status.Terminal() {
		return j, true, nil
	}

	patchJSON, err := json.Marshal(fin.MetadataPatch)
	if err != nil {
		return nil, false, fmt.Errorf("marshalling metadata patch: %w", err)
	}
	summaryJSON, err := json.Marshal(fin.Summary)
	if err != nil {
		return nil, false, fmt.Errorf("marshalling summary: %w", err)
	}

	var errMsg *string
	if fin.Error != "" {
		errMsg = &fin.Error
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET
			status = $2,
			completed_at = $3,
			error = $4,
			credit_applied = $5,
			metadata = COALESCE(metadata, '{}'::jsonb) || $6::jsonb,
			summary = $7
		 WHERE id = $1`,
		id, fin.Status, fin.CompletedAt, errMsg, fin.CreditApplied, patchJSON, summaryJSON,
	)
	if err != nil {
		return nil, false, fmt.Errorf("finishing job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing job completion: %w", err)
	}
	return nil, false, nil
}

// ListJobs returns a page of a team's jobs ordered by created_at DESC,
// id DESC using cursor-based pagination.
func (s *Store) ListJobs(ctx context.Context, params JobListParams) ([]*Job, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM jobs
			 WHERE team_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`, jobColumns),
			params.TeamID, cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM jobs
			 WHERE team_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`, jobColumns),
			params.TeamID, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating job rows: %w", err)
	}

	var nextCursor string
	if len(jobs) > limit {
		last := jobs[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		jobs = jobs[:limit]
	}

	return jobs, nextCursor, nil
}

// CallSummary returns aggregate usage matching the query filters.
func (s *Store) CallSummary(ctx context.Context, q CallQuery) (*CallAggregates, error) {
	where, args := buildCallWhere(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cost), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM llm_calls` + where

	agg := &CallAggregates{}
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&agg.TotalCalls,
		&agg.SuccessfulCalls,
		&agg.FailedCalls,
		&agg.PromptTokens,
		&agg.CompletionTokens,
		&agg.TotalTokens,
		&agg.TotalCost,
		&agg.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying call summary: %w", err)
	}
	return agg, nil
}

// ListCalls returns a page of call rows matching the query filters, ordered
// by created_at DESC, id DESC with cursor-based pagination. Raw request and
// response snapshots are not included.
func (s *Store) ListCalls(ctx context.Context, q CallQuery) ([]*Call, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildCallWhere(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, job_id, team_id, model_group, COALESCE(model, ''),
		prompt_tokens, completion_tokens, total_tokens,
		cost, latency_ms, COALESCE(purpose, ''), success, COALESCE(error, ''), created_at
	FROM llm_calls` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing llm calls: %w", err)
	}
	defer rows.Close()

	var calls []*Call
	for rows.Next() {
		c := &Call{}
		if err := rows.Scan(
			&c.ID, &c.JobID, &c.TeamID, &c.ModelGroup, &c.Model,
			&c.PromptTokens, &c.CompletionTokens, &c.TotalTokens,
			&c.Cost, &c.LatencyMs, &c.Purpose, &c.Success, &c.Error, &c.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning llm call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating llm call rows: %w", err)
	}

	var nextCursor string
	if len(calls) > limit {
		last := calls[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		calls = calls[:limit]
	}

	return calls, nextCursor, nil
}

// buildCallWhere constructs a WHERE clause and positional arguments from a
// CallQuery. The returned string starts with " WHERE" or is empty.
func buildCallWhere(q CallQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.JobID != "" {
		args = append(args, q.JobID)
		conditions = append(conditions, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if q.TeamID != "" {
		args = append(args, q.TeamID)
		conditions = append(conditions, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if q.Group != "" {
		args = append(args, q.Group)
		conditions = append(conditions, fmt.Sprintf("model_group = $%d", len(args)))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}

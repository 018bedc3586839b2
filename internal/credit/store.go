package credit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed ledger storage. Balance mutations and their
// audit rows commit in a single transaction, and Commit carries an optimistic
// version guard so multi-instance deployments stay serialized per team.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new credit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const teamCreditColumns = `team_id, credits_allocated, credits_used, allow_overdraft,
	auto_refill_amount, auto_refill_period_seconds, last_refill_at, version,
	created_at, updated_at`

func scanTeamCredit(row pgx.Row) (*TeamCredit, error) {
	tc := &TeamCredit{}
	var periodSeconds int64
	err := row.Scan(
		&tc.TeamID,
		&tc.Allocated,
		&tc.Used,
		&tc.AllowOverdraft,
		&tc.AutoRefillAmount,
		&periodSeconds,
		&tc.LastRefillAt,
		&tc.Version,
		&tc.CreatedAt,
		&tc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tc.AutoRefillPeriod = time.Duration(periodSeconds) * time.Second
	return tc, nil
}

// Get retrieves the ledger row for a team.
func (s *Store) Get(ctx context.Context, teamID string) (*TeamCredit, error) {
	query := fmt.Sprintf(`SELECT %s FROM team_credits WHERE team_id = $1`, teamCreditColumns)
	tc, err := scanTeamCredit(s.pool.QueryRow(ctx, query, teamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoBalance
		}
		return nil, fmt.Errorf("getting team credits: %w", err)
	}
	return tc, nil
}

// Create inserts a fresh ledger row and its opening transaction atomically.
func (s *Store) Create(ctx context.Context, tc *TeamCredit, txn *Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO team_credits
			(team_id, credits_allocated, credits_used, allow_overdraft,
			 auto_refill_amount, auto_refill_period_seconds, last_refill_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		tc.TeamID, tc.Allocated, tc.Used, tc.AllowOverdraft,
		tc.AutoRefillAmount, int64(tc.AutoRefillPeriod/time.Second), tc.LastRefillAt,
	)
	if err != nil {
		return fmt.Errorf("inserting team credits: %w", err)
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing team credits: %w", err)
	}
	tc.Version = 1
	return nil
}

// Commit writes the updated row iff the stored version still matches
// expectVersion, inserting the paired audit row in the same transaction.
// txn may be nil for policy-only changes that do not move the balance.
func (s *Store) Commit(ctx context.Context, tc *TeamCredit, expectVersion int64, txn *Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE team_credits SET
			credits_allocated = $2,
			credits_used = $3,
			allow_overdraft = $4,
			auto_refill_amount = $5,
			auto_refill_period_seconds = $6,
			last_refill_at = $7,
			version = version + 1,
			updated_at = now()
		 WHERE team_id = $1 AND version = $8`,
		tc.TeamID, tc.Allocated, tc.Used, tc.AllowOverdraft,
		tc.AutoRefillAmount, int64(tc.AutoRefillPeriod/time.Second), tc.LastRefillAt,
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("updating team credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if txn != nil {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ledger update: %w", err)
	}
	tc.Version = expectVersion + 1
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *Transaction) error {
	var jobID *string
	if txn.JobID != "" {
		jobID = &txn.JobID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions
			(id, team_id, kind, amount, balance_before, balance_after, job_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.TeamID, txn.Kind, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, jobID, txn.Reason, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting credit transaction: %w", err)
	}
	return nil
}

// ListTransactions returns a page of the team's audit log ordered by
// created_at DESC, id DESC using cursor-based pagination.
func (s *Store) ListTransactions(ctx context.Context, teamID string, params TransactionListParams) ([]*Transaction, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	const cols = `id, team_id, kind, amount, balance_before, balance_after,
		COALESCE(job_id, ''), reason, created_at`

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM credit_transactions
			 WHERE team_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			teamID, cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM credit_transactions
			 WHERE team_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			teamID, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing credit transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(
			&t.ID, &t.TeamID, &t.Kind, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.JobID, &t.Reason, &t.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning credit transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating credit transactions: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		txns = txns[:limit]
	}

	return txns, nextCursor, nil
}

// ListAutoRefill returns every ledger row with a configured refill policy.
func (s *Store) ListAutoRefill(ctx context.Context) ([]*TeamCredit, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM team_credits
		 WHERE auto_refill_amount > 0 AND auto_refill_period_seconds > 0
		 ORDER BY team_id`, teamCreditColumns)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing refill policies: %w", err)
	}
	defer rows.Close()

	var out []*TeamCredit
	for rows.Next() {
		tc, err := scanTeamCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning team credits: %w", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating team credits: %w", err)
	}
	return out, nil
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

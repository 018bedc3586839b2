package modelgroup

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

// Store provides database operations for model groups and their entries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetGroup retrieves a group and all its entries (active and inactive),
// ordered by priority then model name. It returns ErrUnknownGroup if the
// group does not exist.
func (s *Store) GetGroup(ctx context.Context, name string) (*Group, error) {
	g := &Group{}
	err := s.pool.QueryRow(ctx,
		`SELECT name, rate_limit, created_at, updated_at FROM model_groups WHERE name = $1`,
		name,
	).Scan(&g.Name, &g.RateLimit, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownGroup
		}
		return nil, fmt.Errorf("getting model group: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT model, priority, active
		 FROM model_group_entries
		 WHERE group_name = $1
		 ORDER BY priority, model`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("listing group entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Model, &e.Priority, &e.Active); err != nil {
			return nil, fmt.Errorf("scanning group entry: %w", err)
		}
		g.Entries = append(g.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group entries: %w", err)
	}
	return g, nil
}

// CreateGroup inserts a group and its initial entries in one transaction.
func (s *Store) CreateGroup(ctx context.Context, in CreateGroupInput) (*Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	g := &Group{Name: in.Name, RateLimit: in.RateLimit}
	err = tx.QueryRow(ctx,
		`INSERT INTO model_groups (name, rate_limit) VALUES ($1, $2) RETURNING created_at, updated_at`,
		in.Name, in.RateLimit,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating model group: %w", err)
	}

	for _, e := range in.Entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO model_group_entries (group_name, model, priority, active)
			 VALUES ($1, $2, $3, $4)`,
			in.Name, e.Model, e.Priority, e.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting entry %q: %w", e.Model, err)
		}
		g.Entries = append(g.Entries, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing model group: %w", err)
	}
	return g, nil
}

// UpsertEntry adds or replaces a single entry in the group.
func (s *Store) UpsertEntry(ctx context.Context, group string, in UpsertEntryInput) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO model_group_entries (group_name, model, priority, active)
		 SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM model_groups WHERE name = $1)
		 ON CONFLICT (group_name, model)
		 DO UPDATE SET priority = EXCLUDED.priority, active = EXCLUDED.active`,
		group, in.Model, in.Priority, in.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownGroup
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE model_groups SET updated_at = now() WHERE name = $1`, group)
	if err != nil {
		return fmt.Errorf("touching model group: %w", err)
	}
	return nil
}

// SetEntryActive flips the active flag on a single entry.
func (s *Store) SetEntryActive(ctx context.Context, group, model string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE model_group_entries SET active = $3
		 WHERE group_name = $1 AND model = $2`,
		group, model, active,
	)
	if err != nil {
		return fmt.Errorf("updating entry active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownGroup
	}
	return nil
}

// DeleteGroup removes a group and its entries.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM model_groups WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting model group: %w", err)
	}
	return nil
}

// ListGroups returns a page of groups ordered by created_at DESC, name DESC
// using cursor-based pagination. Entries are not populated; use GetGroup for
// the full definition.
func (s *Store) ListGroups(ctx context.Context, params GroupListParams) ([]*Group, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorName, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT name, rate_limit, created_at, updated_at FROM model_groups
			 WHERE (created_at, name) < ($1, $2)
			 ORDER BY created_at DESC, name DESC
			 LIMIT $3`,
			cursorTime, cursorName, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT name, rate_limit, created_at, updated_at FROM model_groups
			 ORDER BY created_at DESC, name DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing model groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g := &Group{}
		if err := rows.Scan(&g.Name, &g.RateLimit, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning model group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating model group rows: %w", err)
	}

	var nextCursor string
	if len(groups) > limit {
		last := groups[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.Name)
		groups = groups[:limit]
	}

	return groups, nextCursor, nil
}

// encodeCursor produces a base64 string from a created_at timestamp and name.
func encodeCursor(createdAt time.Time, name string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + name
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and name parts.
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

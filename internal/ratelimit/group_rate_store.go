package ratelimit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GroupRateOverride represents a team-scoped rate limit override for a model
// group.
type GroupRateOverride struct {
	ID        string `json:"id"`
	GroupName string `json:"group_name"`
	Scope     string `json:"scope"`
	ScopeID   string `json:"scope_id"`
	RateLimit int    `json:"rate_limit"`
}

// GroupRateLimitStore provides CRUD for group_rate_limits and resolution of
// effective rates.
type GroupRateLimitStore struct {
	pool *pgxpool.Pool
}

// NewGroupRateLimitStore creates a new GroupRateLimitStore.
func NewGroupRateLimitStore(pool *pgxpool.Pool) *GroupRateLimitStore {
	return &GroupRateLimitStore{pool: pool}
}

// ListByGroup returns all rate limit overrides for the given model group.
func (s *GroupRateLimitStore) ListByGroup(ctx context.Context, group string) ([]GroupRateOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_name, scope, scope_id, rate_limit
		 FROM group_rate_limits WHERE group_name = $1 ORDER BY scope, scope_id`, group)
	if err != nil {
		return nil, fmt.Errorf("listing group rate limits: %w", err)
	}
	defer rows.Close()

	var overrides []GroupRateOverride
	for rows.Next() {
		var o GroupRateOverride
		if err := rows.Scan(&o.ID, &o.GroupName, &o.Scope, &o.ScopeID, &o.RateLimit); err != nil {
			return nil, fmt.Errorf("scanning group rate limit: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// Set upserts a rate limit override for a group+scope+scopeID combination.
func (s *GroupRateLimitStore) Set(ctx context.Context, group, scope, scopeID string, rate int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_rate_limits (group_name, scope, scope_id, rate_limit)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_name, scope, scope_id) DO UPDATE SET rate_limit = EXCLUDED.rate_limit`,
		group, scope, scopeID, rate)
	if err != nil {
		return fmt.Errorf("upserting group rate limit: %w", err)
	}
	return nil
}

// Delete removes a rate limit override for a group+scope+scopeID combination.
func (s *GroupRateLimitStore) Delete(ctx context.Context, group, scope, scopeID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM group_rate_limits WHERE group_name = $1 AND scope = $2 AND scope_id = $3`,
		group, scope, scopeID)
	if err != nil {
		return fmt.Errorf("deleting group rate limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Resolve returns the effective rate limits for a model group across both
// scopes. globalRate comes from model_groups.rate_limit, teamRate from
// group_rate_limits. A zero value means no limit is configured for that
// scope.
func (s *GroupRateLimitStore) Resolve(ctx context.Context, group, teamID string) (globalRate, teamRate int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(g.rate_limit, 0),
			COALESCE((SELECT grl.rate_limit FROM group_rate_limits grl
			          WHERE grl.group_name = g.name AND grl.scope = 'team' AND grl.scope_id = $2), 0)
		FROM model_groups g
		WHERE g.name = $1`,
		group, teamID,
	).Scan(&globalRate, &teamRate)
	if err != nil {
		err = fmt.Errorf("resolving group rate limits: %w", err)
	}
	return
}

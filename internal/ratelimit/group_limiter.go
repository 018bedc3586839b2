package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// GroupRateLimiter checks per-model-group rate limits across global and team
// scopes.
type GroupRateLimiter struct {
	store   *GroupRateLimitStore
	limiter *Limiter
}

// NewGroupRateLimiter creates a GroupRateLimiter using the given store and
// in-memory limiter.
func NewGroupRateLimiter(store *GroupRateLimitStore, limiter *Limiter) *GroupRateLimiter {
	return &GroupRateLimiter{store: store, limiter: limiter}
}

// CheckGroupRateLimit resolves the applicable rates for the model group and
// checks all non-zero buckets. All buckets must allow for the request to
// proceed. Returns the tightest limit info for response headers.
func (grl *GroupRateLimiter) CheckGroupRateLimit(ctx context.Context, group, teamID string) (allowed bool, limit, remaining int, resetAt time.Time, err error) {
	globalRate, teamRate, err := grl.store.Resolve(ctx, group, teamID)
	if err != nil {
		return false, 0, 0, time.Time{}, err
	}

	// No group-level rate limits configured at all.
	if globalRate == 0 && teamRate == 0 {
		return true, 0, 0, time.Time{}, nil
	}

	type scopeCheck struct {
		key  string
		rate int
	}

	var checks []scopeCheck
	if globalRate > 0 {
		checks = append(checks, scopeCheck{
			key:  fmt.Sprintf("group:%s", group),
			rate: globalRate,
		})
	}
	if teamRate > 0 && teamID != "" {
		checks = append(checks, scopeCheck{
			key:  fmt.Sprintf("group:%s:team:%s", group, teamID),
			rate: teamRate,
		})
	}

	if len(checks) == 0 {
		return true, 0, 0, time.Time{}, nil
	}

	// All buckets must allow. Track the tightest for headers.
	allowed = true
	for _, c := range checks {
		if !grl.limiter.Allow(c.key, c.rate) {
			allowed = false
		}
		l, r, rst := grl.limiter.Status(c.key, c.rate)
		if limit == 0 || l < limit {
			limit = l
			remaining = r
			resetAt = rst
		}
	}

	return allowed, limit, remaining, resetAt, nil
}

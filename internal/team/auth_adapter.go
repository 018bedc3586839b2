package team

import (
	"context"

	"github.com/alecgard/centime/internal/auth"
)

// AuthAdapter wraps a team Store to satisfy auth.TeamLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges team.Store to auth.TeamLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a team by API key hash and converts to auth.Team.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Team, error) {
	t, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Team{
		ID:        t.ID,
		Name:      t.Name,
		Status:    t.Status,
		RateLimit: t.RateLimit,
	}, nil
}

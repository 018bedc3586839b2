package team

import "time"

// Team statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Team represents a tenant of the gateway. Jobs, calls and credit balances
// all hang off a team.
type Team struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateTeamInput holds the fields required to create a new team.
type CreateTeamInput struct {
	Name         string `json:"name"`
	APIKeyHash   string `json:"api_key_hash"`
	APIKeyPrefix string `json:"api_key_prefix"`
	RateLimit    int    `json:"rate_limit"`
}

// UpdateTeamInput holds optional fields for a partial team update.
type UpdateTeamInput struct {
	Name      *string `json:"name,omitempty"`
	Status    *string `json:"status,omitempty"`
	RateLimit *int    `json:"rate_limit,omitempty"`
}

// TeamListParams controls cursor-based pagination for listing teams.
type TeamListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

package modelgroup

import "time"

// Group is a named routing policy: an ordered list of candidate upstream
// models tried in ascending priority order.
type Group struct {
	Name      string    `json:"name"`
	Entries   []Entry   `json:"entries"`
	RateLimit int       `json:"rate_limit"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one candidate model within a group. Priority 0 is the primary;
// values need not be contiguous. Only active entries are eligible for
// resolution.
type Entry struct {
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// Candidate is a resolved, eligible model returned by the Resolver.
type Candidate struct {
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// CreateGroupInput holds the fields required to create a new group.
type CreateGroupInput struct {
	Name      string  `json:"name"`
	Entries   []Entry `json:"entries"`
	RateLimit int     `json:"rate_limit"`
}

// UpsertEntryInput adds or replaces a single entry in a group.
type UpsertEntryInput struct {
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// GroupListParams controls cursor-based pagination for listing groups.
type GroupListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

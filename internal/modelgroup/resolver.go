package modelgroup

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Resolution errors. Stores return ErrUnknownGroup for missing groups so the
// Resolver can pass it through unchanged.
var (
	ErrUnknownGroup   = errors.New("unknown model group")
	ErrNoActiveModels = errors.New("model group has no active models")
)

// GroupSource is the interface for loading a group with its entries.
type GroupSource interface {
	GetGroup(ctx context.Context, name string) (*Group, error)
}

// Resolver maps a logical group name to the ordered list of eligible
// candidate models.
type Resolver struct {
	source GroupSource
}

// NewResolver creates a Resolver over the given group source.
func NewResolver(source GroupSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the group's active entries as candidates ordered by
// ascending priority. It returns ErrUnknownGroup if the group does not exist
// and ErrNoActiveModels if it exists but has no active entries.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]Candidate, error) {
	g, err := r.source.GetGroup(ctx, name)
	if err != nil {
		if errors.Is(err, ErrUnknownGroup) {
			return nil, fmt.Errorf("resolving %q: %w", name, ErrUnknownGroup)
		}
		return nil, fmt.Errorf("loading model group %q: %w", name, err)
	}

	var candidates []Candidate
	for _, e := range g.Entries {
		if !e.Active {
			continue
		}
		candidates = append(candidates, Candidate{Model: e.Model, Priority: e.Priority})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("resolving %q: %w", name, ErrNoActiveModels)
	}

	// Stable, so entries sharing a priority keep their stored order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	return candidates, nil
}

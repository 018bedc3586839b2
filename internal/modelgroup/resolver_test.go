package modelgroup

import (
	"context"
	"errors"
	"testing"
)

// fakeSource serves groups from a map, returning ErrUnknownGroup for misses.
type fakeSource struct {
	groups map[string]*Group
}

func (f *fakeSource) GetGroup(_ context.Context, name string) (*Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return g, nil
}

func TestResolve(t *testing.T) {
	src := &fakeSource{groups: map[string]*Group{
		"chat-default": {
			Name: "chat-default",
			Entries: []Entry{
				{Model: "gpt-4o-mini", Priority: 1, Active: true},
				{Model: "gpt-4o", Priority: 0, Active: true},
				{Model: "claude-3-haiku", Priority: 2, Active: false},
			},
		},
		"all-inactive": {
			Name: "all-inactive",
			Entries: []Entry{
				{Model: "gpt-4o", Priority: 0, Active: false},
			},
		},
		"empty": {Name: "empty"},
		"tied": {
			Name: "tied",
			Entries: []Entry{
				{Model: "model-a", Priority: 5, Active: true},
				{Model: "model-b", Priority: 5, Active: true},
				{Model: "model-c", Priority: 1, Active: true},
			},
		},
	}}
	r := NewResolver(src)
	ctx := context.Background()

	tests := []struct {
		name       string
		group      string
		wantModels []string
		wantErr    error
	}{
		{
			name:       "orders by ascending priority and drops inactive",
			group:      "chat-default",
			wantModels: []string{"gpt-4o", "gpt-4o-mini"},
		},
		{
			name:    "unknown group",
			group:   "nope",
			wantErr: ErrUnknownGroup,
		},
		{
			name:    "all entries inactive",
			group:   "all-inactive",
			wantErr: ErrNoActiveModels,
		},
		{
			name:    "no entries at all",
			group:   "empty",
			wantErr: ErrNoActiveModels,
		},
		{
			name:       "equal priorities keep stored order",
			group:      "tied",
			wantModels: []string{"model-c", "model-a", "model-b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.group)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.wantModels) {
				t.Fatalf("expected %d candidates, got %d", len(tt.wantModels), len(got))
			}
			for i, want := range tt.wantModels {
				if got[i].Model != want {
					t.Errorf("candidate %d: expected %q, got %q", i, want, got[i].Model)
				}
			}
		})
	}
}

func TestResolve_PrioritiesStrictlyAscending(t *testing.T) {
	src := &fakeSource{groups: map[string]*Group{
		"sparse": {
			Name: "sparse",
			Entries: []Entry{
				{Model: "m-100", Priority: 100, Active: true},
				{Model: "m-7", Priority: 7, Active: true},
				{Model: "m-0", Priority: 0, Active: true},
				{Model: "m-42", Priority: 42, Active: true},
			},
		},
	}}
	got, err := NewResolver(src).Resolve(context.Background(), "sparse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Priority > got[i].Priority {
			t.Fatalf("candidates not in ascending priority order: %v", got)
		}
	}
}

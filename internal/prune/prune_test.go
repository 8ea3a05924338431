package prune

import (
	"context"
	"testing"
	"time"

	"github.com/streamforge/ingestd/internal/model"
)

type fakeStore struct {
	stale    []model.Stream
	disabled []model.Stream
	deleted  []string
	cutoff   time.Time
}

func (f *fakeStore) ListStaleStreams(ctx context.Context, sourceID string, cutoff time.Time) ([]model.Stream, error) {
	f.cutoff = cutoff
	var out []model.Stream
	for _, st := range f.stale {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) ListStreamsInDisabledGroups(ctx context.Context, sourceID string) ([]model.Stream, error) {
	var out []model.Stream
	for _, st := range f.disabled {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) DeleteStreams(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	// Simulate real deletion: remove from both source lists so a second
	// pass (disabled) never re-matches an already-deleted (stale) row.
	f.stale = remove(f.stale, ids)
	f.disabled = remove(f.disabled, ids)
	return nil
}

func remove(streams []model.Stream, ids []string) []model.Stream {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var out []model.Stream
	for _, st := range streams {
		if !idSet[st.ID] {
			out = append(out, st)
		}
	}
	return out
}

func TestPrune_RejectsInvalidRetentionDays(t *testing.T) {
	store := &fakeStore{}
	p := New(store)

	if _, err := p.Prune(context.Background(), model.Source{ID: "src1", RetentionDays: 0}, time.Now()); err == nil {
		t.Error("expected error for retention_days=0")
	}
	if _, err := p.Prune(context.Background(), model.Source{ID: "src1", RetentionDays: -5}, time.Now()); err == nil {
		t.Error("expected error for negative retention_days")
	}
}

func TestPrune_SumsBothPredicatesWithoutDoubleCounting(t *testing.T) {
	store := &fakeStore{
		stale:    []model.Stream{{ID: "s1"}, {ID: "shared"}},
		disabled: []model.Stream{{ID: "d1"}, {ID: "shared"}},
	}
	p := New(store)

	res, err := p.Prune(context.Background(), model.Source{ID: "src1", RetentionDays: 7}, time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.DeletedStale != 2 {
		t.Errorf("DeletedStale = %d, want 2", res.DeletedStale)
	}
	if res.DeletedDisabled != 1 {
		t.Errorf("DeletedDisabled = %d, want 1 (shared row already gone)", res.DeletedDisabled)
	}
	if res.Total() != 3 {
		t.Errorf("Total = %d, want 3", res.Total())
	}
}

func TestPrune_UsesScanStartNotNow(t *testing.T) {
	store := &fakeStore{}
	p := New(store)

	scanStart := time.Now().Add(-48 * time.Hour)
	_, err := p.Prune(context.Background(), model.Source{ID: "src1", RetentionDays: 1}, scanStart)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if want := scanStart.AddDate(0, 0, -1); !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want scanStart - 1 day = %v", store.cutoff, want)
	}
}

func TestPrune_NoStreamsIsANoOp(t *testing.T) {
	store := &fakeStore{}
	p := New(store)

	res, err := p.Prune(context.Background(), model.Source{ID: "src1", RetentionDays: 30}, time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.Total() != 0 {
		t.Errorf("Total = %d, want 0", res.Total())
	}
}

package rehash

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/stream"
)

// fakeLockStore is an in-memory lock.Store fake, same shape as
// internal/lock's own test fake.
type fakeLockStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{data: map[string]string{}}
}

func (f *fakeLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeLockStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

type fakeStore struct {
	sources  []model.Source
	streams  []model.Stream
	hashes   map[string]string // streamID -> new hash
	merged   map[string]string // loserID -> winnerID
	copied   map[string]model.Stream
}

func newFakeStore() *fakeStore {
	return &fakeStore{hashes: map[string]string{}, merged: map[string]string{}, copied: map[string]model.Stream{}}
}

func (f *fakeStore) ListActiveSources(ctx context.Context) ([]model.Source, error) { return f.sources, nil }
func (f *fakeStore) AllStreams(ctx context.Context) ([]model.Stream, error)        { return f.streams, nil }

func (f *fakeStore) SetStreamHash(ctx context.Context, tx pgx.Tx, streamID, newHash string) error {
	f.hashes[streamID] = newHash
	return nil
}

func (f *fakeStore) CopyStreamContent(ctx context.Context, tx pgx.Tx, targetID string, src model.Stream) error {
	f.copied[targetID] = src
	return nil
}

func (f *fakeStore) MergeStreams(ctx context.Context, tx pgx.Tx, winnerID, loserID string) error {
	f.merged[loserID] = winnerID
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func TestRehash_NoCollisions(t *testing.T) {
	store := newFakeStore()
	store.sources = []model.Source{{ID: "s1"}}
	store.streams = []model.Stream{
		{ID: "st1", Name: "A", URL: "http://x/1", SourceID: "s1", UpdatedAt: time.Now()},
		{ID: "st2", Name: "B", URL: "http://x/2", SourceID: "s1", UpdatedAt: time.Now()},
	}
	locker := lock.New(newFakeLockStore())
	rh := New(store, locker)

	res, err := rh.Rehash(context.Background(), []stream.KeyField{stream.KeyName, stream.KeyURL})
	if err != nil {
		t.Fatalf("Rehash: %v", err)
	}
	if res.TotalProcessed != 2 || res.DuplicatesMerged != 0 || res.FinalCount != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(store.hashes) != 2 {
		t.Errorf("expected 2 hashes set, got %d", len(store.hashes))
	}
}

func TestRehash_MergesDuplicatesProducedByNewKeys(t *testing.T) {
	store := newFakeStore()
	store.sources = []model.Source{{ID: "s1"}, {ID: "s2"}}
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	store.streams = []model.Stream{
		{ID: "st1", Name: "Same Name", URL: "http://x/1", SourceID: "s1", UpdatedAt: older},
		{ID: "st2", Name: "Same Name", URL: "http://x/2", SourceID: "s2", UpdatedAt: newer},
	}
	locker := lock.New(newFakeLockStore())
	rh := New(store, locker)

	// Hashing by name only (excludes url and source) forces a collision.
	res, err := rh.Rehash(context.Background(), []stream.KeyField{stream.KeyName})
	if err != nil {
		t.Fatalf("Rehash: %v", err)
	}
	if res.DuplicatesMerged != 1 {
		t.Fatalf("duplicates merged = %d, want 1", res.DuplicatesMerged)
	}
	if res.FinalCount != 1 {
		t.Fatalf("final count = %d, want 1", res.FinalCount)
	}
	if store.merged["st2"] != "st1" {
		t.Errorf("expected st2 merged into st1 (first tracked survives as K), got %v", store.merged)
	}
	// st2 is newer, so its content should have been copied onto survivor st1.
	if _, ok := store.copied["st1"]; !ok {
		t.Error("expected newer duplicate's content to be copied onto the survivor")
	}
}

func TestRehash_AbortsWhenAnySourceLockContended(t *testing.T) {
	store := newFakeStore()
	store.sources = []model.Source{{ID: "s1"}, {ID: "s2"}}
	lockStore := newFakeLockStore()
	lockStore.data[lock.Key(lock.OpRefreshSingleSource, "s2")] = "1" // a refresh of s2 is running

	locker := lock.New(lockStore)
	rh := New(store, locker)

	_, err := rh.Rehash(context.Background(), []stream.KeyField{stream.KeyName})
	if err == nil {
		t.Fatal("expected error when a source's lock is already held")
	}
	// s1's lock must have been released again after the all-or-nothing abort.
	if _, held := lockStore.data[lock.Key(lock.OpRefreshSingleSource, "s1")]; held {
		t.Error("expected s1's lock to be released after abort")
	}
}

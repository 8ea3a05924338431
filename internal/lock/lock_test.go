package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streamforge/ingestd/internal/ingesterr"
)

// fakeStore is an in-memory Store, mirroring the ratelimit package's
// test-fake convention of a plain map guarded by a mutex.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestAcquire_SucceedsWhenFree(t *testing.T) {
	s := New(newFakeStore())
	if err := s.Acquire(context.Background(), OpRefreshSingleSource, "src1", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestAcquire_ContendedWhenHeld(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()
	if err := s.Acquire(ctx, OpRefreshSingleSource, "src1", time.Minute); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	err := s.Acquire(ctx, OpRefreshSingleSource, "src1", time.Minute)
	if !ingesterr.Is(err, ingesterr.LockContended) {
		t.Fatalf("expected LockContended, got %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()
	s.Acquire(ctx, OpRehashStreams, "src1", time.Minute)
	if err := s.Release(ctx, OpRehashStreams, "src1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Acquire(ctx, OpRehashStreams, "src1", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestDifferentOperationsDoNotCollide(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()
	if err := s.Acquire(ctx, OpRefreshSingleSource, "src1", time.Minute); err != nil {
		t.Fatalf("Acquire refresh: %v", err)
	}
	if err := s.Acquire(ctx, OpRehashStreams, "src1", time.Minute); err != nil {
		t.Fatalf("Acquire rehash for same resource but different op should succeed: %v", err)
	}
}

func TestAcquireAll_AllOrNothing(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	ctx := context.Background()

	// Pre-hold src2's lock so the all-or-nothing acquire fails partway.
	if err := s.Acquire(ctx, OpRehashStreams, "src2", time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	err := s.AcquireAll(ctx, OpRehashStreams, []string{"src1", "src2", "src3"}, time.Minute)
	if !ingesterr.Is(err, ingesterr.LockContended) {
		t.Fatalf("expected LockContended, got %v", err)
	}

	// src1 must have been released again since the overall acquire failed.
	if err := s.Acquire(ctx, OpRehashStreams, "src1", time.Minute); err != nil {
		t.Fatalf("src1 should have been released after failed AcquireAll: %v", err)
	}
	// src3 was never reached, so it should also be acquirable.
	if err := s.Acquire(ctx, OpRehashStreams, "src3", time.Minute); err != nil {
		t.Fatalf("src3 should be acquirable: %v", err)
	}
}

func TestAcquireAll_SucceedsWhenAllFree(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()
	if err := s.AcquireAll(ctx, OpRehashStreams, []string{"a", "b", "c"}, time.Minute); err != nil {
		t.Fatalf("AcquireAll: %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	s := New(newFakeStore())
	ctx := context.Background()
	ids := []string{"a", "b", "c"}
	if err := s.AcquireAll(ctx, OpRehashStreams, ids, time.Minute); err != nil {
		t.Fatalf("AcquireAll: %v", err)
	}
	s.ReleaseAll(ctx, OpRehashStreams, ids)
	if err := s.AcquireAll(ctx, OpRehashStreams, ids, time.Minute); err != nil {
		t.Fatalf("expected all locks to be free after ReleaseAll: %v", err)
	}
}

func TestKey_Format(t *testing.T) {
	got := Key(OpRefreshSingleSource, "abc-123")
	want := "lock:refresh_single_source:abc-123"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

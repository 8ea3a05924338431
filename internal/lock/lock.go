// Package lock implements the Task-Lock Service (§4.8): cluster-wide
// mutual exclusion per (operation, resource-id) pair backed by a shared
// key-value store with a TTL bounded at the guarded operation's expected
// upper bound.
//
// Grounded on internal/ratelimit's Store-interface-plus-RedisStore split
// (ratelimit.go / redis_store.go): a small interface here too, so tests
// can supply an in-memory fake without a live Redis, and the production
// adapter is a thin go-redis wrapper.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/streamforge/ingestd/internal/ingesterr"
	"github.com/streamforge/ingestd/internal/metrics"
)

// Operation names the guarded operation, used as the lock key's first
// segment. Only these three operations are ever locked, per §4.8.
type Operation string

const (
	OpRefreshSingleSource  Operation = "refresh_single_source"
	OpRefreshSourceGroups  Operation = "refresh_source_groups"
	OpRehashStreams        Operation = "rehash_streams"
)

// Store is the minimal key-value primitive the lock service needs.
type Store interface {
	// SetNX sets key to value with the given TTL only if key does not
	// already exist; returns true if the set happened (lock acquired).
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Del removes one or more keys unconditionally.
	Del(ctx context.Context, keys ...string) error
}

// Service acquires and releases task locks.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Key builds the lock:<operation>:<resource-id> key.
func Key(op Operation, resourceID string) string {
	return fmt.Sprintf("lock:%s:%s", op, resourceID)
}

// Acquire attempts to atomically set the lock key, returning
// ingesterr.LockContended if another holder already has it.
func (s *Service) Acquire(ctx context.Context, op Operation, resourceID string, ttl time.Duration) error {
	ok, err := s.store.SetNX(ctx, Key(op, resourceID), "1", ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", Key(op, resourceID), err)
	}
	if !ok {
		metrics.LockContended.WithLabelValues(string(op)).Inc()
		return ingesterr.New(ingesterr.LockContended, fmt.Sprintf("lock already held: %s", Key(op, resourceID)))
	}
	return nil
}

// Release deletes the lock key unconditionally. Callers must invoke this
// in a guaranteed-release (defer) block regardless of how the guarded
// operation concluded.
func (s *Service) Release(ctx context.Context, op Operation, resourceID string) error {
	return s.store.Del(ctx, Key(op, resourceID))
}

// AcquireAll attempts to acquire a lock for every resource id in ids, for
// the same operation. If any acquisition fails, every lock acquired so
// far in this call is released before returning the error — used by the
// rehash operation, which must hold every active source's lock or none
// (§4.7 coordination).
func (s *Service) AcquireAll(ctx context.Context, op Operation, ids []string, ttl time.Duration) error {
	held := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.Acquire(ctx, op, id, ttl); err != nil {
			for _, h := range held {
				s.Release(ctx, op, h)
			}
			return err
		}
		held = append(held, id)
	}
	return nil
}

// ReleaseAll releases the lock for every resource id in ids, for the same
// operation, best-effort (errors from individual releases are ignored —
// a TTL will still reclaim an unreleased lock eventually).
func (s *Service) ReleaseAll(ctx context.Context, op Operation, ids []string) {
	for _, id := range ids {
		s.Release(ctx, op, id)
	}
}

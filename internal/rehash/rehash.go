// Package rehash implements the Rehasher (§4.7): recompute every
// stream's content-addressed hash under a new key list, merging any
// duplicates the change produces.
//
// Grounded on spec §4.7's algorithm directly; lock coordination style
// borrowed from services/content_acquirer/acquirer.go's
// acquire-everything-or-abort discipline, adapted from Postgres advisory
// locks to the Redis-backed internal/lock.Service (its AcquireAll /
// ReleaseAll were built specifically to carry this all-or-nothing
// contract).
package rehash

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/metrics"
	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/stream"
)

const lockTTL = 30 * time.Minute

// Store is the persistence seam the Rehasher needs.
type Store interface {
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	AllStreams(ctx context.Context) ([]model.Stream, error)
	SetStreamHash(ctx context.Context, tx pgx.Tx, streamID, newHash string) error
	CopyStreamContent(ctx context.Context, tx pgx.Tx, targetID string, src model.Stream) error
	MergeStreams(ctx context.Context, tx pgx.Tx, winnerID, loserID string) error
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Reporter receives batch-level progress, same narrow-interface seam as
// internal/fetch.Reporter and internal/stream.Reporter.
type Reporter interface {
	ReportRehashProgress(ctx context.Context, progress float64, totalProcessed, duplicatesMerged, finalCount int)
	ReportRehashBlocked(ctx context.Context, message string)
}

type noopReporter struct{}

func (noopReporter) ReportRehashProgress(context.Context, float64, int, int, int) {}
func (noopReporter) ReportRehashBlocked(context.Context, string)                  {}

type Rehasher struct {
	store     Store
	locker    *lock.Service
	reporter  Reporter
	batchSize int
}

type Option func(*Rehasher)

func WithReporter(r Reporter) Option { return func(rh *Rehasher) { rh.reporter = r } }
func WithBatchSize(n int) Option     { return func(rh *Rehasher) { rh.batchSize = n } }

func New(store Store, locker *lock.Service, opts ...Option) *Rehasher {
	rh := &Rehasher{store: store, locker: locker, reporter: noopReporter{}, batchSize: 1500}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// Result carries the final event payload of §4.7: "{total_processed,
// duplicates_merged, final_count}".
type Result struct {
	TotalProcessed   int
	DuplicatesMerged int
	FinalCount       int
}

// Rehash recomputes every stream's hash under newKeys, merging the
// duplicates the change produces. It acquires every active Source's
// refresh lock first; if any cannot be acquired, it releases everything
// it did acquire and returns a LockContended-flavored error without
// touching a single row.
func (rh *Rehasher) Rehash(ctx context.Context, newKeys []stream.KeyField) (Result, error) {
	sources, err := rh.store.ListActiveSources(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active sources: %w", err)
	}
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}

	if err := rh.locker.AcquireAll(ctx, lock.OpRefreshSingleSource, ids, lockTTL); err != nil {
		rh.reporter.ReportRehashBlocked(ctx, "blocked")
		return Result{}, err
	}
	defer rh.locker.ReleaseAll(ctx, lock.OpRefreshSingleSource, ids)

	all, err := rh.store.AllStreams(ctx)
	if err != nil {
		// §7: the rehash operation uniquely re-raises any unexpected error
		// after releasing all its locks (the defer above already covers
		// the release; we simply propagate here).
		return Result{}, fmt.Errorf("load streams: %w", err)
	}

	batches := partition(all, rh.batchSize)
	tracked := make(map[string]model.Stream, len(all)) // new_hash -> surviving record

	var result Result
	for batchIdx, batch := range batches {
		err := rh.store.WithTx(ctx, func(tx pgx.Tx) error {
			for _, st := range batch {
				ps := model.ParsedStream{Name: st.Name, URL: st.URL, Attrs: map[string]string{"tvg-id": st.TvgID}}
				newHash := stream.ComputeHash(newKeys, ps, st.SourceID)

				winner, collided := tracked[newHash]
				if !collided {
					if err := rh.store.SetStreamHash(ctx, tx, st.ID, newHash); err != nil {
						return fmt.Errorf("set hash for stream %s: %w", st.ID, err)
					}
					st.StreamHash = newHash
					tracked[newHash] = st
					result.TotalProcessed++
					continue
				}

				// Collision: winner (K) was tracked first; st (S) is the
				// newly-processed duplicate and is always the one deleted,
				// but if S is actually fresher its content is copied onto K.
				if st.UpdatedAt.After(winner.UpdatedAt) {
					if err := rh.store.CopyStreamContent(ctx, tx, winner.ID, st); err != nil {
						return fmt.Errorf("copy content onto survivor %s: %w", winner.ID, err)
					}
					winner.Name, winner.URL, winner.TvgID = st.Name, st.URL, st.TvgID
					winner.UpdatedAt = st.UpdatedAt
					tracked[newHash] = winner
				}
				if err := rh.store.MergeStreams(ctx, tx, winner.ID, st.ID); err != nil {
					return fmt.Errorf("merge stream %s into %s: %w", st.ID, winner.ID, err)
				}
				metrics.StreamsMerged.Inc()
				result.TotalProcessed++
				result.DuplicatesMerged++
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}

		progress := float64(batchIdx+1) / float64(len(batches)) * 100
		result.FinalCount = result.TotalProcessed - result.DuplicatesMerged
		rh.reporter.ReportRehashProgress(ctx, progress, result.TotalProcessed, result.DuplicatesMerged, result.FinalCount)
	}

	result.FinalCount = result.TotalProcessed - result.DuplicatesMerged
	return result, nil
}

func partition(streams []model.Stream, size int) [][]model.Stream {
	if len(streams) == 0 {
		return nil
	}
	var out [][]model.Stream
	for i := 0; i < len(streams); i += size {
		end := i + size
		if end > len(streams) {
			end = len(streams)
		}
		out = append(out, streams[i:end])
	}
	return out
}

// Package prune implements the Stale Pruner (§4.5): run after the Stream
// Upserter, before channel projection, to delete streams that fell out of
// an enabled group or aged past the Source's retention window.
//
// Grounded on original_source/apps/m3u/tasks.py's cleanup_streams: the
// two independent delete predicates (disabled group, stale last_seen)
// are kept as two separate queries whose affected-row counts are simply
// summed, matching the original's two separate queryset deletes rather
// than a single combined OR query — this also keeps each query's plan
// simple and index-friendly.
package prune

import (
	"context"
	"fmt"
	"time"

	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/outbox"
	"github.com/streamforge/ingestd/internal/validate"
)

// Store is the persistence seam the Pruner needs.
type Store interface {
	ListStaleStreams(ctx context.Context, sourceID string, cutoff time.Time) ([]model.Stream, error)
	ListStreamsInDisabledGroups(ctx context.Context, sourceID string) ([]model.Stream, error)
	DeleteStreams(ctx context.Context, ids []string) error
}

// EventAppender is the narrow seam the Pruner needs to emit
// stream.deleted events; *internal/outbox.Appender satisfies it.
// DeleteStreams runs directly against the pool rather than a caller
// transaction (there is no surrounding tx to join here), so events are
// appended fire-and-forget via Append rather than AppendTx.
type EventAppender interface {
	Append(ctx context.Context, eventType outbox.EventType, payload map[string]any)
}

type noopEvents struct{}

func (noopEvents) Append(context.Context, outbox.EventType, map[string]any) {}

type Pruner struct {
	store  Store
	events EventAppender
}

// Option configures a Pruner.
type Option func(*Pruner)

func WithEvents(e EventAppender) Option { return func(p *Pruner) { p.events = e } }

func New(store Store, opts ...Option) *Pruner {
	p := &Pruner{store: store, events: noopEvents{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports how many streams were removed by each predicate, for
// the stream.deleted event count and the refresh summary message.
type Result struct {
	DeletedStale    int
	DeletedDisabled int
	DeletedIDs      []string
}

func (r Result) Total() int { return r.DeletedStale + r.DeletedDisabled }

func idsOf(streams []model.Stream) []string {
	ids := make([]string, len(streams))
	for i, st := range streams {
		ids[i] = st.ID
	}
	return ids
}

// Prune deletes streams owned by source matching either of §4.5's
// predicates. scanStart is the timestamp captured at the start of the
// refresh (before the fetch), so the cutoff is scanStart - retentionDays,
// not time.Now() - retentionDays — a long-running refresh must not prune
// streams it just touched.
func (p *Pruner) Prune(ctx context.Context, source model.Source, scanStart time.Time) (Result, error) {
	var result Result

	if err := validate.IntInRange("retention_days", source.RetentionDays, 1, 3650); err != nil {
		return Result{}, fmt.Errorf("source %s has invalid retention_days: %w", source.ID, err)
	}

	// Run the two predicates as two sequential list-then-delete passes,
	// mirroring cleanup_streams's two independent queryset deletes: a row
	// matching both is removed by the first pass and simply will not
	// reappear in the second pass's query, so the two counts never
	// overlap and their sum is exactly the total rows removed.
	cutoff := scanStart.AddDate(0, 0, -source.RetentionDays)
	stale, err := p.store.ListStaleStreams(ctx, source.ID, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("list stale streams: %w", err)
	}
	staleIDs := idsOf(stale)
	if err := p.store.DeleteStreams(ctx, staleIDs); err != nil {
		return Result{}, fmt.Errorf("delete stale streams: %w", err)
	}
	result.DeletedStale = len(staleIDs)
	for _, st := range stale {
		p.events.Append(ctx, outbox.EventStreamDeleted, map[string]any{
			"source_id": source.ID, "stream_id": st.ID, "reason": "stale",
		})
	}

	disabled, err := p.store.ListStreamsInDisabledGroups(ctx, source.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list disabled-group streams: %w", err)
	}
	disabledIDs := idsOf(disabled)
	if err := p.store.DeleteStreams(ctx, disabledIDs); err != nil {
		return Result{}, fmt.Errorf("delete disabled-group streams: %w", err)
	}
	result.DeletedDisabled = len(disabledIDs)
	for _, st := range disabled {
		p.events.Append(ctx, outbox.EventStreamDeleted, map[string]any{
			"source_id": source.ID, "stream_id": st.ID, "reason": "disabled_group",
		})
	}

	result.DeletedIDs = append(staleIDs, disabledIDs...)
	return result, nil
}

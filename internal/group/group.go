// Package group implements the Group Reconciler (§4.3): given a Source's
// freshly parsed Groups dictionary, it brings persisted GroupMembership
// rows into alignment — creating, updating, and deleting memberships,
// and cascading the deletion of now-orphaned Group rows.
//
// Grounded on original_source/apps/m3u/tasks.py's process_groups: the
// resolve/bulk-create/diff/bulk-mutate shape is carried over directly,
// re-expressed as typed Go maps and slices instead of Django querysets.
package group

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/outbox"
)

// Store is the persistence seam the Reconciler needs, satisfied by
// *internal/storage.Store.
type Store interface {
	GetOrCreateGroup(ctx context.Context, tx pgx.Tx, name string) (model.Group, error)
	ListGroupMemberships(ctx context.Context, sourceID string) ([]model.GroupMembership, error)
	UpsertGroupMembership(ctx context.Context, tx pgx.Tx, m model.GroupMembership) (string, error)
	DeleteGroupMembership(ctx context.Context, tx pgx.Tx, membershipID string) error
	DeleteOrphanGroups(ctx context.Context) (int, error)
}

// EventAppender is the narrow seam the Reconciler needs from the Event Bus
// Adapter to emit channel_group.* events atomically with the membership
// write that caused them; *internal/outbox.Appender satisfies it.
type EventAppender interface {
	AppendTx(ctx context.Context, exec outbox.Executor, eventType outbox.EventType, payload map[string]any) error
}

type noopEvents struct{}

func (noopEvents) AppendTx(context.Context, outbox.Executor, outbox.EventType, map[string]any) error {
	return nil
}

type Reconciler struct {
	store  Store
	events EventAppender
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithEvents(e EventAppender) Option { return func(r *Reconciler) { r.events = e } }

func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, events: noopEvents{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result reports what changed, for the Orchestrator's summary message.
// Reconcile itself appends the channel_group.* events inside tx.
type Result struct {
	Created int
	Updated int
	Deleted int
	// Memberships maps every group name present in parsed to its resolved
	// membership, for the Stream Upserter's enabled-group lookup (§4.4).
	Memberships map[string]model.GroupMembership
}

// Reconcile runs the full algorithm of §4.3 against tx, which the caller
// (internal/orchestrator) is expected to commit as the sole transaction
// boundary for this phase.
func (r *Reconciler) Reconcile(ctx context.Context, tx pgx.Tx, source model.Source, parsed model.ParsedGroups) (Result, error) {
	existing, err := r.store.ListGroupMemberships(ctx, source.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list existing memberships: %w", err)
	}

	byName := make(map[string]model.GroupMembership, len(existing))
	for _, m := range existing {
		byName[m.GroupName] = m
	}

	result := Result{Memberships: make(map[string]model.GroupMembership, len(parsed))}

	// To-delete: memberships whose group name is no longer parsed.
	for name, m := range byName {
		if _, ok := parsed[name]; ok {
			continue
		}
		if err := r.store.DeleteGroupMembership(ctx, tx, m.ID); err != nil {
			return Result{}, fmt.Errorf("delete orphaned membership %q: %w", name, err)
		}
		if err := r.events.AppendTx(ctx, tx, outbox.EventGroupDeleted, map[string]any{
			"source_id": source.ID, "membership_id": m.ID, "group_id": m.GroupID, "group_name": name,
		}); err != nil {
			return Result{}, fmt.Errorf("append channel_group.deleted event %q: %w", name, err)
		}
		result.Deleted++
	}

	// To-update / to-create. parsed is a map, so the visiting order is not
	// defined.
	for name, upstreamProps := range parsed {
		m, has := byName[name]
		if !has {
			g, err := r.store.GetOrCreateGroup(ctx, tx, name)
			if err != nil {
				return Result{}, fmt.Errorf("get or create group %q: %w", name, err)
			}
			merged := mergeUpstreamWins(nil, upstreamProps)
			id, err := r.store.UpsertGroupMembership(ctx, tx, model.GroupMembership{
				SourceID:         source.ID,
				GroupID:          g.ID,
				GroupName:        name,
				Enabled:          true,
				CustomProperties: merged,
			})
			if err != nil {
				return Result{}, fmt.Errorf("create membership %q: %w", name, err)
			}
			created := model.GroupMembership{ID: id, SourceID: source.ID, GroupID: g.ID,
				GroupName: name, Enabled: true, CustomProperties: merged}
			if err := r.events.AppendTx(ctx, tx, outbox.EventGroupCreated, map[string]any{
				"source_id": source.ID, "membership_id": id, "group_id": g.ID, "group_name": name,
			}); err != nil {
				return Result{}, fmt.Errorf("append channel_group.created event %q: %w", name, err)
			}
			result.Memberships[name] = created
			result.Created++
			continue
		}

		// Existing membership: merge rule preserves every user key, only
		// upstream-provided keys are overwritten.
		merged := mergeUserWins(m.CustomProperties, upstreamProps)
		if !mapsEqual(m.CustomProperties, merged) {
			m.CustomProperties = merged
			if _, err := r.store.UpsertGroupMembership(ctx, tx, m); err != nil {
				return Result{}, fmt.Errorf("update membership %q: %w", name, err)
			}
			if err := r.events.AppendTx(ctx, tx, outbox.EventGroupUpdated, map[string]any{
				"source_id": source.ID, "membership_id": m.ID, "group_id": m.GroupID, "group_name": name,
			}); err != nil {
				return Result{}, fmt.Errorf("append channel_group.updated event %q: %w", name, err)
			}
			result.Updated++
		}
		result.Memberships[name] = m
	}

	if result.Deleted > 0 {
		if _, err := r.store.DeleteOrphanGroups(ctx); err != nil {
			return Result{}, fmt.Errorf("delete orphan groups: %w", err)
		}
	}

	return result, nil
}

// mergeUserWins copies existing, then overwrites only the keys present in
// upstream — used on an existing membership so user-added keys survive.
func mergeUserWins(existing, upstream map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(upstream))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range upstream {
		out[k] = v
	}
	return out
}

// mergeUpstreamWins is used for brand-new memberships where there is no
// user data yet to protect; identical in effect to mergeUserWins but
// named separately to mirror the two distinct cases §4.3 step 5
// describes (to-update vs to-create race merge).
func mergeUpstreamWins(existing, upstream map[string]any) map[string]any {
	return mergeUserWins(existing, upstream)
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// Package orchestrator implements the Refresh Orchestrator (§4.9): the
// sole externally triggered entry point for running one Source's refresh
// end to end, wiring together the Fetcher, Parser, Group Reconciler,
// Stream Upserter, Stale Pruner, and Auto-Channel Projector behind a
// single task lock.
//
// Grounded on original_source/apps/m3u/tasks.py's
// refresh_single_m3u_account for the phase sequence and status
// transitions, and on services/epg/internal/sync/sync.go's SyncSource for
// the "one method per phase, abort-and-mark-error on any failure" shape.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/autochannel"
	"github.com/streamforge/ingestd/internal/catalog"
	"github.com/streamforge/ingestd/internal/fetch"
	"github.com/streamforge/ingestd/internal/group"
	"github.com/streamforge/ingestd/internal/ingesterr"
	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/logger"
	"github.com/streamforge/ingestd/internal/metrics"
	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/outbox"
	"github.com/streamforge/ingestd/internal/playlist"
	"github.com/streamforge/ingestd/internal/prune"
	"github.com/streamforge/ingestd/internal/rehash"
	"github.com/streamforge/ingestd/internal/stream"
)

// refreshLockTTL bounds a single source's refresh; generous since a cold
// multi-cycle fetch of a large catalog can run long.
const refreshLockTTL = 30 * time.Minute

// Store is the persistence seam the Orchestrator needs, both directly and
// on behalf of the phase components it constructs (group.Reconciler,
// stream.Upserter, prune.Pruner, autochannel.Projector, rehash.Rehasher
// all accept the narrower interface they declare; *internal/storage.Store
// satisfies every one of them along with the methods below).
type Store interface {
	GetSource(ctx context.Context, id string) (model.Source, error)
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	SetSourceStatus(ctx context.Context, sourceID string, status model.SourceStatus, lastMessage string) error
	UpdateAccountInfo(ctx context.Context, sourceID string, info map[string]any) error
	ListFiltersForSource(ctx context.Context, sourceID string) ([]model.Filter, error)
	ChannelHasStream(ctx context.Context, channelID string) (bool, error)
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error

	group.Store
	stream.Store
	prune.Store
	autochannel.Store
	rehash.Store
}

// Reporter is the union of progress-reporting seams every phase
// component needs; internal/progress.Reporter satisfies it.
type Reporter interface {
	fetch.Reporter
	stream.Reporter
	rehash.Reporter
}

// EventAppender is the narrow seam Orchestrator needs from the Event Bus
// Adapter; *internal/outbox.Appender satisfies it. It is also passed down
// to the phase components (group.Reconciler, stream.Upserter,
// autochannel.Projector) so each can emit its own domain events via
// AppendTx inside the same transaction as the mutation that caused them.
type EventAppender interface {
	Append(ctx context.Context, eventType outbox.EventType, payload map[string]any)
	AppendTx(ctx context.Context, exec outbox.Executor, eventType outbox.EventType, payload map[string]any) error
}

// Orchestrator wires the refresh pipeline's phase components together.
type Orchestrator struct {
	store    Store
	locker   *lock.Service
	events   EventAppender
	reporter Reporter

	fetcher *fetch.Fetcher

	hashKeys        []stream.KeyField
	playlistWorkers int
	catalogWorkers  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithHashKeys(keys []stream.KeyField) Option {
	return func(o *Orchestrator) { o.hashKeys = keys }
}

func WithWorkerCounts(playlistWorkers, catalogWorkers int) Option {
	return func(o *Orchestrator) {
		if playlistWorkers > 0 {
			o.playlistWorkers = playlistWorkers
		}
		if catalogWorkers > 0 {
			o.catalogWorkers = catalogWorkers
		}
	}
}

// New builds an Orchestrator. fetcher is constructed by the caller
// (cmd/ingestd) since it owns the cache root and HTTP client options.
func New(store Store, locker *lock.Service, events EventAppender, reporter Reporter, fetcher *fetch.Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		locker:          locker,
		events:          events,
		reporter:        reporter,
		fetcher:         fetcher,
		hashKeys:        []stream.KeyField{stream.KeyURL, stream.KeyM3UAccountID},
		playlistWorkers: 2,
		catalogWorkers:  4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Summary is what RefreshSource returns internally and feeds into the
// m3u.refresh_completed event payload and the Source's last_message.
type Summary struct {
	GroupsCreated, GroupsUpdated, GroupsDeleted int
	StreamsCreated, StreamsUpdated              int
	StreamsPruned                               int
	ChannelsCreated, ChannelsUpdated, ChannelsDeleted int
}

// RefreshSource runs the full nine-step refresh sequence of §4.9 for one
// source. Any error in steps 3-8 aborts: Source -> Error,
// m3u.refresh_failed is emitted, the lock is released, and remaining
// phases are skipped.
func (o *Orchestrator) RefreshSource(ctx context.Context, sourceID string) error {
	// Step 1: acquire the exclusive refresh lock. Failure here never
	// touches Source status (§7's LockContended recovery policy).
	if err := o.locker.Acquire(ctx, lock.OpRefreshSingleSource, sourceID, refreshLockTTL); err != nil {
		metrics.RefreshesTotal.WithLabelValues("lock_contended").Inc()
		return err
	}
	defer o.locker.Release(ctx, lock.OpRefreshSingleSource, sourceID)

	source, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source %s: %w", sourceID, err)
	}

	// Step 2: capture scanStart before any fetch work, so the Stale
	// Pruner's cutoff never prunes streams this very refresh just touched.
	scanStart := time.Now()

	o.events.Append(ctx, outbox.EventRefreshStarted, map[string]any{"source_id": sourceID})

	metrics.ActiveRefreshes.Inc()
	defer metrics.ActiveRefreshes.Dec()
	stopTimer := metrics.Timer(metrics.RefreshDuration)
	defer stopTimer()

	summary, err := o.runPhases(ctx, source, scanStart)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("error").Inc()
		o.abort(ctx, source, err)
		return err
	}
	metrics.RefreshesTotal.WithLabelValues("success").Inc()
	metrics.StreamsUpserted.WithLabelValues("created").Add(float64(summary.StreamsCreated))
	metrics.StreamsUpserted.WithLabelValues("updated").Add(float64(summary.StreamsUpdated))
	metrics.StreamsPruned.WithLabelValues("stale").Add(float64(summary.StreamsPruned))
	metrics.ChannelsProjected.WithLabelValues("created").Add(float64(summary.ChannelsCreated))
	metrics.ChannelsProjected.WithLabelValues("updated").Add(float64(summary.ChannelsUpdated))
	metrics.ChannelsProjected.WithLabelValues("deleted").Add(float64(summary.ChannelsDeleted))

	// Step 9: Success, summary message, refresh_completed event, lock
	// released via the defer above.
	message := fmt.Sprintf(
		"refreshed: %d groups created, %d updated, %d deleted; %d streams created, %d updated, %d pruned; %d channels created, %d updated, %d deleted",
		summary.GroupsCreated, summary.GroupsUpdated, summary.GroupsDeleted,
		summary.StreamsCreated, summary.StreamsUpdated, summary.StreamsPruned,
		summary.ChannelsCreated, summary.ChannelsUpdated, summary.ChannelsDeleted)
	if err := o.store.SetSourceStatus(ctx, source.ID, model.StatusSuccess, message); err != nil {
		logger.FromContext(ctx).Error("set source status success failed", "source_id", source.ID, "error", err)
	}
	o.events.Append(ctx, outbox.EventRefreshCompleted, map[string]any{
		"source_id":        source.ID,
		"groups_created":   summary.GroupsCreated,
		"groups_updated":   summary.GroupsUpdated,
		"groups_deleted":   summary.GroupsDeleted,
		"streams_created":  summary.StreamsCreated,
		"streams_updated":  summary.StreamsUpdated,
		"streams_pruned":   summary.StreamsPruned,
		"channels_created": summary.ChannelsCreated,
		"channels_updated": summary.ChannelsUpdated,
		"channels_deleted": summary.ChannelsDeleted,
	})
	return nil
}

// abort transitions source to Error and emits m3u.refresh_failed. Used
// for every failure in steps 3-8; a plain-Go error (not an *ingesterr.Error)
// is treated the same as an aborting Kind, since anything reaching here
// already passed through runPhases' own error handling.
func (o *Orchestrator) abort(ctx context.Context, source model.Source, cause error) {
	message := cause.Error()
	if err := o.store.SetSourceStatus(ctx, source.ID, model.StatusError, message); err != nil {
		logger.FromContext(ctx).Error("set source status error failed", "source_id", source.ID, "error", err)
	}
	o.events.Append(ctx, outbox.EventRefreshFailed, map[string]any{"source_id": source.ID, "error": message})
}

// runPhases executes steps 3-8 and returns the aggregate Summary. The
// caller (RefreshSource) is responsible for steps 1, 2, and 9.
func (o *Orchestrator) runPhases(ctx context.Context, source model.Source, scanStart time.Time) (Summary, error) {
	var summary Summary

	// Step 3: Fetching.
	if err := o.store.SetSourceStatus(ctx, source.ID, model.StatusFetching, ""); err != nil {
		return summary, fmt.Errorf("set status fetching: %w", err)
	}

	parsedGroups, buildStreams, err := o.fetchAndParseGroups(ctx, source)
	if err != nil {
		return summary, err
	}

	// Step 4: Parsing.
	if err := o.store.SetSourceStatus(ctx, source.ID, model.StatusParsing, ""); err != nil {
		return summary, fmt.Errorf("set status parsing: %w", err)
	}

	// Step 5: Group Reconciler, inside one transaction.
	var groupResult group.Result
	err = o.store.WithTx(ctx, func(tx pgx.Tx) error {
		r, err := group.New(o.store, group.WithEvents(o.events)).Reconcile(ctx, tx, source, parsedGroups)
		if err != nil {
			return err
		}
		groupResult = r
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("reconcile groups: %w", err)
	}
	summary.GroupsCreated, summary.GroupsUpdated, summary.GroupsDeleted =
		groupResult.Created, groupResult.Updated, groupResult.Deleted

	// Parsed streams, resolved now that group membership (and, for
	// catalog sources, the enabled category->group map) is known.
	enabledCategoryIDs := catalog.EnabledCategoryIDs(mapsValues(groupResult.Memberships))
	parsedStreams := buildStreams(enabledCategoryIDs)
	workers := o.playlistWorkers
	if source.Kind == model.SourceKindCatalog {
		workers = o.catalogWorkers
	}

	filters, err := o.store.ListFiltersForSource(ctx, source.ID)
	if err != nil {
		return summary, fmt.Errorf("list filters: %w", err)
	}

	// Step 6: Stream Upserter, its own bounded worker pool.
	upserter := stream.New(o.store, workers, stream.WithReporter(o.reporter), stream.WithEvents(o.events))
	streamResult, err := upserter.UpsertAll(ctx, source, parsedStreams, groupResult.Memberships, o.hashKeys, filters)
	if err != nil {
		return summary, fmt.Errorf("upsert streams: %w", err)
	}
	summary.StreamsCreated, summary.StreamsUpdated = streamResult.Created, streamResult.Updated

	// Step 7: Stale Pruner, anchored to scanStart.
	pruneResult, err := prune.New(o.store, prune.WithEvents(o.events)).Prune(ctx, source, scanStart)
	if err != nil {
		return summary, fmt.Errorf("prune stale streams: %w", err)
	}
	summary.StreamsPruned = pruneResult.Total()

	// Step 8: Auto-Channel Projector for every auto-sync-enabled
	// membership, then its orphan sweep, all inside one transaction.
	projector := autochannel.New(o.store, autochannel.WithEvents(o.events))
	err = o.store.WithTx(ctx, func(tx pgx.Tx) error {
		for _, membership := range groupResult.Memberships {
			if !membership.AutoChannelSync() {
				continue
			}
			r, err := projector.ProjectGroup(ctx, tx, source, membership, scanStart)
			if err != nil {
				return fmt.Errorf("project group %q: %w", membership.GroupName, err)
			}
			summary.ChannelsCreated += r.Created
			summary.ChannelsUpdated += r.Updated
			summary.ChannelsDeleted += r.Deleted
		}

		deleted, err := projector.OrphanSweep(ctx, tx, source, func(channelID string) bool {
			bound, err := o.store.ChannelHasStream(ctx, channelID)
			if err != nil {
				logger.FromContext(ctx).Error("check channel binding failed", "channel_id", channelID, "error", err)
				return true // fail safe: do not delete on a lookup error
			}
			return bound
		})
		if err != nil {
			return fmt.Errorf("orphan sweep: %w", err)
		}
		summary.ChannelsDeleted += deleted
		return nil
	})
	if err != nil {
		return summary, err
	}

	return summary, nil
}

// fetchAndParseGroups performs step 3's fetch and the group-parsing half
// of step 4, branching on source.Kind. It returns the parsed groups
// immediately, plus a closure that finishes stream parsing once the
// caller knows the post-reconcile enabled-category map (catalog sources'
// liveStream-to-ParsedStream conversion needs it; playlist sources'
// closure just ignores it, already fully parsed).
func (o *Orchestrator) fetchAndParseGroups(ctx context.Context, source model.Source) (model.ParsedGroups, func(enabledCategoryIDs map[string]string) []model.ParsedStream, error) {
	switch source.Kind {
	case model.SourceKindCatalog:
		creds := catalog.Credentials{
			Username:  source.Username,
			Password:  source.Password,
			UserAgent: source.UserAgent,
		}
		if len(source.URLs) > 0 {
			creds.BaseURL = source.URLs[0]
		}
		client, err := catalog.New(creds)
		if err != nil {
			return nil, nil, ingesterr.Wrap(ingesterr.MissingRefreshInputs, "build catalog client", err)
		}
		if err := client.Authenticate(ctx); err != nil {
			return nil, nil, err
		}
		if info := client.AccountInfo(); info != nil {
			if err := o.store.UpdateAccountInfo(ctx, source.ID, info); err != nil {
				logger.FromContext(ctx).Error("update account info failed", "source_id", source.ID, "error", err)
			}
		}
		categories, err := client.GetLiveCategories(ctx)
		if err != nil {
			return nil, nil, err
		}
		liveStreams, err := client.GetAllLiveStreams(ctx)
		if err != nil {
			return nil, nil, err
		}
		build := func(enabledCategoryIDs map[string]string) []model.ParsedStream {
			return client.ToParsedStreams(liveStreams, enabledCategoryIDs)
		}
		return catalog.CategoriesAsGroups(categories), build, nil

	default: // model.SourceKindPlaylist
		res, err := o.fetcher.Fetch(ctx, source, false)
		if err != nil {
			return nil, nil, err
		}
		parsed := playlist.ParseLines(res.Lines)
		build := func(map[string]string) []model.ParsedStream { return parsed.Streams }
		return parsed.Groups, build, nil
	}
}

func mapsValues(m map[string]model.GroupMembership) []model.GroupMembership {
	out := make([]model.GroupMembership, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// RefreshAllActive enumerates every active Source and runs RefreshSource
// for each, bounded by a small worker pool so a large cluster does not
// open unbounded concurrent refreshes.
func (o *Orchestrator) RefreshAllActive(ctx context.Context) error {
	sources, err := o.store.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}

	const maxConcurrent = 4
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for _, src := range sources {
		src := src
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.RefreshSource(ctx, src.ID); err != nil {
				logger.FromContext(ctx).Error("refresh source failed", "source_id", src.ID, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// RehashStreams implements §4.7's Rehasher contract directly: it
// acquires every active source's lock (via rehash.Rehasher's own
// AcquireAll) and recomputes every stream's hash under newKeys.
func (o *Orchestrator) RehashStreams(ctx context.Context, newKeys []stream.KeyField) (rehash.Result, error) {
	rh := rehash.New(o.store, o.locker, rehash.WithReporter(o.reporter))
	return rh.Rehash(ctx, newKeys)
}

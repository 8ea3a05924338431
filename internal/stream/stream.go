// Package stream implements the Stream Upserter (§4.4): hashing, regex
// filtering, and a bounded worker pool that persists parsed streams in
// fixed-size batches.
//
// Grounded on original_source/apps/m3u/tasks.py's process_m3u_batch_direct
// / process_xc_category_direct / collect_xc_streams (batch partitioning,
// the hash-map-per-batch dedup, the exists/missing split) and
// services/epg/internal/sync/sync.go's upsertPrograms for the
// transaction-per-batch, log-and-continue-on-error discipline.
package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/logger"
	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/outbox"
)

// KeyField is one field the content-addressed stream hash may be built
// from, per §4.4's ordered key-list.
type KeyField string

const (
	KeyName          KeyField = "name"
	KeyURL           KeyField = "url"
	KeyTvgID         KeyField = "tvg_id"
	KeyM3UAccountID  KeyField = "m3u_account_id"
)

// ComputeHash builds the sha256 hex digest over the fields named by keys,
// in order, concatenated with a separator that cannot appear inside any
// field value's normal form (a NUL byte), so two different field splits
// cannot collide on the same digest.
func ComputeHash(keys []KeyField, ps model.ParsedStream, sourceID string) string {
	h := sha256.New()
	for _, k := range keys {
		switch k {
		case KeyName:
			h.Write([]byte(ps.Name))
		case KeyURL:
			h.Write([]byte(ps.URL))
		case KeyTvgID:
			h.Write([]byte(attrCI(ps.Attrs, "tvg-id")))
		case KeyM3UAccountID:
			h.Write([]byte(sourceID))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func attrCI(attrs map[string]string, key string) string {
	for k, v := range attrs {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// compiledFilter is a model.Filter with its pattern pre-compiled.
type compiledFilter struct {
	model.Filter
	re *regexp.Regexp
}

// CompileFilters compiles every filter's pattern once, up front, so the
// hot per-stream loop only evaluates already-built regexps.
func CompileFilters(filters []model.Filter) ([]compiledFilter, error) {
	out := make([]compiledFilter, 0, len(filters))
	for _, f := range filters {
		pattern := f.Pattern
		if !f.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile filter %q: %w", f.Pattern, err)
		}
		out = append(out, compiledFilter{Filter: f, re: re})
	}
	return out, nil
}

// Included evaluates filters in order against one parsed stream's
// relevant field, returning true on the first match's exclude flag
// negated, or true (included by default) if nothing matches.
func Included(filters []compiledFilter, ps model.ParsedStream, groupName string) bool {
	for _, f := range filters {
		var subject string
		switch f.Type {
		case model.FilterName:
			subject = ps.Name
		case model.FilterURL:
			subject = ps.URL
		case model.FilterGroup:
			subject = groupName
		}
		if f.re.MatchString(subject) {
			return !f.Exclude
		}
	}
	return true
}

// Reporter receives per-batch progress during an upsert run. Kept as a
// small interface (not a concrete internal/progress dependency) so this
// package stays Redis-free, the same seam internal/fetch uses.
type Reporter interface {
	ReportUpsertProgress(ctx context.Context, sourceID string, progress, elapsedSec, etaSec float64, created, updated int)
}

type noopReporter struct{}

func (noopReporter) ReportUpsertProgress(context.Context, string, float64, float64, float64, int, int) {}

// Store is the persistence seam the Upserter needs.
type Store interface {
	GetStreamsByHashes(ctx context.Context, hashes []string) (map[string]model.Stream, error)
	BatchUpsertStreams(ctx context.Context, tx pgx.Tx, creates, updates, touched []model.Stream, now time.Time) (created, updated int, err error)
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// EventAppender is the narrow seam the Upserter needs from the Event Bus
// Adapter to emit stream.* events atomically with the batch write that
// caused them; *internal/outbox.Appender satisfies it.
type EventAppender interface {
	AppendTx(ctx context.Context, exec outbox.Executor, eventType outbox.EventType, payload map[string]any) error
}

type noopEvents struct{}

func (noopEvents) AppendTx(context.Context, outbox.Executor, outbox.EventType, map[string]any) error {
	return nil
}

const defaultBatchSize = 1500

// Upserter partitions parsed streams into batches and persists them with
// a bounded worker pool.
type Upserter struct {
	store     Store
	reporter  Reporter
	events    EventAppender
	workers   int
	batchSize int
}

type Option func(*Upserter)

func WithReporter(r Reporter) Option { return func(u *Upserter) { u.reporter = r } }
func WithWorkers(n int) Option       { return func(u *Upserter) { u.workers = n } }
func WithBatchSize(n int) Option     { return func(u *Upserter) { u.batchSize = n } }
func WithEvents(e EventAppender) Option { return func(u *Upserter) { u.events = e } }

// New builds an Upserter. workers should be 2 for playlist sources, 4 for
// catalog sources, per §4.4's W value.
func New(store Store, workers int, opts ...Option) *Upserter {
	u := &Upserter{store: store, reporter: noopReporter{}, events: noopEvents{}, workers: workers, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(u)
	}
	if u.workers <= 0 {
		u.workers = 2
	}
	if u.batchSize <= 0 {
		u.batchSize = defaultBatchSize
	}
	return u
}

// Result summarizes one upsert run, feeding the Orchestrator's
// m3u.refresh_completed event counts.
type Result struct {
	Created int
	Updated int
}

// UpsertAll runs the full §4.4 pipeline: filter, partition, batch-upsert
// with up to u.workers batches running concurrently.
func (u *Upserter) UpsertAll(ctx context.Context, source model.Source, parsed []model.ParsedStream,
	enabledGroups map[string]model.GroupMembership, hashKeys []KeyField, filters []model.Filter) (Result, error) {

	compiled, err := CompileFilters(filters)
	if err != nil {
		return Result{}, fmt.Errorf("compile filters: %w", err)
	}

	var accepted []model.Stream
	for _, ps := range parsed {
		groupName := attrCI(ps.Attrs, "group-title")
		if groupName == "" {
			groupName = model.DefaultGroupName
		}
		membership, enabled := enabledGroups[groupName]
		if !enabled {
			continue
		}
		if !Included(compiled, ps, groupName) {
			continue
		}
		accepted = append(accepted, model.Stream{
			StreamHash:       ComputeHash(hashKeys, ps, source.ID),
			Name:             ps.Name,
			URL:              ps.URL,
			LogoURL:          attrCI(ps.Attrs, "tvg-logo"),
			TvgID:            attrCI(ps.Attrs, "tvg-id"),
			SourceID:         source.ID,
			ChannelGroupID:   membership.GroupID,
			CustomProperties: attrsToMap(ps.Attrs),
		})
	}

	batches := partition(accepted, u.batchSize)
	total := len(batches)
	if total == 0 {
		return Result{}, nil
	}

	var (
		mu       sync.Mutex
		result   Result
		done     int
		started  = time.Now()
	)

	sem := make(chan struct{}, u.workers)
	var wg sync.WaitGroup

	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			created, updated, err := u.upsertBatch(ctx, batch, time.Now())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// §7 PartialBatchFailure: the failed batch is logged and
				// swallowed here, and still counted as done.
				logger.FromContext(ctx).Error("stream upsert batch failed", "source_id", source.ID, "error", err)
			} else {
				result.Created += created
				result.Updated += updated
			}
			done++
			elapsed := time.Since(started).Seconds()
			progressPct := float64(done) / float64(total) * 100
			var eta float64
			if done > 0 {
				eta = elapsed / float64(done) * float64(total-done)
			}
			u.reporter.ReportUpsertProgress(ctx, source.ID, progressPct, elapsed, eta, result.Created, result.Updated)
		}()
	}
	wg.Wait()

	return result, nil
}

func (u *Upserter) upsertBatch(ctx context.Context, batch []model.Stream, now time.Time) (created, updated int, err error) {
	dedup := make(map[string]model.Stream, len(batch))
	for _, st := range batch {
		dedup[st.StreamHash] = st // later entries in the same batch win, matching a single hash->record map
	}
	hashes := make([]string, 0, len(dedup))
	for h := range dedup {
		hashes = append(hashes, h)
	}

	existing, err := u.store.GetStreamsByHashes(ctx, hashes)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup existing streams: %w", err)
	}

	// creates are hashes unseen before; updates are existing streams with a
	// tracked-field change (§4.4 step 3's {name, url, logo_url, tvg_id,
	// custom_properties} comparison); touched are existing streams with no
	// tracked change, whose last_seen must still be bumped so the Stale
	// Pruner does not treat them as stale.
	var creates, updates, touched []model.Stream
	for hash, incoming := range dedup {
		prior, ok := existing[hash]
		if !ok {
			incoming.LastSeen = now
			incoming.UpdatedAt = now
			creates = append(creates, incoming)
			continue
		}
		incoming.ID = prior.ID
		if prior.Name != incoming.Name || prior.URL != incoming.URL ||
			prior.LogoURL != incoming.LogoURL || prior.TvgID != incoming.TvgID ||
			!customPropertiesEqual(prior.CustomProperties, incoming.CustomProperties) {
			incoming.UpdatedAt = now
			updates = append(updates, incoming)
			continue
		}
		incoming.UpdatedAt = prior.UpdatedAt
		touched = append(touched, incoming)
	}

	err = u.store.WithTx(ctx, func(tx pgx.Tx) error {
		c, up, txErr := u.store.BatchUpsertStreams(ctx, tx, creates, updates, touched, now)
		if txErr != nil {
			return txErr
		}
		created, updated = c, up
		for _, st := range creates {
			if evErr := u.events.AppendTx(ctx, tx, outbox.EventStreamCreated, map[string]any{
				"source_id": st.SourceID, "stream_hash": st.StreamHash, "name": st.Name,
			}); evErr != nil {
				return fmt.Errorf("append stream.created event: %w", evErr)
			}
		}
		for _, st := range updates {
			if evErr := u.events.AppendTx(ctx, tx, outbox.EventStreamUpdated, map[string]any{
				"source_id": st.SourceID, "stream_hash": st.StreamHash, "name": st.Name,
			}); evErr != nil {
				return fmt.Errorf("append stream.updated event: %w", evErr)
			}
		}
		return nil
	})
	return created, updated, err
}

// customPropertiesEqual compares two streams' upstream attribute bags by
// string representation, the same tolerance group.mapsEqual uses for
// GroupMembership custom properties.
func customPropertiesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
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

func attrsToMap(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

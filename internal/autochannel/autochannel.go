// Package autochannel implements the Auto-Channel Projector (§4.6): for
// every auto-sync-enabled GroupMembership, it keeps a set of auto_created
// Channels in sync with that group's current streams.
//
// Grounded on original_source/apps/m3u/tasks.py's sync_auto_channels.
// The renumber pass (step 4) and the create/update pass (step 5) are
// merged into a single loop with one shared counter and one used-numbers
// set, per OPEN QUESTION DECISION on the auto-channel renumbering
// double-counter (see SPEC_FULL.md) — the original's two independent
// counters could disagree under pathological reordering; one pass
// cannot.
package autochannel

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/natural"
	"github.com/streamforge/ingestd/internal/outbox"
)

// Store is the persistence seam the Projector needs.
type Store interface {
	ListGroupStreamsSince(ctx context.Context, sourceID, groupID string, since time.Time) ([]model.Stream, error)
	MapAutoChannelsByStream(ctx context.Context, sourceID, groupID string) (map[string]model.Channel, error)
	BlockedChannelNumbers(ctx context.Context, excludeSourceID string) (map[float64]bool, error)
	ListChannelProfileIDs(ctx context.Context) ([]string, error)
	SetChannelProfileMemberships(ctx context.Context, tx pgx.Tx, channelID string, profileIDs []string) error
	FindEPGDataIDByTvgID(ctx context.Context, tvgID string) (string, bool, error)
	GetOrCreateLogoByURL(ctx context.Context, tx pgx.Tx, url string) (string, error)
	CreateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) (string, error)
	UpdateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) error
	UpdateChannelNumber(ctx context.Context, tx pgx.Tx, channelID string, number float64) error
	DeleteChannel(ctx context.Context, tx pgx.Tx, channelID string) error
	SetChannelStream(ctx context.Context, tx pgx.Tx, channelID, streamID string, order int) error
	ListAutoCreatedChannels(ctx context.Context, sourceID string) ([]model.Channel, error)
}

// EventAppender is the narrow seam the Projector needs from the Event Bus
// Adapter to emit channel.* events atomically with the channel mutation
// that caused them; *internal/outbox.Appender satisfies it.
type EventAppender interface {
	AppendTx(ctx context.Context, exec outbox.Executor, eventType outbox.EventType, payload map[string]any) error
}

type noopEvents struct{}

func (noopEvents) AppendTx(context.Context, outbox.Executor, outbox.EventType, map[string]any) error {
	return nil
}

type Projector struct {
	store  Store
	events EventAppender
}

// Option configures a Projector.
type Option func(*Projector)

func WithEvents(e EventAppender) Option { return func(p *Projector) { p.events = e } }

func New(store Store, opts ...Option) *Projector {
	p := &Projector{store: store, events: noopEvents{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result summarizes one group's projection pass.
type Result struct {
	Created int
	Updated int
	Deleted int
}

// options is the parsed form of a GroupMembership's custom_properties,
// per §4.6 step 1.
type options struct {
	startNumber       float64
	forceDummyEPG     bool
	groupOverride     string
	nameRegex         *regexp.Regexp
	nameReplace       string
	nameMatchRegex    *regexp.Regexp
	channelProfileIDs []string
	sortOrder         string
	sortReverse       bool
	streamProfileID   string
}

func parseOptions(props map[string]any) options {
	o := options{startNumber: 1.0, sortOrder: "provider"}
	if v, ok := props["start_number"].(float64); ok {
		o.startNumber = v
	}
	if v, ok := props["force_dummy_epg"].(bool); ok {
		o.forceDummyEPG = v
	}
	if v, ok := props["group_override"].(string); ok {
		o.groupOverride = v
	}
	if v, ok := props["name_regex_pattern"].(string); ok && v != "" {
		if re, err := regexp.Compile(v); err == nil {
			o.nameRegex = re
		}
	}
	if v, ok := props["name_replace_pattern"].(string); ok {
		o.nameReplace = canonicalizeBackrefs(v)
	}
	if v, ok := props["name_match_regex"].(string); ok && v != "" {
		if re, err := regexp.Compile(v); err == nil {
			o.nameMatchRegex = re
		}
	}
	if raw, ok := props["channel_profile_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				o.channelProfileIDs = append(o.channelProfileIDs, s)
			}
		}
	}
	if v, ok := props["channel_sort_order"].(string); ok && v != "" {
		o.sortOrder = v
	}
	if v, ok := props["channel_sort_reverse"].(bool); ok {
		o.sortReverse = v
	}
	if v, ok := props["stream_profile_id"].(string); ok {
		o.streamProfileID = v
	}
	return o
}

// canonicalizeBackrefs rewrites \1-\9 style backreferences (the upstream
// convention) into Go regexp's native $1-$9 replacement syntax, leaving
// any $-prefixed references already present untouched.
func canonicalizeBackrefs(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) && pattern[i+1] >= '1' && pattern[i+1] <= '9' {
			b.WriteByte('$')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

func (o options) renamed(name string) string {
	if o.nameRegex == nil {
		return name
	}
	return o.nameRegex.ReplaceAllString(name, o.nameReplace)
}

func (o options) matches(name string) bool {
	if o.nameMatchRegex == nil {
		return true
	}
	return o.nameMatchRegex.MatchString(name)
}

// ProjectGroup runs §4.6's per-group algorithm for one auto-sync-enabled
// membership. scanStart is the refresh's captured start time, used as
// the streams' last_seen floor so only content the current refresh
// actually saw is projected.
func (p *Projector) ProjectGroup(ctx context.Context, tx pgx.Tx, source model.Source, membership model.GroupMembership, scanStart time.Time) (Result, error) {
	o := parseOptions(membership.CustomProperties)

	streams, err := p.store.ListGroupStreamsSince(ctx, source.ID, membership.GroupID, scanStart)
	if err != nil {
		return Result{}, fmt.Errorf("list group streams: %w", err)
	}

	var filtered []model.Stream
	for _, st := range streams {
		if o.matches(st.Name) {
			filtered = append(filtered, st)
		}
	}
	sortStreams(filtered, o.sortOrder, o.sortReverse)

	existingByStream, err := p.store.MapAutoChannelsByStream(ctx, source.ID, membership.GroupID)
	if err != nil {
		return Result{}, fmt.Errorf("map existing auto channels: %w", err)
	}

	blocked, err := p.store.BlockedChannelNumbers(ctx, source.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list blocked channel numbers: %w", err)
	}

	destGroupID := membership.GroupID
	if o.groupOverride != "" {
		destGroupID = o.groupOverride
	}

	profileIDs := o.channelProfileIDs
	if len(profileIDs) == 0 {
		profileIDs, err = p.store.ListChannelProfileIDs(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list channel profiles: %w", err)
		}
	}

	var result Result
	used := map[float64]bool{}
	counter := o.startNumber
	keep := map[string]bool{} // channel ids still present after this pass

	for _, st := range filtered {
		renamedName := o.renamed(st.Name)
		guideStationID := st.TvgID

		var epgDataID string
		if !o.forceDummyEPG {
			if id, ok, err := p.store.FindEPGDataIDByTvgID(ctx, st.TvgID); err == nil && ok {
				epgDataID = id
			}
		}

		// §4.6 step 5's logo binding: a Channel's logo is derived from its
		// bound stream's logo URL, looked up (or created) the same way
		// GetOrCreateGroup resolves a Group by name.
		var logoID string
		if st.LogoURL != "" {
			id, err := p.store.GetOrCreateLogoByURL(ctx, tx, st.LogoURL)
			if err != nil {
				return Result{}, fmt.Errorf("get or create logo for stream %s: %w", st.ID, err)
			}
			logoID = id
		}

		existing, has := existingByStream[st.ID]
		if has {
			number := nextAvailable(counter, blocked, used)
			used[number] = true
			counter = number + 1

			if number != existing.ChannelNumber {
				if err := p.store.UpdateChannelNumber(ctx, tx, existing.ID, number); err != nil {
					return Result{}, fmt.Errorf("renumber channel %s: %w", existing.ID, err)
				}
				existing.ChannelNumber = number
			}

			changed := existing.Name != renamedName || existing.TvgID != st.TvgID ||
				existing.GuideStationID != guideStationID || existing.ChannelGroupID != destGroupID ||
				existing.EPGDataID != epgDataID || existing.StreamProfileID != o.streamProfileID ||
				existing.LogoID != logoID
			if changed {
				existing.Name = renamedName
				existing.TvgID = st.TvgID
				existing.GuideStationID = guideStationID
				existing.ChannelGroupID = destGroupID
				existing.EPGDataID = epgDataID
				existing.StreamProfileID = o.streamProfileID
				existing.LogoID = logoID
				if err := p.store.UpdateChannel(ctx, tx, existing); err != nil {
					return Result{}, fmt.Errorf("update channel %s: %w", existing.ID, err)
				}
				if err := p.store.SetChannelProfileMemberships(ctx, tx, existing.ID, profileIDs); err != nil {
					return Result{}, fmt.Errorf("sync profile memberships %s: %w", existing.ID, err)
				}
				if err := p.events.AppendTx(ctx, tx, outbox.EventChannelUpdated, map[string]any{
					"channel_id": existing.ID, "source_id": source.ID, "stream_id": st.ID,
				}); err != nil {
					return Result{}, fmt.Errorf("append channel.updated event %s: %w", existing.ID, err)
				}
				result.Updated++
			}
			keep[existing.ID] = true
			continue
		}

		number := nextAvailable(counter, blocked, used)
		used[number] = true
		counter = number + 1

		newChannel := model.Channel{
			UUID:                uuid.New(),
			ChannelNumber:       number,
			Name:                renamedName,
			TvgID:               st.TvgID,
			GuideStationID:      guideStationID,
			LogoID:              logoID,
			ChannelGroupID:      destGroupID,
			AutoCreated:         true,
			AutoCreatedBySource: source.ID,
			EPGDataID:           epgDataID,
			StreamProfileID:     o.streamProfileID,
		}
		id, err := p.store.CreateChannel(ctx, tx, newChannel)
		if err != nil {
			return Result{}, fmt.Errorf("create channel for stream %s: %w", st.ID, err)
		}
		if err := p.store.SetChannelProfileMemberships(ctx, tx, id, profileIDs); err != nil {
			return Result{}, fmt.Errorf("attach profile memberships %s: %w", id, err)
		}
		if err := p.store.SetChannelStream(ctx, tx, id, st.ID, 0); err != nil {
			return Result{}, fmt.Errorf("bind stream to channel %s: %w", id, err)
		}
		if err := p.events.AppendTx(ctx, tx, outbox.EventChannelCreated, map[string]any{
			"channel_id": id, "source_id": source.ID, "stream_id": st.ID, "name": renamedName,
		}); err != nil {
			return Result{}, fmt.Errorf("append channel.created event %s: %w", id, err)
		}
		if err := p.events.AppendTx(ctx, tx, outbox.EventChannelStreamAdded, map[string]any{
			"channel_id": id, "stream_id": st.ID,
		}); err != nil {
			return Result{}, fmt.Errorf("append channel.stream_added event %s: %w", id, err)
		}
		keep[id] = true
		result.Created++
	}

	// Step 6: delete mapped channels whose stream is no longer present.
	for streamID, ch := range existingByStream {
		if keep[ch.ID] {
			continue
		}
		_ = streamID
		if err := p.store.DeleteChannel(ctx, tx, ch.ID); err != nil {
			return Result{}, fmt.Errorf("delete stale auto channel %s: %w", ch.ID, err)
		}
		if err := p.events.AppendTx(ctx, tx, outbox.EventChannelDeleted, map[string]any{
			"channel_id": ch.ID, "source_id": source.ID,
		}); err != nil {
			return Result{}, fmt.Errorf("append channel.deleted event %s: %w", ch.ID, err)
		}
		result.Deleted++
	}

	return result, nil
}

// OrphanSweep deletes auto_created_by=source channels with no remaining
// ChannelStream edge to any stream the source still owns, covering
// streams the Stale Pruner removed (§4.6 post-pass). It must be called
// after every ProjectGroup call for the source has completed.
func (p *Projector) OrphanSweep(ctx context.Context, tx pgx.Tx, source model.Source, stillBound func(channelID string) bool) (int, error) {
	channels, err := p.store.ListAutoCreatedChannels(ctx, source.ID)
	if err != nil {
		return 0, fmt.Errorf("list auto channels: %w", err)
	}
	deleted := 0
	for _, c := range channels {
		if stillBound(c.ID) {
			continue
		}
		if err := p.store.DeleteChannel(ctx, tx, c.ID); err != nil {
			return deleted, fmt.Errorf("delete orphan channel %s: %w", c.ID, err)
		}
		if err := p.events.AppendTx(ctx, tx, outbox.EventChannelDeleted, map[string]any{
			"channel_id": c.ID, "source_id": source.ID,
		}); err != nil {
			return deleted, fmt.Errorf("append channel.deleted event %s: %w", c.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// nextAvailable returns the smallest integer >= ceil(counter) not present
// in blocked or used.
func nextAvailable(counter float64, blocked, used map[float64]bool) float64 {
	candidate := math.Ceil(counter)
	if candidate < counter {
		candidate++
	}
	for blocked[candidate] || used[candidate] {
		candidate++
	}
	return candidate
}

func sortStreams(streams []model.Stream, order string, reverse bool) {
	switch order {
	case "name":
		sort.SliceStable(streams, func(i, j int) bool { return natural.Less(streams[i].Name, streams[j].Name) })
	case "tvg_id":
		sort.SliceStable(streams, func(i, j int) bool { return streams[i].TvgID < streams[j].TvgID })
	case "updated_at":
		sort.SliceStable(streams, func(i, j int) bool { return streams[i].UpdatedAt.Before(streams[j].UpdatedAt) })
	case "provider":
		// Insertion order from upstream: already the order returned by
		// ListGroupStreamsSince (ORDER BY id), nothing to do.
	}
	if reverse {
		for i, j := 0, len(streams)-1; i < j; i, j = i+1, j-1 {
			streams[i], streams[j] = streams[j], streams[i]
		}
	}
}

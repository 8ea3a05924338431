// Package storage is the pgx/pgxpool persistence layer for every entity
// in internal/model. It exposes a single Store type; consuming packages
// (internal/group, internal/stream, internal/prune, internal/autochannel,
// internal/rehash) each declare their own narrow interface naming only
// the methods they use, and *Store satisfies all of them — the
// idiomatic-Go "accept interfaces, return structs" split.
//
// Grounded on services/content_acquirer/acquirer.go's pgxpool.Pool usage
// (plain QueryRow/Exec calls, context-scoped, no ORM) and
// services/epg/internal/sync/sync.go's upsertPrograms ON CONFLICT ...
// DO UPDATE style, adapted from database/sql to pgx and from a per-row
// loop to pgx.Batch for the stream upsert hot path.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamforge/ingestd/internal/credential"
	"github.com/streamforge/ingestd/internal/model"
)

// Store wraps a pgxpool.Pool with the queries the refresh pipeline needs.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for callers (e.g. internal/outbox)
// that need to participate in the same transaction.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("storage: not found")

// --- Source ---------------------------------------------------------------

func (s *Store) GetSource(ctx context.Context, id string) (model.Source, error) {
	var src model.Source
	var customOptions, accountInfo []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, urls, file_path, username, password, user_agent,
		       enabled, refresh_interval_hours, retention_days, status,
		       last_message, custom_options, account_info
		FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.Kind, &src.URLs, &src.FilePath, &src.Username,
		&src.Password, &src.UserAgent, &src.Enabled, &src.RefreshIntervalHours,
		&src.RetentionDays, &src.Status, &src.LastMessage, &customOptions, &accountInfo)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	src.CustomOptions = decodeJSONMap(customOptions)
	src.AccountInfo = decodeJSONMap(accountInfo)
	if src.Password, err = credential.Decrypt(src.Password); err != nil {
		return model.Source{}, fmt.Errorf("decrypt source %s credential: %w", id, err)
	}
	return src, nil
}

func (s *Store) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, urls, file_path, username, password, user_agent,
		       enabled, refresh_interval_hours, retention_days, status,
		       last_message, custom_options, account_info
		FROM sources WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var customOptions, accountInfo []byte
		if err := rows.Scan(&src.ID, &src.Name, &src.Kind, &src.URLs, &src.FilePath,
			&src.Username, &src.Password, &src.UserAgent, &src.Enabled,
			&src.RefreshIntervalHours, &src.RetentionDays, &src.Status,
			&src.LastMessage, &customOptions, &accountInfo); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.CustomOptions = decodeJSONMap(customOptions)
		src.AccountInfo = decodeJSONMap(accountInfo)
		if src.Password, err = credential.Decrypt(src.Password); err != nil {
			return nil, fmt.Errorf("decrypt source %s credential: %w", src.ID, err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SetSourceStatus transitions a Source's status + last_message, matching
// the donor's pattern of a narrow, single-purpose UPDATE (see
// fetch_m3u_lines's account.save(update_fields=[...])).
func (s *Store) SetSourceStatus(ctx context.Context, sourceID string, status model.SourceStatus, lastMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sources SET status = $2, last_message = $3, updated_at = now()
		WHERE id = $1`, sourceID, string(status), lastMessage)
	return err
}

// UpdateLastStatus implements internal/progress.Mirror: a best-effort
// mirror of the latest progress message into the Source row.
func (s *Store) UpdateLastStatus(ctx context.Context, sourceID string, status json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `UPDATE sources SET last_status = $2 WHERE id = $1`, sourceID, status)
	return err
}

func (s *Store) UpdateAccountInfo(ctx context.Context, sourceID string, info map[string]any) error {
	body, err := json.Marshal(info)
	if err != nil {
		body = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `UPDATE sources SET account_info = $2 WHERE id = $1`, sourceID, body)
	return err
}

// --- Group / GroupMembership (§4.3) ----------------------------------------

// GetOrCreateGroup returns the Group row for name, creating it if this is
// the first source to ever reference it (groups are shared across
// sources per §3).
func (s *Store) GetOrCreateGroup(ctx context.Context, tx pgx.Tx, name string) (model.Group, error) {
	var g model.Group
	err := tx.QueryRow(ctx, `SELECT id, name FROM channel_groups WHERE name = $1`, name).Scan(&g.ID, &g.Name)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Group{}, fmt.Errorf("lookup group %q: %w", name, err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO channel_groups (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, name).Scan(&g.ID, &g.Name)
	if err != nil {
		return model.Group{}, fmt.Errorf("create group %q: %w", name, err)
	}
	return g, nil
}

func (s *Store) ListGroupMemberships(ctx context.Context, sourceID string) ([]model.GroupMembership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT gm.id, gm.source_id, gm.group_id, cg.name, gm.enabled, gm.custom_properties
		FROM channel_group_m3u_accounts gm
		JOIN channel_groups cg ON cg.id = gm.group_id
		WHERE gm.source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list group memberships: %w", err)
	}
	defer rows.Close()

	var out []model.GroupMembership
	for rows.Next() {
		var m model.GroupMembership
		var props []byte
		if err := rows.Scan(&m.ID, &m.SourceID, &m.GroupID, &m.GroupName, &m.Enabled, &props); err != nil {
			return nil, fmt.Errorf("scan group membership: %w", err)
		}
		m.CustomProperties = decodeJSONMap(props)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertGroupMembership inserts or updates one (source, group) membership,
// merging custom_properties with upstream keys winning — the three-way
// merge semantics of §4.3's to-create/to-update rules are implemented by
// the caller (internal/group), which passes the already-merged map here.
func (s *Store) UpsertGroupMembership(ctx context.Context, tx pgx.Tx, m model.GroupMembership) (string, error) {
	props, err := json.Marshal(m.CustomProperties)
	if err != nil {
		props = []byte("{}")
	}
	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO channel_group_m3u_accounts (source_id, group_id, enabled, custom_properties)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, group_id) DO UPDATE SET
			custom_properties = $4
		RETURNING id`,
		m.SourceID, m.GroupID, m.Enabled, props,
	).Scan(&id)
	return id, err
}

func (s *Store) DeleteGroupMembership(ctx context.Context, tx pgx.Tx, membershipID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM channel_group_m3u_accounts WHERE id = $1`, membershipID)
	return err
}

// SetGroupEnabled toggles the enabled flag on one (source, group) membership
// by group name, for the SetGroupEnabled inbound trigger of §6.
func (s *Store) SetGroupEnabled(ctx context.Context, sourceID, groupName string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_group_m3u_accounts gm
		SET enabled = $3
		FROM channel_groups cg
		WHERE gm.group_id = cg.id AND gm.source_id = $1 AND cg.name = $2`,
		sourceID, groupName, enabled)
	if err != nil {
		return fmt.Errorf("set group enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no membership found for source %s group %q", sourceID, groupName)
	}
	return nil
}

// DeleteOrphanGroups removes channel_groups with no remaining membership
// and no directly-assigned channel, per §3's Group lifecycle.
func (s *Store) DeleteOrphanGroups(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM channel_groups cg WHERE
			NOT EXISTS (SELECT 1 FROM channel_group_m3u_accounts gm WHERE gm.group_id = cg.id)
			AND NOT EXISTS (SELECT 1 FROM channels c WHERE c.channel_group_id = cg.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan groups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListFiltersForSource returns sourceID's regex inclusion/exclusion rules
// in evaluation order, for the Upserter's first-match-wins pass (§4.4).
func (s *Store) ListFiltersForSource(ctx context.Context, sourceID string) ([]model.Filter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, "order", filter_type, pattern, exclude, case_sensitive
		FROM m3u_filters WHERE source_id = $1 ORDER BY "order" ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list filters for source %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []model.Filter
	for rows.Next() {
		var f model.Filter
		if err := rows.Scan(&f.SourceID, &f.Order, &f.Type, &f.Pattern, &f.Exclude, &f.CaseSensitive); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Stream (§4.4, §4.5) ----------------------------------------------------

// GetStreamHashesForSource returns the current stream_hash -> Stream map
// for a source, used by the Upserter to distinguish create from update
// and by the strict change-detection decision (OPEN QUESTION DECISION #3).
func (s *Store) GetStreamHashesForSource(ctx context.Context, sourceID string) (map[string]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_hash, name, url, logo_url, tvg_id, source_id,
		       channel_group_id, custom_properties, last_seen, updated_at
		FROM streams WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list stream hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]model.Stream{}
	for rows.Next() {
		var st model.Stream
		var props []byte
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.LogoURL,
			&st.TvgID, &st.SourceID, &st.ChannelGroupID, &props, &st.LastSeen, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		st.CustomProperties = decodeJSONMap(props)
		out[st.StreamHash] = st
	}
	return out, rows.Err()
}

// GetStreamsByHashes runs the single per-batch existence query described
// by §4.4 step 2: one round trip for every hash in a Stream Upserter
// batch, irrespective of which Source originally created the row (hashes
// can collide across sources by design, so the lookup is unscoped).
func (s *Store) GetStreamsByHashes(ctx context.Context, hashes []string) (map[string]model.Stream, error) {
	if len(hashes) == 0 {
		return map[string]model.Stream{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_hash, name, url, logo_url, tvg_id, source_id,
		       channel_group_id, custom_properties, last_seen, updated_at
		FROM streams WHERE stream_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, fmt.Errorf("get streams by hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]model.Stream{}
	for rows.Next() {
		var st model.Stream
		var props []byte
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.LogoURL,
			&st.TvgID, &st.SourceID, &st.ChannelGroupID, &props, &st.LastSeen, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		st.CustomProperties = decodeJSONMap(props)
		out[st.StreamHash] = st
	}
	return out, rows.Err()
}

// BatchUpsertStreams executes one pgx.Batch for an entire Stream Upserter
// batch: every create as an INSERT ... ON CONFLICT (stream_hash) DO
// NOTHING, every update as a targeted UPDATE of only the columns that can
// change, per §4.4 step 4, and every touched row (no tracked field
// changed) as a last_seen-only UPDATE so the Stale Pruner does not treat
// it as stale. Conflicts on the insert side are expected under
// worker-pool races across batches sharing a hash and are not errors —
// the losing insert simply does nothing, and its row is picked up as an
// update on the next refresh.
func (s *Store) BatchUpsertStreams(ctx context.Context, tx pgx.Tx, creates, updates, touched []model.Stream, now time.Time) (created, updated int, err error) {
	batch := &pgx.Batch{}
	for _, st := range creates {
		props, merr := json.Marshal(st.CustomProperties)
		if merr != nil {
			props = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO streams (stream_hash, name, url, logo_url, tvg_id, source_id,
			                      channel_group_id, custom_properties, last_seen, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
			ON CONFLICT (stream_hash) DO NOTHING`,
			st.StreamHash, st.Name, st.URL, st.LogoURL, st.TvgID, st.SourceID,
			st.ChannelGroupID, props, now)
	}
	for _, st := range updates {
		props, merr := json.Marshal(st.CustomProperties)
		if merr != nil {
			props = []byte("{}")
		}
		batch.Queue(`
			UPDATE streams SET name=$2, url=$3, logo_url=$4, tvg_id=$5,
			       channel_group_id=$6, custom_properties=$7, last_seen=$8, updated_at=$9
			WHERE stream_hash=$1`,
			st.StreamHash, st.Name, st.URL, st.LogoURL, st.TvgID, st.ChannelGroupID, props, now, st.UpdatedAt)
	}
	for _, st := range touched {
		batch.Queue(`UPDATE streams SET last_seen=$2 WHERE stream_hash=$1`, st.StreamHash, now)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(creates); i++ {
		tag, execErr := br.Exec()
		if execErr != nil {
			return created, updated, fmt.Errorf("batch insert stream %d: %w", i, execErr)
		}
		if tag.RowsAffected() > 0 {
			created++
		}
	}
	for i := 0; i < len(updates); i++ {
		if _, execErr := br.Exec(); execErr != nil {
			return created, updated, fmt.Errorf("batch update stream %d: %w", i, execErr)
		}
		updated++
	}
	for i := 0; i < len(touched); i++ {
		if _, execErr := br.Exec(); execErr != nil {
			return created, updated, fmt.Errorf("batch touch stream %d: %w", i, execErr)
		}
	}
	return created, updated, nil
}

// ListStaleStreams returns streams for sourceID whose last_seen predates
// cutoff, whatever their group's enabled state (§4.5's retention-window
// predicate; the disabled-group predicate is ListStreamsInDisabledGroups).
func (s *Store) ListStaleStreams(ctx context.Context, sourceID string, cutoff time.Time) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.stream_hash, st.name, st.url, st.channel_group_id
		FROM streams st
		WHERE st.source_id = $1 AND st.last_seen < $2`, sourceID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.ChannelGroupID); err != nil {
			return nil, fmt.Errorf("scan stale stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListStreamsInDisabledGroups returns streams for sourceID whose group
// membership is disabled, the second of §4.5's two independent delete
// predicates.
func (s *Store) ListStreamsInDisabledGroups(ctx context.Context, sourceID string) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.stream_hash, st.name, st.url, st.channel_group_id
		FROM streams st
		JOIN channel_group_m3u_accounts gm
		  ON gm.source_id = st.source_id AND gm.group_id = st.channel_group_id
		WHERE st.source_id = $1 AND gm.enabled = false`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list streams in disabled groups: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.ChannelGroupID); err != nil {
			return nil, fmt.Errorf("scan disabled-group stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStreams(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE id = ANY($1)`, ids)
	return err
}

// DisabledGroupIDs returns the set of channel_group ids whose membership
// for sourceID is disabled, feeding §4.5's disabled-group predicate.
func (s *Store) DisabledGroupIDs(ctx context.Context, sourceID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id FROM channel_group_m3u_accounts
		WHERE source_id = $1 AND enabled = false`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list disabled groups: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- Channel (§4.6) ---------------------------------------------------------

func (s *Store) ListAutoCreatedChannels(ctx context.Context, sourceID string) ([]model.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, uuid, channel_number, name, tvg_id, channel_group_id, auto_created_by_source
		FROM channels WHERE auto_created = true AND auto_created_by_source = $1
		ORDER BY channel_number`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list auto channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.ID, &c.UUID, &c.ChannelNumber, &c.Name, &c.TvgID,
			&c.ChannelGroupID, &c.AutoCreatedBySource); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		c.AutoCreated = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// BlockedChannelNumbers returns the channel numbers already held by
// channels NOT created by excludeSourceID (§4.6 step 4's renumber pass).
func (s *Store) BlockedChannelNumbers(ctx context.Context, excludeSourceID string) (map[float64]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT channel_number FROM channels
		WHERE auto_created_by_source IS DISTINCT FROM $1`, excludeSourceID)
	if err != nil {
		return nil, fmt.Errorf("list blocked channel numbers: %w", err)
	}
	defer rows.Close()

	out := map[float64]bool{}
	for rows.Next() {
		var n float64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[n] = true
	}
	return out, rows.Err()
}

func (s *Store) CreateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO channels (uuid, channel_number, name, tvg_id, channel_group_id, logo_id,
		                       epg_data_id, auto_created, auto_created_by_source, stream_profile_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,true,$8,$9)
		RETURNING id`,
		c.UUID, c.ChannelNumber, c.Name, c.TvgID, c.ChannelGroupID, c.LogoID,
		c.EPGDataID, c.AutoCreatedBySource, c.StreamProfileID,
	).Scan(&id)
	return id, err
}

// GetOrCreateLogoByURL returns the id of the logos row for url, creating
// it if this is the first channel to ever reference it — §4.6 step 5's
// logo binding, the same resolve-or-create shape as GetOrCreateGroup.
func (s *Store) GetOrCreateLogoByURL(ctx context.Context, tx pgx.Tx, url string) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM logos WHERE url = $1`, url).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("lookup logo %q: %w", url, err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO logos (url) VALUES ($1)
		ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		RETURNING id`, url).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create logo %q: %w", url, err)
	}
	return id, nil
}

func (s *Store) UpdateChannelNumber(ctx context.Context, tx pgx.Tx, channelID string, number float64) error {
	_, err := tx.Exec(ctx, `UPDATE channels SET channel_number = $2 WHERE id = $1`, channelID, number)
	return err
}

// ListGroupStreamsSince returns sourceID's streams in groupID whose
// last_seen is at or after since (§4.6 step 2's collection predicate).
func (s *Store) ListGroupStreamsSince(ctx context.Context, sourceID, groupID string, since time.Time) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_hash, name, url, logo_url, tvg_id, source_id, channel_group_id, updated_at
		FROM streams
		WHERE source_id = $1 AND channel_group_id = $2 AND last_seen >= $3
		ORDER BY id`, sourceID, groupID, since)
	if err != nil {
		return nil, fmt.Errorf("list group streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.LogoURL,
			&st.TvgID, &st.SourceID, &st.ChannelGroupID, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MapAutoChannelsByStream reverse-traverses ChannelStream edges to find,
// for each of sourceID's streams in groupID, the auto-created channel (if
// any) already bound to it — §4.6 step 3.
func (s *Store) MapAutoChannelsByStream(ctx context.Context, sourceID, groupID string) (map[string]model.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cs.stream_id, c.id, c.uuid, c.channel_number, c.name, c.tvg_id, c.guide_station_id,
		       c.channel_group_id, c.logo_id, c.epg_data_id, c.stream_profile_id, c.auto_created_by_source
		FROM channel_streams cs
		JOIN channels c ON c.id = cs.channel_id
		JOIN streams st ON st.id = cs.stream_id
		WHERE c.auto_created = true AND c.auto_created_by_source = $1
		  AND st.source_id = $1 AND st.channel_group_id = $2`, sourceID, groupID)
	if err != nil {
		return nil, fmt.Errorf("map auto channels by stream: %w", err)
	}
	defer rows.Close()

	out := map[string]model.Channel{}
	for rows.Next() {
		var streamID string
		var c model.Channel
		if err := rows.Scan(&streamID, &c.ID, &c.UUID, &c.ChannelNumber, &c.Name, &c.TvgID, &c.GuideStationID,
			&c.ChannelGroupID, &c.LogoID, &c.EPGDataID, &c.StreamProfileID, &c.AutoCreatedBySource); err != nil {
			return nil, fmt.Errorf("scan auto channel mapping: %w", err)
		}
		c.AutoCreated = true
		out[streamID] = c
	}
	return out, rows.Err()
}

// ListChannelProfileIDs returns every channel profile id, the default
// "attach to all profiles" set when a membership names none explicitly.
func (s *Store) ListChannelProfileIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM channel_profiles`)
	if err != nil {
		return nil, fmt.Errorf("list channel profiles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetChannelProfileMemberships disables every existing membership for
// channelID, then enables (creating if absent) one for each id in
// profileIDs — §4.6 step 5's "disable all existing memberships then
// enable/create for the desired set".
func (s *Store) SetChannelProfileMemberships(ctx context.Context, tx pgx.Tx, channelID string, profileIDs []string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE channel_profile_memberships SET enabled = false WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("disable existing profile memberships: %w", err)
	}
	for _, profileID := range profileIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO channel_profile_memberships (channel_profile_id, channel_id, enabled)
			VALUES ($1,$2,true)
			ON CONFLICT (channel_profile_id, channel_id) DO UPDATE SET enabled = true`,
			profileID, channelID)
		if err != nil {
			return fmt.Errorf("enable profile membership %s: %w", profileID, err)
		}
	}
	return nil
}

// FindEPGDataIDByTvgID returns the first EPGData row matching tvgID, if
// any, for §4.6 step 5's EPG-data binding rule.
func (s *Store) FindEPGDataIDByTvgID(ctx context.Context, tvgID string) (string, bool, error) {
	if tvgID == "" {
		return "", false, nil
	}
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM epg_data WHERE tvg_id = $1 LIMIT 1`, tvgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find epg data by tvg id: %w", err)
	}
	return id, true, nil
}

// UpdateChannel applies the mutable fields of §4.6 step 5's update path.
func (s *Store) UpdateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) error {
	_, err := tx.Exec(ctx, `
		UPDATE channels SET name=$2, tvg_id=$3, guide_station_id=$4, channel_group_id=$5,
		       logo_id=$6, epg_data_id=$7, stream_profile_id=$8
		WHERE id=$1`,
		c.ID, c.Name, c.TvgID, c.GuideStationID, c.ChannelGroupID, c.LogoID, c.EPGDataID, c.StreamProfileID)
	return err
}

func (s *Store) DeleteChannel(ctx context.Context, tx pgx.Tx, channelID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	return err
}

func (s *Store) SetChannelStream(ctx context.Context, tx pgx.Tx, channelID, streamID string, order int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO channel_streams (channel_id, stream_id, "order")
		VALUES ($1,$2,$3)
		ON CONFLICT (channel_id, stream_id) DO UPDATE SET "order" = $3`,
		channelID, streamID, order)
	return err
}

// ChannelHasStream reports whether channelID still has any bound stream,
// for OrphanSweep's post-pass cleanup (§4.6): a channel left with zero
// edges after every group's projection has run is a true orphan.
func (s *Store) ChannelHasStream(ctx context.Context, channelID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM channel_streams WHERE channel_id = $1)`, channelID).Scan(&exists)
	return exists, err
}

// --- Rehash (§4.7) -----------------------------------------------------------

// AllStreams returns every stream across all sources, for the Rehasher's
// full recompute pass.
func (s *Store) AllStreams(ctx context.Context) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, stream_hash, name, url, tvg_id, source_id, custom_properties, updated_at
		FROM streams`)
	if err != nil {
		return nil, fmt.Errorf("list all streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		var props []byte
		if err := rows.Scan(&st.ID, &st.StreamHash, &st.Name, &st.URL, &st.TvgID,
			&st.SourceID, &props, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream for rehash: %w", err)
		}
		st.CustomProperties = decodeJSONMap(props)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetStreamHash updates one stream's content-addressed key in place.
func (s *Store) SetStreamHash(ctx context.Context, tx pgx.Tx, streamID, newHash string) error {
	_, err := tx.Exec(ctx, `UPDATE streams SET stream_hash = $2 WHERE id = $1`, streamID, newHash)
	return err
}

// CopyStreamContent overwrites targetID's mutable fields with src's,
// implementing §4.7's "if S has newer updated_at than K, copy S's
// mutable fields onto K" step — called before MergeStreams deletes S.
func (s *Store) CopyStreamContent(ctx context.Context, tx pgx.Tx, targetID string, src model.Stream) error {
	props, err := json.Marshal(src.CustomProperties)
	if err != nil {
		props = []byte("{}")
	}
	_, err = tx.Exec(ctx, `
		UPDATE streams SET name=$2, url=$3, tvg_id=$4, custom_properties=$5, updated_at=$6
		WHERE id=$1`, targetID, src.Name, src.URL, src.TvgID, props, src.UpdatedAt)
	return err
}

// MergeStreams repoints every channel_streams row from loserID to
// winnerID and deletes the loser, implementing §4.7's merge-duplicate
// step. The caller chooses the winner; when the loser is fresher, the
// caller copies its content onto the winner first (CopyStreamContent).
func (s *Store) MergeStreams(ctx context.Context, tx pgx.Tx, winnerID, loserID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE channel_streams SET stream_id = $1
		WHERE stream_id = $2
		  AND NOT EXISTS (
		    SELECT 1 FROM channel_streams cs2
		    WHERE cs2.channel_id = channel_streams.channel_id AND cs2.stream_id = $1
		  )`, winnerID, loserID)
	if err != nil {
		return fmt.Errorf("repoint channel_streams: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM channel_streams WHERE stream_id = $1`, loserID)
	if err != nil {
		return fmt.Errorf("delete loser channel_streams: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM streams WHERE id = $1`, loserID)
	return err
}

// --- Transaction helper ------------------------------------------------------

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(tx)
	return err
}

func decodeJSONMap(b []byte) map[string]any {
	if len(b) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

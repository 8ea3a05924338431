// Package model defines the canonical entities of the ingestion engine:
// Source, Group, GroupMembership, Stream, and Channel, plus the small
// value types threaded between pipeline phases. Field names follow the
// semantic names used by the design (see SPEC_FULL.md §3); this package
// has no persistence-layer dependency — internal/storage maps these to
// rows.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind distinguishes the two wire dialects a Source speaks.
type SourceKind string

const (
	SourceKindPlaylist SourceKind = "playlist"
	SourceKindCatalog  SourceKind = "catalog"
)

// SourceStatus is the lifecycle status surfaced to operators.
type SourceStatus string

const (
	StatusIdle         SourceStatus = "idle"
	StatusFetching     SourceStatus = "fetching"
	StatusParsing      SourceStatus = "parsing"
	StatusPendingSetup SourceStatus = "pending_setup"
	StatusSuccess      SourceStatus = "success"
	StatusError        SourceStatus = "error"
	StatusDisabled     SourceStatus = "disabled"
)

// Source is a subscription to one upstream provider.
type Source struct {
	ID         string
	Name       string
	Kind       SourceKind
	URLs       []string // ordered candidate base URLs; failover tries in order
	FilePath   string   // local file path, alternative to URLs
	Username   string
	Password string // decrypted in memory only; internal/storage decrypts via internal/credential on read
	UserAgent  string
	Enabled    bool
	RefreshIntervalHours int
	RetentionDays        int
	Status      SourceStatus
	LastMessage string
	CustomOptions map[string]any // notably "vod_enabled"
	AccountInfo   map[string]any // supplemented feature: catalog account metadata mirror
}

// Group is a named bucket shared across sources.
type Group struct {
	ID   string
	Name string
}

// GroupMembership is the (Source x Group) join carrying per-source annotations.
type GroupMembership struct {
	ID              string
	SourceID        string
	GroupID         string
	GroupName       string
	Enabled         bool
	CustomProperties map[string]any
}

// XCID returns the catalog category id stored in custom properties, if any.
func (m GroupMembership) XCID() (string, bool) {
	v, ok := m.CustomProperties["xc_id"]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// AutoChannelSync reports whether this membership has auto-channel
// projection enabled, per its custom properties.
func (m GroupMembership) AutoChannelSync() bool {
	v, _ := m.CustomProperties["auto_channel_sync"].(bool)
	return v
}

// Stream is a playable source entry, uniquely identified by content-addressed
// StreamHash.
type Stream struct {
	ID               string
	StreamHash       string
	Name             string
	URL              string
	LogoURL          string
	TvgID            string
	SourceID         string
	ChannelGroupID   string
	ChannelGroupName string
	CustomProperties map[string]any // original upstream attributes bag
	LastSeen         time.Time
	UpdatedAt        time.Time
}

// Channel is a user-facing tunable slot projected from streams.
type Channel struct {
	ID                string
	UUID              uuid.UUID
	ChannelNumber     float64 // fractional allowed: 1, 1.5
	Name              string
	TvgID             string
	GuideStationID    string
	LogoID            string
	EPGDataID         string
	ChannelGroupID    string
	AutoCreated       bool
	AutoCreatedBySource string
	StreamProfileID   string
}

// ChannelStream associates a Channel with one of its member Streams.
type ChannelStream struct {
	ChannelID string
	StreamID  string
	Order     int
}

// ChannelProfileMembership records a Channel's inclusion in a profile set.
type ChannelProfileMembership struct {
	ChannelProfileID string
	ChannelID        string
	Enabled          bool
}

// ParsedStream is the Parser's uniform output record, prior to hashing and
// persistence.
type ParsedStream struct {
	Name  string
	URL   string
	Attrs map[string]string // case-preserving keys; known keys read case-insensitively
}

// ParsedGroups maps group name to its parsed custom properties (e.g. xc_id
// for catalog sources). "Default Group" is always present.
type ParsedGroups map[string]map[string]any

const DefaultGroupName = "Default Group"

// NewParsedGroups returns a ParsedGroups map seeded with the sentinel
// Default Group entry.
func NewParsedGroups() ParsedGroups {
	return ParsedGroups{DefaultGroupName: map[string]any{}}
}

// RewriteRule is an ordered {search, replace} pair for rewriting catalog
// credential URLs per profile (§9 duck-typed URL rewriting). It is a
// plain data type: no code in this module applies rewrite rules.
type RewriteRule struct {
	Search  string // regexp pattern
	Replace string // replacement template; $1-style backreferences
}

// Filter is an ordered regex inclusion/exclusion rule applied during
// stream upsert (§4.4).
type FilterType string

const (
	FilterName  FilterType = "name"
	FilterURL   FilterType = "url"
	FilterGroup FilterType = "group"
)

type Filter struct {
	SourceID      string
	Order         int
	Type          FilterType
	Pattern       string
	Exclude       bool
	CaseSensitive bool
}

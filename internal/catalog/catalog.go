// Package catalog implements the JSON-over-HTTP catalog dialect: an
// Xtream-Codes-style player_api.php client (authenticate, categories,
// streams) and the normalization of its responses into model.ParsedStream
// records.
//
// Grounded on original_source/core/xtream_codes.py's Client (persistent
// session, connection-pool sizing, response-shape validation including
// the "blocked"/"forbidden" plaintext-body special case) re-expressed as
// an idiomatic Go http.Client wrapper.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/streamforge/ingestd/internal/ingesterr"
	"github.com/streamforge/ingestd/internal/model"
)

// Credentials identifies a catalog session.
type Credentials struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
}

// Client is a minimal Xtream-Codes-style player_api.php client.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	serverInfo map[string]any
}

// New builds a Client for the given credentials. The base URL is
// normalized (trailing slash stripped, path discarded) exactly as the
// donor client does, since upstream providers are sometimes configured
// with a path-bearing URL that must be reduced to scheme://host:port.
func New(creds Credentials) (*Client, error) {
	base, err := normalizeBaseURL(creds.BaseURL)
	if err != nil {
		return nil, err
	}
	creds.BaseURL = base
	if creds.UserAgent == "" {
		creds.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	}
	return &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
			},
		},
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("catalog base url is empty")
	}
	raw = strings.TrimRight(raw, "/")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid catalog base url %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Authenticate performs the player_api.php authenticate call and caches
// the server info for subsequent AccountInfo calls.
func (c *Client) Authenticate(ctx context.Context) error {
	data, err := c.request(ctx, nil)
	if err != nil {
		return err
	}
	userInfo, ok := data["user_info"].(map[string]any)
	if !ok || userInfo == nil {
		return ingesterr.New(ingesterr.Authentication, "invalid response from server: missing user_info")
	}
	c.serverInfo = data
	return nil
}

// AccountInfo extracts account metadata from the last Authenticate
// response (supplemented feature: account info refresh).
func (c *Client) AccountInfo() map[string]any {
	if c.serverInfo == nil {
		return nil
	}
	info := map[string]any{}
	if u, ok := c.serverInfo["user_info"].(map[string]any); ok {
		for _, k := range []string{"exp_date", "max_connections", "is_trial", "status"} {
			if v, ok := u[k]; ok {
				info[k] = v
			}
		}
	}
	return info
}

// category is one entry from get_live_categories.
type category struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

// GetLiveCategories returns all live categories the upstream advertises.
func (c *Client) GetLiveCategories(ctx context.Context) ([]category, error) {
	raw, err := c.rawRequest(ctx, map[string]string{"action": "get_live_categories"})
	if err != nil {
		return nil, err
	}
	return decodeList[category](raw)
}

// liveStream is one entry from get_live_streams.
type liveStream struct {
	StreamID     json.Number `json:"stream_id"`
	Name         string      `json:"name"`
	CategoryID   string      `json:"category_id"`
	StreamIcon   string      `json:"stream_icon"`
	EPGChannelID string      `json:"epg_channel_id"`
}

// GetAllLiveStreams fetches every live stream in a single bulk call,
// matching §4.1's "single bulk get-all-streams request is preferred"
// guidance — filtering by enabled category happens client-side afterward.
func (c *Client) GetAllLiveStreams(ctx context.Context) ([]liveStream, error) {
	data, err := c.rawRequest(ctx, map[string]string{"action": "get_live_streams"})
	if err != nil {
		return nil, err
	}
	var streams []liveStream
	if err := json.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("decode live streams: %w", err)
	}
	return streams, nil
}

// ToParsedStreams converts raw liveStream records into model.ParsedStream,
// filtered to the given set of enabled category ids, and builds the
// playback URL per §6: <base>/live/<username>/<password>/<stream_id>.ts.
func (c *Client) ToParsedStreams(streams []liveStream, enabledCategoryIDs map[string]string) []model.ParsedStream {
	out := make([]model.ParsedStream, 0, len(streams))
	for _, s := range streams {
		groupName, ok := enabledCategoryIDs[s.CategoryID]
		if !ok {
			continue
		}
		out = append(out, model.ParsedStream{
			Name: s.Name,
			URL:  fmt.Sprintf("%s/live/%s/%s/%s.ts", c.creds.BaseURL, c.creds.Username, c.creds.Password, s.StreamID.String()),
			Attrs: map[string]string{
				"tvg-id":      s.EPGChannelID,
				"tvg-logo":    s.StreamIcon,
				"group-title": groupName,
				"stream_id":   s.StreamID.String(),
			},
		})
	}
	return out
}

// request performs a player_api.php GET with the given extra query params
// (username/password are always included) and decodes the JSON object
// response, applying the same defensive checks as the donor client:
// empty body, plaintext-blocked responses, invalid JSON, and XC-specific
// {"error": ...} shapes.
func (c *Client) request(ctx context.Context, extra map[string]string) (map[string]any, error) {
	raw, err := c.rawRequest(ctx, extra)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, ingesterr.Wrap(ingesterr.ContentInvalid, "invalid JSON from catalog server", err).WithStatus(0, string(truncate(raw, 1000)))
	}
	if errMsg, ok := data["error"]; ok && data["user_info"] == nil {
		return nil, ingesterr.New(ingesterr.UpstreamStatus, fmt.Sprintf("catalog API error: %v", errMsg))
	}
	return data, nil
}

func (c *Client) rawRequest(ctx context.Context, extra map[string]string) ([]byte, error) {
	q := url.Values{}
	q.Set("username", c.creds.Username)
	q.Set("password", c.creds.Password)
	for k, v := range extra {
		q.Set(k, v)
	}
	endpoint := fmt.Sprintf("%s/player_api.php?%s", c.creds.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("User-Agent", c.creds.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.NetworkTransient, "catalog request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ingesterr.New(ingesterr.UpstreamStatus, "unexpected catalog status").WithStatus(resp.StatusCode, string(truncate(body, 500)))
	}
	if len(body) == 0 {
		return nil, ingesterr.New(ingesterr.ContentInvalid, "catalog API returned empty response")
	}

	trimmed := strings.ToLower(strings.TrimSpace(string(body)))
	switch trimmed {
	case "blocked", "forbidden", "access denied", "unauthorized":
		return nil, ingesterr.New(ingesterr.Authentication, "catalog request blocked by server: "+trimmed)
	}

	return body, nil
}

// decodeList decodes a JSON list response. An object carrying an XC-style
// "error" key is reported as an UpstreamStatus error; any other non-list
// payload (e.g. an object keyed by category_id) is a decode error.
func decodeList[T any](raw []byte) ([]T, error) {
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		var obj map[string]any
		if json.Unmarshal(raw, &obj) == nil {
			if errMsg, ok := obj["error"]; ok {
				return nil, ingesterr.New(ingesterr.UpstreamStatus, fmt.Sprintf("catalog API error: %v", errMsg))
			}
		}
		return nil, fmt.Errorf("decode category list: %w", err)
	}
	return list, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// EnabledCategoryIDs builds a category-id -> group-name map from the set
// of GroupMemberships whose custom_properties carry an xc_id, mirroring
// collect_xc_streams's enabled_category_ids construction.
func EnabledCategoryIDs(memberships []model.GroupMembership) map[string]string {
	out := map[string]string{}
	for _, m := range memberships {
		if xcID, ok := m.XCID(); ok && xcID != "" {
			out[xcID] = m.GroupName
		}
	}
	return out
}

// CategoriesAsGroups converts the category list into model.ParsedGroups,
// stamping each group's xc_id custom property.
func CategoriesAsGroups(categories []category) model.ParsedGroups {
	groups := model.NewParsedGroups()
	for _, cat := range categories {
		groups[cat.CategoryName] = map[string]any{"xc_id": cat.CategoryID}
	}
	return groups
}

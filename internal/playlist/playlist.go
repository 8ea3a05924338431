// Package playlist decodes the line-oriented M3U playlist dialect (§4.2)
// into model.ParsedStream records plus a model.ParsedGroups map.
//
// Grounded on this codebase's existing services/streams m3u_parser.go
// (bufio.Scanner over #EXTM3U/#EXTINF sentinels, case-insensitive attribute
// lookup) generalized per the OPEN QUESTION DECISION in SPEC_FULL.md: the
// tolerant attribute-quoting variant wins, so bare key=value pairs (no
// surrounding quotes) are accepted alongside key="value" and key='value'.
package playlist

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/streamforge/ingestd/internal/model"
)

// attrRE matches key="value", key='value', or bare key=value (tolerant
// variant, see package doc). Keys are [\w-]+; quoted values may contain
// anything except the closing quote; bare values run until whitespace or
// comma.
var attrRE = regexp.MustCompile(`([\w-]+)=(?:"([^"]*)"|'([^']*)'|([^\s,]+))`)

// HeaderSentinel and EntrySentinel are the two playlist markers used both
// to parse and, in Fetcher, to content-validate a downloaded payload.
const (
	HeaderSentinel = "#EXTM3U"
	EntrySentinel  = "#EXTINF:"
)

// ParseResult is the Parser's output for one playlist payload.
type ParseResult struct {
	Streams []model.ParsedStream
	Groups  model.ParsedGroups
}

// ParseLines decodes an already-fetched, already-validated set of playlist
// lines (UTF-8, errors-ignored decode is the Fetcher's job) into streams and
// groups. It does not itself validate playlist-ness — see
// internal/fetch.IsValidPlaylist for that gate.
func ParseLines(lines []string) ParseResult {
	result := ParseResult{Groups: model.NewParsedGroups()}

	var pending *parsedHeader
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, EntrySentinel):
			h := parseExtinf(trimmed)
			pending = h
			continue
		case strings.HasPrefix(trimmed, "#"):
			// Any other directive line resets whatever header we were
			// holding — an EXTINF with no following URL is discarded.
			pending = nil
			continue
		case strings.HasPrefix(strings.ToLower(trimmed), "http"):
			groupName := model.DefaultGroupName
			attrs := map[string]string{}
			name := trimmed
			if pending != nil {
				attrs = pending.Attrs
				name = pending.Name
				if g := caseInsensitiveAttr(attrs, "group-title"); g != "" {
					groupName = g
				}
			}
			if name == "" {
				name = trimmed
			}

			result.Streams = append(result.Streams, model.ParsedStream{
				Name:  name,
				URL:   trimmed,
				Attrs: attrs,
			})
			ensureGroup(result.Groups, groupName)
			pending = nil
		default:
			// Stray non-# non-http line: ignore, keep current pending header.
		}
	}
	return result
}

// ParseReader is a convenience wrapper around ParseLines for an io.Reader
// source, using the same generous scanner buffer the fetcher uses for very
// long EXTINF lines.
func ParseReader(r interface{ Read([]byte) (int, error) }) (ParseResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return ParseResult{}, fmt.Errorf("scan playlist: %w", err)
	}
	return ParseLines(lines), nil
}

type parsedHeader struct {
	Attrs       map[string]string
	DisplayName string
	Name        string
}

// parseExtinf parses one "#EXTINF:..." line into its attribute bag and
// effective name, following §4.2: split on the first comma not inside a
// quoted value; the right side is the fallback display name; the
// effective name is tvg-name if present, else the display name.
func parseExtinf(line string) *parsedHeader {
	content := strings.TrimSpace(strings.TrimPrefix(line, EntrySentinel))

	attrsPart, displayName := splitOnUnquotedComma(content)
	attrs := map[string]string{}
	for _, m := range attrRE.FindAllStringSubmatch(attrsPart, -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		if m[3] != "" {
			val = m[3]
		} else if m[4] != "" {
			val = m[4]
		}
		attrs[key] = val
	}

	name := caseInsensitiveAttr(attrs, "tvg-name")
	if name == "" {
		name = strings.TrimSpace(displayName)
	}

	return &parsedHeader{Attrs: attrs, DisplayName: strings.TrimSpace(displayName), Name: name}
}

// splitOnUnquotedComma splits s on the first comma that is not enclosed in
// a quoted value (either " or '). If no such comma is found, the whole
// string is returned as the attrs part with an empty display name.
func splitOnUnquotedComma(s string) (attrsPart, rest string) {
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == ',':
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// ensureGroup records groupName in groups if not already present, carrying
// no custom properties for a playlist-sourced group (xc_id is a catalog-
// dialect concept only).
func ensureGroup(groups model.ParsedGroups, groupName string) {
	if _, ok := groups[groupName]; !ok {
		groups[groupName] = map[string]any{}
	}
}

// caseInsensitiveAttr looks up key in attrs ignoring case, per §4.2's
// requirement that known attribute keys (tvg-name, tvg-id, tvg-logo,
// group-title) resolve case-insensitively. attrs keys are already
// lower-cased by parseExtinf, so this just normalizes the lookup key.
func caseInsensitiveAttr(attrs map[string]string, key string) string {
	return attrs[strings.ToLower(key)]
}

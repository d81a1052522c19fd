// Package store implements the content-addressed resource store: typed
// persistence over a plain filesystem, keyed by hierarchical resource IDs
// with monotonic timestamping, glob listing, and pagination.
package store

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one (collection, element) pair of a resource ID, e.g.
// ("projects", "p1") or ("brains", "b1").
type segment struct {
	Collection string
	Element    string
}

// ResourceID is an ordered sequence of (collection, element) pairs rendered
// as a path such as projects/{p}/brains/{b}/sessions/{s}.
type ResourceID struct {
	Project    string
	Brain      string
	Session    string
	Episode    string
	Chunk      string
	Assignment string
	Snapshot   string
	Model      string
	Attribute  string // reserved final segment naming an attribute record
}

// Path renders the resource ID as its filesystem path, excluding the
// trailing resource.{timestamp} file name.
func (r ResourceID) Path() string {
	var b strings.Builder
	writeSeg := func(collection, element string) {
		if element == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		fmt.Fprintf(&b, "%s/%s", collection, element)
	}
	writeSeg("projects", r.Project)
	writeSeg("brains", r.Brain)
	writeSeg("sessions", r.Session)
	writeSeg("episodes", r.Episode)
	writeSeg("chunks", r.Chunk)
	writeSeg("assignments", r.Assignment)
	writeSeg("snapshots", r.Snapshot)
	writeSeg("models", r.Model)
	if r.Attribute != "" {
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(r.Attribute)
	}
	return b.String()
}

func (r ResourceID) String() string { return r.Path() }

// dataFilename returns the path of the resource.{timestamp} file for rid,
// matching the original's `resource.{timestamp_micros:016d}` convention.
func dataFilename(rid ResourceID, timestampMicros int64) string {
	return rid.Path() + "/resource." + fmt.Sprintf("%016d", timestampMicros)
}

// ExpandBraces expands a single level of shell-style brace groups in a
// glob pattern, e.g. "sessions/{s1,s2}/episodes/*" ->
// ["sessions/s1/episodes/*", "sessions/s2/episodes/*"]. Only one brace
// group is supported per pattern segment, matching the store's own usage
// (GetEpisodeChunks expands over a session-id list).
func ExpandBraces(pattern string) []string {
	start := strings.IndexByte(pattern, '{')
	if start < 0 {
		return []string{pattern}
	}
	end := strings.IndexByte(pattern[start:], '}')
	if end < 0 {
		return []string{pattern}
	}
	end += start
	prefix := pattern[:start]
	suffix := pattern[end+1:]
	inner := pattern[start+1 : end]
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, prefix+p+suffix)
	}
	return out
}

// parsePageToken decodes a pagination cursor of the form "{timestamp}:{rid}".
func parsePageToken(token string) (timestampMicros int64, rid string, ok bool) {
	if token == "" {
		return 0, "", false
	}
	idx := strings.IndexByte(token, ':')
	if idx < 0 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, token[idx+1:], true
}

func makePageToken(timestampMicros int64, rid string) string {
	return fmt.Sprintf("%d:%s", timestampMicros, rid)
}

package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ResourceStore is typed persistence over a FileSystem, keyed by resource
// IDs, with monotonic timestamping, glob listing, and pagination (spec
// §4.1). It does not inspect record contents beyond the resource id and
// timestamp the caller supplies; payload encoding is the caller's concern
// (the Storage façade in internal/learner encodes/decodes JSON).
type ResourceStore struct {
	fs    FileSystem
	index *Index // auxiliary sqlite cache of (rid, timestamp); optional
}

// NewResourceStore builds a store over fs. index may be nil. When set, it
// caches the timestamps Write records and serves ReadTimestampMicros (and
// so Read) from them; List and MostRecent always glob the filesystem.
func NewResourceStore(fs FileSystem, index *Index) *ResourceStore {
	return &ResourceStore{fs: fs, index: index}
}

// Write stores payload at rid, choosing the effective timestamp by the
// rule: caller-provided timestamp wins; else the previously stored
// timestamp is reused; else now() is allocated. A caller-provided
// timestamp that disagrees with an existing one fails with
// ErrVersionConflict.
func (s *ResourceStore) Write(rid ResourceID, payload []byte, callerTimestampMicros int64) (int64, error) {
	existing, err := s.ReadTimestampMicros(rid)
	hasExisting := err == nil
	if err != nil && err != ErrNotFound {
		return 0, err
	}

	var effective int64
	switch {
	case callerTimestampMicros > 0 && hasExisting && callerTimestampMicros != existing:
		return 0, fmt.Errorf("store: write %s: %w (have %d, want %d)", rid, ErrVersionConflict, existing, callerTimestampMicros)
	case callerTimestampMicros > 0:
		effective = callerTimestampMicros
	case hasExisting:
		effective = existing
	default:
		effective = time.Now().UnixMicro()
	}

	if err := s.fs.WriteFile(dataFilename(rid, effective), payload); err != nil {
		return 0, fmt.Errorf("store: write %s: %w", rid, err)
	}
	if s.index != nil {
		if err := s.index.UpsertResource(rid.Path(), effective); err != nil {
			return 0, fmt.Errorf("store: index %s: %w", rid, err)
		}
	}
	return effective, nil
}

// Read returns the decoded payload and timestamp for rid.
func (s *ResourceStore) Read(rid ResourceID) ([]byte, int64, error) {
	ts, err := s.ReadTimestampMicros(rid)
	if err != nil {
		return nil, 0, err
	}
	data, err := s.fs.ReadFile(dataFilename(rid, ts))
	if err != nil {
		return nil, 0, fmt.Errorf("store: read %s: %w", rid, err)
	}
	return data, ts, nil
}

// ReadPath reads a resource whose directory path was already resolved by
// List or MostRecent (a raw rid string, not a structured ResourceID).
func (s *ResourceStore) ReadPath(rid string) ([]byte, int64, error) {
	matches, err := s.fs.Glob(rid + "/resource.*")
	if err != nil {
		return nil, 0, fmt.Errorf("store: read %s: %w", rid, err)
	}
	if len(matches) != 1 {
		return nil, 0, fmt.Errorf("store: read %s: %w", rid, ErrNotFound)
	}
	ts, err := parseTimestampSuffix(matches[0])
	if err != nil {
		return nil, 0, err
	}
	data, err := s.fs.ReadFile(matches[0])
	if err != nil {
		return nil, 0, fmt.Errorf("store: read %s: %w", rid, err)
	}
	return data, ts, nil
}

// ReadTimestampMicros exposes the stored timestamp without decoding the
// payload, per spec §4.1. Exactly one resource.* file is expected; more
// than one is a detectable corruption.
func (s *ResourceStore) ReadTimestampMicros(rid ResourceID) (int64, error) {
	if s.index != nil {
		if ts, ok, err := s.index.GetResourceTimestamp(rid.Path()); err != nil {
			return 0, err
		} else if ok {
			return ts, nil
		}
	}
	matches, err := s.fs.Glob(rid.Path() + "/resource.*")
	if err != nil {
		return 0, fmt.Errorf("store: glob %s: %w", rid, err)
	}
	switch len(matches) {
	case 0:
		return 0, ErrNotFound
	case 1:
		return parseTimestampSuffix(matches[0])
	default:
		return 0, fmt.Errorf("store: %s: %w (found %d resource files)", rid, ErrCorrupt, len(matches))
	}
}

func parseTimestampSuffix(path string) (int64, error) {
	base := filepath.Base(path)
	const prefix = "resource."
	if !strings.HasPrefix(base, prefix) {
		return 0, fmt.Errorf("store: %s: %w (unexpected filename)", path, ErrCorrupt)
	}
	ts, err := strconv.ParseInt(strings.TrimPrefix(base, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: %s: %w (%v)", path, ErrCorrupt, err)
	}
	return ts, nil
}

type listEntry struct {
	rid string
	ts  int64
}

// List resolves '*' and brace-expansion in globPattern (a path such as
// "projects/p/brains/b/sessions/{s1,s2}/episodes/*/chunks/*"), sorts
// candidates by (timestamp, rid), applies minTimestamp, and paginates
// using a "{timestamp}:{rid}" cursor. Returns ([], "") when nothing
// matches.
func (s *ResourceStore) List(globPattern string, minTimestampMicros int64, pageToken string, pageSize int, descending bool) ([]string, string, error) {
	entries, err := s.listCandidates(globPattern, minTimestampMicros)
	if err != nil {
		return nil, "", err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			if descending {
				return entries[i].ts > entries[j].ts
			}
			return entries[i].ts < entries[j].ts
		}
		if descending {
			return entries[i].rid > entries[j].rid
		}
		return entries[i].rid < entries[j].rid
	})

	startIdx := 0
	if cursorTS, cursorRID, ok := parsePageToken(pageToken); ok {
		startIdx = sort.Search(len(entries), func(i int) bool {
			e := entries[i]
			if descending {
				if e.ts != cursorTS {
					return e.ts < cursorTS
				}
				return e.rid < cursorRID
			}
			if e.ts != cursorTS {
				return e.ts > cursorTS
			}
			return e.rid > cursorRID
		})
		// sort.Search finds the first index satisfying the predicate;
		// for ties on (ts, rid) we must additionally skip the cursor
		// element itself (strict inequality), which the predicate above
		// already encodes.
	}

	end := len(entries)
	if pageSize > 0 && startIdx+pageSize < end {
		end = startIdx + pageSize
	}
	page := entries[startIdx:end]

	rids := make([]string, len(page))
	for i, e := range page {
		rids[i] = e.rid
	}

	nextToken := ""
	if end < len(entries) {
		last := page[len(page)-1]
		nextToken = makePageToken(last.ts, last.rid)
	}
	return rids, nextToken, nil
}

func (s *ResourceStore) listCandidates(globPattern string, minTimestampMicros int64) ([]listEntry, error) {
	patterns := ExpandBraces(globPattern)
	seen := make(map[string]struct{})
	var entries []listEntry
	for _, pattern := range patterns {
		matches, err := s.fs.Glob(pattern + "/resource.*")
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", globPattern, err)
		}
		for _, m := range matches {
			ts, err := parseTimestampSuffix(m)
			if err != nil {
				return nil, err
			}
			if ts < minTimestampMicros {
				continue
			}
			rid := strings.TrimSuffix(filepath.Dir(m), "/")
			if _, dup := seen[rid]; dup {
				continue
			}
			seen[rid] = struct{}{}
			entries = append(entries, listEntry{rid: rid, ts: ts})
		}
	}
	return entries, nil
}

// MostRecent returns the largest entry by timestamp matching globPattern,
// or ok=false if nothing matches.
func (s *ResourceStore) MostRecent(globPattern string) (rid string, ok bool, err error) {
	entries, err := s.listCandidates(globPattern, 0)
	if err != nil {
		return "", false, err
	}
	if len(entries) == 0 {
		return "", false, nil
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.ts > best.ts || (e.ts == best.ts && e.rid > best.rid) {
			best = e
		}
	}
	return best.rid, true, nil
}

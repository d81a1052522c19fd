package store

import (
	"path/filepath"
	"sort"
	"testing"
)

// memFS is a minimal in-memory FileSystem for exercising ResourceStore
// without touching disk.
type memFS struct {
	files map[string][]byte
}

func newMemFS() *memFS { return &memFS{files: make(map[string][]byte)} }

func (m *memFS) WriteFile(path string, data []byte) error {
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) ReadFile(path string) ([]byte, error) {
	d, ok := m.files[path]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *memFS) Glob(pattern string) ([]string, error) {
	var out []string
	for p := range m.files {
		if ok, _ := filepath.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memFS) Subscribe(func(string)) func() { return func() {} }

func TestResourceStoreWriteRead(t *testing.T) {
	fs := newMemFS()
	s := NewResourceStore(fs, nil)
	rid := ResourceID{Project: "p1", Brain: "b1", Session: "s1"}

	ts, err := s.Write(rid, []byte("payload-1"), 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ts <= 0 {
		t.Fatalf("expected allocated timestamp, got %d", ts)
	}

	data, gotTS, err := s.Read(rid)
	if err != nil || string(data) != "payload-1" || gotTS != ts {
		t.Fatalf("Read got data=%q ts=%d err=%v", data, gotTS, err)
	}

	// Re-writing without an explicit timestamp reuses the existing one.
	ts2, err := s.Write(rid, []byte("payload-2"), 0)
	if err != nil || ts2 != ts {
		t.Fatalf("expected reused timestamp %d, got %d err=%v", ts, ts2, err)
	}

	// An explicit, conflicting timestamp is rejected.
	if _, err := s.Write(rid, []byte("payload-3"), ts+1); err == nil {
		t.Fatalf("expected version conflict")
	}
}

func TestResourceStoreReadMissing(t *testing.T) {
	s := NewResourceStore(newMemFS(), nil)
	if _, _, err := s.Read(ResourceID{Project: "p1"}); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestResourceStoreListPaginationAscending(t *testing.T) {
	fs := newMemFS()
	s := NewResourceStore(fs, nil)

	for i, sess := range []string{"s1", "s2", "s3", "s4"} {
		rid := ResourceID{Project: "p1", Brain: "b1", Session: sess}
		if _, err := s.Write(rid, []byte("x"), int64(1000+i)); err != nil {
			t.Fatalf("Write %s: %v", sess, err)
		}
	}

	pattern := ResourceID{Project: "p1", Brain: "b1", Session: "*"}.Path()

	page1, token1, err := s.List(pattern, 0, "", 2, false)
	if err != nil {
		t.Fatalf("List page1: %v", err)
	}
	if len(page1) != 2 || token1 == "" {
		t.Fatalf("page1=%v token1=%q, want 2 entries and a next token", page1, token1)
	}

	page2, token2, err := s.List(pattern, 0, token1, 2, false)
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	if len(page2) != 2 || token2 != "" {
		t.Fatalf("page2=%v token2=%q, want 2 entries and no next token", page2, token2)
	}

	all := append(append([]string{}, page1...), page2...)
	want := []string{
		ResourceID{Project: "p1", Brain: "b1", Session: "s1"}.Path(),
		ResourceID{Project: "p1", Brain: "b1", Session: "s2"}.Path(),
		ResourceID{Project: "p1", Brain: "b1", Session: "s3"}.Path(),
		ResourceID{Project: "p1", Brain: "b1", Session: "s4"}.Path(),
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, all[i], want[i])
		}
	}
}

func TestResourceStoreListDescendingAndMinTimestamp(t *testing.T) {
	fs := newMemFS()
	s := NewResourceStore(fs, nil)

	for i, sess := range []string{"s1", "s2", "s3"} {
		rid := ResourceID{Project: "p1", Brain: "b1", Session: sess}
		if _, err := s.Write(rid, []byte("x"), int64(1000+i)); err != nil {
			t.Fatalf("Write %s: %v", sess, err)
		}
	}
	pattern := ResourceID{Project: "p1", Brain: "b1", Session: "*"}.Path()

	rids, next, err := s.List(pattern, 0, "", 0, true)
	if err != nil || next != "" {
		t.Fatalf("List descending: rids=%v next=%q err=%v", rids, next, err)
	}
	want := []string{
		ResourceID{Project: "p1", Brain: "b1", Session: "s3"}.Path(),
		ResourceID{Project: "p1", Brain: "b1", Session: "s2"}.Path(),
		ResourceID{Project: "p1", Brain: "b1", Session: "s1"}.Path(),
	}
	for i := range want {
		if rids[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, rids[i], want[i])
		}
	}

	filtered, _, err := s.List(pattern, 1001, "", 0, false)
	if err != nil {
		t.Fatalf("List with minTimestamp: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("got %d entries, want 2 (s2, s3)", len(filtered))
	}
}

func TestResourceStoreMostRecent(t *testing.T) {
	fs := newMemFS()
	s := NewResourceStore(fs, nil)

	for i, sess := range []string{"s1", "s2", "s3"} {
		rid := ResourceID{Project: "p1", Brain: "b1", Session: sess}
		if _, err := s.Write(rid, []byte("x"), int64(1000+i*10)); err != nil {
			t.Fatalf("Write %s: %v", sess, err)
		}
	}

	pattern := ResourceID{Project: "p1", Brain: "b1", Session: "*"}.Path()
	rid, ok, err := s.MostRecent(pattern)
	if err != nil || !ok {
		t.Fatalf("MostRecent: ok=%v err=%v", ok, err)
	}
	want := ResourceID{Project: "p1", Brain: "b1", Session: "s3"}.Path()
	if rid != want {
		t.Fatalf("got %q, want %q", rid, want)
	}

	_, ok, err = s.MostRecent(ResourceID{Project: "nope", Brain: "*", Session: "*"}.Path())
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

package learner

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/cortex/internal/graph"
	"github.com/antigravity-dev/cortex/internal/monitor"
	"github.com/antigravity-dev/cortex/internal/store"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewLocalFileSystem(root, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalFileSystem: %v", err)
	}
	idx, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	rs := store.NewResourceStore(fs, idx)
	dag, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	t.Cleanup(func() { dag.Close() })
	mon := monitor.New(root, fs, idx, time.Hour)
	return NewStorage(rs, dag, mon, 600)
}

func TestStorageSessionStateLifecycle(t *testing.T) {
	s := newTestStorage(t)
	now := time.UnixMicro(10_000_000)

	sess := Session{Project: "p1", Brain: "b1", SessionID: "s1", CreatedMicros: now.UnixMicro()}
	if err := s.putSession(sess); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	state, err := s.GetSessionState("p1", "b1", "s1", now)
	if err != nil || state != SessionNew {
		t.Fatalf("got %v, %v; want SessionNew", state, err)
	}

	sess.LastDataReceivedMicros = now.UnixMicro()
	if err := s.putSession(sess); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	state, _ = s.GetSessionState("p1", "b1", "s1", now)
	if state != SessionInProgress {
		t.Fatalf("got %v, want SessionInProgress", state)
	}

	state, _ = s.GetSessionState("p1", "b1", "s1", now.Add(700*time.Second))
	if state != SessionStale {
		t.Fatalf("got %v, want SessionStale", state)
	}

	sess.EndedMicros = now.UnixMicro()
	if err := s.putSession(sess); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	state, _ = s.GetSessionState("p1", "b1", "s1", now)
	if state != SessionEnded {
		t.Fatalf("got %v, want SessionEnded", state)
	}
}

func TestStorageRecordNewModelSuppressedWhenSessionEnded(t *testing.T) {
	s := newTestStorage(t)
	sess := Session{Project: "p1", Brain: "b1", SessionID: "s1", CreatedMicros: time.Now().UnixMicro(), EndedMicros: time.Now().UnixMicro()}
	if err := s.putSession(sess); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	a := Assignment{Project: "p1", Brain: "b1", Session: "s1", AssignmentID: "default"}
	id, err := s.RecordNewModel(a, "ep1", 3, 100, 1000, 0, "/models/m1", "/models/m1.zip", "")
	if err != nil {
		t.Fatalf("RecordNewModel: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated id even when suppressed")
	}
	if _, err := s.rs.Read(store.ResourceID{Project: "p1", Brain: "b1", Model: id}); err == nil {
		t.Fatalf("expected no model record written for an ended session")
	}
}

func TestStorageWriteEpisodeChunkEnforcesOrdering(t *testing.T) {
	s := newTestStorage(t)
	chunk1 := EpisodeChunk{Project: "p1", Brain: "b1", Session: "s1", EpisodeID: "ep1", ChunkID: 1, EpisodeState: EpisodeInProgress}
	if err := s.WriteEpisodeChunk(chunk1); err == nil {
		t.Fatalf("expected MissingPredecessor error when writing chunk 1 before chunk 0")
	}

	chunk0 := EpisodeChunk{
		Project: "p1", Brain: "b1", Session: "s1", EpisodeID: "ep1", ChunkID: 0,
		EpisodeState: EpisodeInProgress,
		Steps:        []Step{{Source: SourceHumanDemonstration}},
	}
	if err := s.WriteEpisodeChunk(chunk0); err != nil {
		t.Fatalf("WriteEpisodeChunk chunk0: %v", err)
	}
	if err := s.WriteEpisodeChunk(chunk1); err != nil {
		t.Fatalf("WriteEpisodeChunk chunk1 after chunk0: %v", err)
	}

	chunks, err := s.GetEpisodeChunks("p1", "b1", []string{"s1"}, 0)
	if err != nil {
		t.Fatalf("GetEpisodeChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].StepsType != StepsOnlyDemonstrations {
		t.Fatalf("got %v, want StepsOnlyDemonstrations", chunks[0].StepsType)
	}
}

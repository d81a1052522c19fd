// Package monitor translates filesystem-level changes into pending-
// assignment and episode-chunk-arrival callbacks, while guaranteeing
// single-worker exclusion per assignment via a filesystem-backed lease
// (spec §4.2).
package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/cortex/internal/store"
)

// ChunkArrival names a newly observed chunk under an acquired assignment.
type ChunkArrival struct {
	AssignmentRID string
	ChunkRID      string
}

// AssignmentMonitor watches a resource store root for new assignments and,
// for assignments this process holds the lease on, new chunks.
type AssignmentMonitor struct {
	root         string
	fs           store.FileSystem
	index        *store.Index
	ownerID      string
	pollInterval time.Duration

	pending chan string
	chunks  chan ChunkArrival

	mu       sync.Mutex
	acquired map[string]struct{} // assignment rid -> held by this process
	seenChunks map[string]struct{}
	seenAssignments map[string]struct{}
}

// New constructs a monitor. root is the resource store's filesystem root
// (used for lease sentinel paths); fs and index back the same resource
// store the monitor watches.
func New(root string, fs store.FileSystem, index *store.Index, pollInterval time.Duration) *AssignmentMonitor {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &AssignmentMonitor{
		root:            root,
		fs:              fs,
		index:           index,
		ownerID:         uuid.NewString(),
		pollInterval:    pollInterval,
		pending:         make(chan string, 64),
		chunks:          make(chan ChunkArrival, 256),
		acquired:        make(map[string]struct{}),
		seenChunks:      make(map[string]struct{}),
		seenAssignments: make(map[string]struct{}),
	}
}

func (m *AssignmentMonitor) PendingAssignments() <-chan string       { return m.pending }
func (m *AssignmentMonitor) ChunkArrivals() <-chan ChunkArrival      { return m.chunks }
func (m *AssignmentMonitor) OwnerID() string                        { return m.ownerID }

// Run performs the startup scan and then polls indefinitely until ctx is
// canceled, fanning both goroutines out via errgroup (spec §4.2's
// "DOMAIN STACK" wiring).
func (m *AssignmentMonitor) Run(ctx context.Context, assignmentGlob string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.startupScan(assignmentGlob) })
	g.Go(func() error { return m.pollLoop(ctx, assignmentGlob) })
	return g.Wait()
}

func (m *AssignmentMonitor) startupScan(assignmentGlob string) error {
	rids, err := m.fs.Glob(assignmentGlob + "/resource.*")
	if err != nil {
		return fmt.Errorf("monitor: startup scan: %w", err)
	}
	sort.Strings(rids)
	for _, resourcePath := range rids {
		assignmentRID := filepath.Dir(resourcePath)
		m.markAssignmentSeen(assignmentRID)
		if !m.holds(assignmentRID) {
			m.pending <- assignmentRID
		}
	}
	return nil
}

func (m *AssignmentMonitor) pollLoop(ctx context.Context, assignmentGlob string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.pollOnce(assignmentGlob); err != nil {
				return err
			}
		}
	}
}

func (m *AssignmentMonitor) pollOnce(assignmentGlob string) error {
	resources, err := m.fs.Glob(assignmentGlob + "/resource.*")
	if err != nil {
		return fmt.Errorf("monitor: poll: %w", err)
	}
	for _, resourcePath := range resources {
		assignmentRID := filepath.Dir(resourcePath)
		if !m.assignmentSeen(assignmentRID) {
			m.markAssignmentSeen(assignmentRID)
			if !m.holds(assignmentRID) {
				m.pending <- assignmentRID
			}
			continue
		}
		if m.holds(assignmentRID) {
			if err := m.scanChunks(assignmentRID); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanChunks delivers chunk-arrival callbacks for new chunks under the
// session implied by assignmentRID. Unleased assignments never reach this
// path; their chunks are observed instead via Storage.GetEpisodeChunks.
func (m *AssignmentMonitor) scanChunks(assignmentRID string) error {
	chunkGlob := filepath.Join(filepath.Dir(filepath.Dir(assignmentRID)), "episodes", "*", "chunks", "*")
	chunks, err := m.fs.Glob(chunkGlob + "/resource.*")
	if err != nil {
		return fmt.Errorf("monitor: scan chunks for %s: %w", assignmentRID, err)
	}
	for _, resourcePath := range chunks {
		chunkRID := filepath.Dir(resourcePath)
		key := assignmentRID + "|" + chunkRID
		m.mu.Lock()
		_, seen := m.seenChunks[key]
		if !seen {
			m.seenChunks[key] = struct{}{}
		}
		m.mu.Unlock()
		if !seen {
			m.chunks <- ChunkArrival{AssignmentRID: assignmentRID, ChunkRID: chunkRID}
		}
	}
	return nil
}

func (m *AssignmentMonitor) markAssignmentSeen(rid string) {
	m.mu.Lock()
	m.seenAssignments[rid] = struct{}{}
	m.mu.Unlock()
}

func (m *AssignmentMonitor) assignmentSeen(rid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seenAssignments[rid]
	return ok
}

func (m *AssignmentMonitor) holds(rid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.acquired[rid]
	return ok
}

// holdsOther reports whether this monitor already holds a lease on some
// assignment other than rid, returning that assignment's rid for the
// caller's error message.
func (m *AssignmentMonitor) holdsOther(rid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for held := range m.acquired {
		if held != rid {
			return held, true
		}
	}
	return "", false
}

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/cortex/internal/store"
)

// AcquireAssignment attempts to become the exclusive lessee of
// assignmentRID. Ownership is decided by the index's claim_leases row,
// whose conditional upsert lets exactly one of concurrent callers sharing
// the index (across processes) succeed; a per-owner lock.{ownerID}
// sentinel file is created beside it for the staleness sweep. A single
// AssignmentMonitor may hold at most one active acquisition at a time:
// acquiring a second, different assignment before releasing the first
// fails rather than silently stacking leases.
func (m *AssignmentMonitor) AcquireAssignment(assignmentRID string) error {
	if m.holds(assignmentRID) {
		return nil // idempotent from the same holder
	}
	if other, ok := m.holdsOther(assignmentRID); ok {
		return fmt.Errorf("monitor: acquire %s: already holding %s: %w", assignmentRID, other, store.ErrVersionConflict)
	}
	dir := filepath.Join(m.root, filepath.FromSlash(assignmentRID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("monitor: acquire %s: %w", assignmentRID, err)
	}
	sentinel := filepath.Join(dir, "lock."+m.ownerID)
	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("monitor: acquire %s: %w (already leased)", assignmentRID, store.ErrVersionConflict)
		}
		return fmt.Errorf("monitor: acquire %s: %w", assignmentRID, err)
	}
	f.Close()

	now := time.Now()
	if err := m.index.UpsertClaimLease(assignmentRID, m.ownerID, now); err != nil {
		os.Remove(sentinel)
		return fmt.Errorf("monitor: acquire %s: %w", assignmentRID, err)
	}

	m.mu.Lock()
	m.acquired[assignmentRID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// ReleaseAssignment releases a lease this process holds. Idempotent.
func (m *AssignmentMonitor) ReleaseAssignment(assignmentRID string) error {
	dir := filepath.Join(m.root, filepath.FromSlash(assignmentRID))
	sentinel := filepath.Join(dir, "lock."+m.ownerID)
	if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("monitor: release %s: %w", assignmentRID, err)
	}
	if err := m.index.DeleteClaimLease(assignmentRID); err != nil {
		return fmt.Errorf("monitor: release %s: %w", assignmentRID, err)
	}
	m.mu.Lock()
	delete(m.acquired, assignmentRID)
	m.mu.Unlock()
	return nil
}

// Heartbeat renews this process's lease, used by a long-running assignment
// to stay ahead of the staleness sweep.
func (m *AssignmentMonitor) Heartbeat(assignmentRID string) error {
	return m.index.HeartbeatClaimLease(assignmentRID, m.ownerID, time.Now())
}

package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/cortex/internal/store"
)

func newTestMonitor(t *testing.T) (*AssignmentMonitor, store.FileSystem, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewLocalFileSystem(root, time.Hour) // disable background polling noise in tests
	if err != nil {
		t.Fatalf("NewLocalFileSystem: %v", err)
	}
	idx, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	m := New(root, fs, idx, time.Hour)
	return m, fs, root
}

func TestAcquireAssignmentExclusive(t *testing.T) {
	m, _, root := newTestMonitor(t)
	_ = root

	if err := m.AcquireAssignment("assignments/a1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Idempotent from the same holder.
	if err := m.AcquireAssignment("assignments/a1"); err != nil {
		t.Fatalf("re-acquire from same holder should succeed: %v", err)
	}

	other := New(root, nil, m.index, time.Hour)
	if err := other.AcquireAssignment("assignments/a1"); err == nil {
		t.Fatalf("expected a second holder to fail to acquire")
	}

	if err := m.ReleaseAssignment("assignments/a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := other.AcquireAssignment("assignments/a1"); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}

func TestAcquireAssignmentRejectsSecondDistinctAssignment(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	if err := m.AcquireAssignment("assignments/a1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.AcquireAssignment("assignments/a2"); err == nil {
		t.Fatalf("expected acquiring a second, different assignment to fail while a1 is held")
	}
	// The same rid remains fine (idempotent), and releasing the held
	// assignment frees the monitor to acquire a different one.
	if err := m.AcquireAssignment("assignments/a1"); err != nil {
		t.Fatalf("re-acquire of the held assignment should still succeed: %v", err)
	}
	if err := m.ReleaseAssignment("assignments/a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.AcquireAssignment("assignments/a2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestStartupScanDeliversPendingAssignments(t *testing.T) {
	m, fs, _ := newTestMonitor(t)
	if err := fs.WriteFile("projects/p1/brains/b1/sessions/s1/assignments/a1/resource.0000000000001000", []byte("{}")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := m.startupScan("projects/*/brains/*/sessions/*/assignments/*"); err != nil {
		t.Fatalf("startupScan: %v", err)
	}

	select {
	case rid := <-m.PendingAssignments():
		if rid != "projects/p1/brains/b1/sessions/s1/assignments/a1" {
			t.Fatalf("got %q", rid)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a pending assignment callback")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.pollInterval = 10 * time.Millisecond
	if err := m.Run(ctx, "projects/*/brains/*/sessions/*/assignments/*"); err == nil {
		t.Fatalf("expected Run to return the context's cancellation error")
	}
}

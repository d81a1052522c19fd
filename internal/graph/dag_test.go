package graph

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDAG(t *testing.T) *DAG {
	t.Helper()
	dag, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dag.Close() })
	return dag
}

func TestAddSnapshotAndParent(t *testing.T) {
	ctx := context.Background()
	dag := openTestDAG(t)

	for _, rid := range []string{"snap-a", "snap-b", "snap-c"} {
		if err := dag.AddSnapshot(ctx, rid, "session-1", 1000); err != nil {
			t.Fatalf("AddSnapshot %s: %v", rid, err)
		}
	}

	if err := dag.AddParent(ctx, "snap-b", "snap-a"); err != nil {
		t.Fatalf("AddParent b->a: %v", err)
	}
	if err := dag.AddParent(ctx, "snap-c", "snap-b"); err != nil {
		t.Fatalf("AddParent c->b: %v", err)
	}

	ancestors, err := dag.Ancestors(ctx, "snap-c")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("got %v, want 2 ancestors (snap-a, snap-b)", ancestors)
	}

	isAncestor, err := dag.IsAncestor(ctx, "snap-c", "snap-a")
	if err != nil || !isAncestor {
		t.Fatalf("IsAncestor(c, a) = %v, %v; want true, nil", isAncestor, err)
	}
	isAncestor, err = dag.IsAncestor(ctx, "snap-a", "snap-c")
	if err != nil || isAncestor {
		t.Fatalf("IsAncestor(a, c) = %v, %v; want false, nil", isAncestor, err)
	}
}

func TestAddParentRejectsSelfLoop(t *testing.T) {
	ctx := context.Background()
	dag := openTestDAG(t)
	if err := dag.AddSnapshot(ctx, "snap-a", "session-1", 1000); err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}
	if err := dag.AddParent(ctx, "snap-a", "snap-a"); err == nil {
		t.Fatalf("expected self-loop rejection")
	}
}

func TestAddParentRejectsCycle(t *testing.T) {
	ctx := context.Background()
	dag := openTestDAG(t)
	for _, rid := range []string{"snap-a", "snap-b", "snap-c"} {
		if err := dag.AddSnapshot(ctx, rid, "session-1", 1000); err != nil {
			t.Fatalf("AddSnapshot %s: %v", rid, err)
		}
	}
	if err := dag.AddParent(ctx, "snap-b", "snap-a"); err != nil {
		t.Fatalf("AddParent b->a: %v", err)
	}
	if err := dag.AddParent(ctx, "snap-c", "snap-b"); err != nil {
		t.Fatalf("AddParent c->b: %v", err)
	}
	if err := dag.AddParent(ctx, "snap-a", "snap-c"); err == nil {
		t.Fatalf("expected cycle rejection for a->c (c already descends from a)")
	}
}

func TestSessionOf(t *testing.T) {
	ctx := context.Background()
	dag := openTestDAG(t)
	if err := dag.AddSnapshot(ctx, "snap-a", "session-1", 1000); err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}
	session, err := dag.SessionOf(ctx, "snap-a")
	if err != nil || session != "session-1" {
		t.Fatalf("got %q, %v; want session-1, nil", session, err)
	}
	if _, err := dag.SessionOf(ctx, "missing"); err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
}

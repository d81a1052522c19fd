// Package graph stores the snapshot ancestor DAG: which snapshots were
// produced from which parent snapshots, used to answer "is A an ancestor of
// B" queries when resuming training from a prior checkpoint (spec §3, §9).
package graph

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DAG wraps a *sql.DB holding the snapshots/snapshot_parents tables.
type DAG struct {
	db *sql.DB
}

const snapshotsSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_rid TEXT PRIMARY KEY,
	session_rid  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
`

const snapshotParentsSchema = `
CREATE TABLE IF NOT EXISTS snapshot_parents (
	snapshot_rid TEXT NOT NULL REFERENCES snapshots(snapshot_rid) ON DELETE CASCADE,
	parent_rid   TEXT NOT NULL REFERENCES snapshots(snapshot_rid) ON DELETE CASCADE,
	PRIMARY KEY (snapshot_rid, parent_rid)
);
CREATE INDEX IF NOT EXISTS idx_snapshot_parents_parent ON snapshot_parents(parent_rid);
`

// Open opens (creating if needed) the sqlite-backed DAG at dbPath.
func Open(dbPath string) (*DAG, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", dbPath, err)
	}
	dag := &DAG{db: db}
	if err := dag.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return dag, nil
}

// EnsureSchema creates the DAG's tables if they do not already exist.
func (d *DAG) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, snapshotsSchema); err != nil {
		return fmt.Errorf("graph: create snapshots table: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, snapshotParentsSchema); err != nil {
		return fmt.Errorf("graph: create snapshot_parents table: %w", err)
	}
	return nil
}

func (d *DAG) Close() error { return d.db.Close() }

// AddSnapshot registers snapshotRID as belonging to sessionRID, created at
// createdAtMicros. Safe to call more than once for the same snapshot.
func (d *DAG) AddSnapshot(ctx context.Context, snapshotRID, sessionRID string, createdAtMicros int64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_rid, session_rid, created_at) VALUES (?, ?, ?)
		ON CONFLICT(snapshot_rid) DO NOTHING
	`, snapshotRID, sessionRID, createdAtMicros)
	if err != nil {
		return fmt.Errorf("graph: add snapshot %s: %w", snapshotRID, err)
	}
	return nil
}

// AddParent records that snapshotRID was produced from parentRID. Rejects
// self-loops and edges that would introduce a cycle, mirroring the
// acyclic invariant over snapshots (spec §3).
func (d *DAG) AddParent(ctx context.Context, snapshotRID, parentRID string) error {
	if snapshotRID == "" || parentRID == "" {
		return fmt.Errorf("graph: add parent: snapshot and parent rid must be non-empty")
	}
	if snapshotRID == parentRID {
		return fmt.Errorf("graph: add parent: snapshot %s cannot be its own parent", snapshotRID)
	}
	cyclic, err := d.reaches(ctx, parentRID, snapshotRID)
	if err != nil {
		return fmt.Errorf("graph: add parent %s -> %s: %w", snapshotRID, parentRID, err)
	}
	if cyclic {
		return fmt.Errorf("graph: add parent %s -> %s: would introduce a cycle", snapshotRID, parentRID)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO snapshot_parents (snapshot_rid, parent_rid) VALUES (?, ?)
		ON CONFLICT(snapshot_rid, parent_rid) DO NOTHING
	`, snapshotRID, parentRID)
	if err != nil {
		return fmt.Errorf("graph: add parent %s -> %s: %w", snapshotRID, parentRID, err)
	}
	return nil
}

// reaches reports whether from can reach to by following parent edges
// (i.e. whether to is an ancestor of from), used by AddParent's cycle
// guard: adding snapshotRID -> parentRID is only safe if parentRID cannot
// already reach snapshotRID.
func (d *DAG) reaches(ctx context.Context, from, to string) (bool, error) {
	ancestors, err := d.Ancestors(ctx, from)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a == to {
			return true, nil
		}
	}
	return false, nil
}

// Ancestors returns every snapshot reachable from snapshotRID by following
// parent edges, via a worklist-based transitive closure guarded by a
// visited set (spec §9's guidance for the ancestor query). The result does
// not include snapshotRID itself.
func (d *DAG) Ancestors(ctx context.Context, snapshotRID string) ([]string, error) {
	visited := map[string]struct{}{snapshotRID: {}}
	var ancestors []string
	worklist := []string{snapshotRID}

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		parents, err := d.directParents(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("graph: ancestors of %s: %w", snapshotRID, err)
		}
		for _, p := range parents {
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			ancestors = append(ancestors, p)
			worklist = append(worklist, p)
		}
	}
	return ancestors, nil
}

// IsAncestor reports whether candidateRID is an ancestor of snapshotRID.
func (d *DAG) IsAncestor(ctx context.Context, snapshotRID, candidateRID string) (bool, error) {
	return d.reaches(ctx, snapshotRID, candidateRID)
}

func (d *DAG) directParents(ctx context.Context, snapshotRID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT parent_rid FROM snapshot_parents WHERE snapshot_rid = ?`, snapshotRID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionOf returns the session a snapshot belongs to.
func (d *DAG) SessionOf(ctx context.Context, snapshotRID string) (string, error) {
	var sessionRID string
	err := d.db.QueryRowContext(ctx, `SELECT session_rid FROM snapshots WHERE snapshot_rid = ?`, snapshotRID).Scan(&sessionRID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("graph: snapshot %s not found", snapshotRID)
	}
	if err != nil {
		return "", fmt.Errorf("graph: session of %s: %w", snapshotRID, err)
	}
	return sessionRID, nil
}

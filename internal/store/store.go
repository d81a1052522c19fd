package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is an auxiliary, rebuildable SQLite cache over the resource store:
// a (rid, timestamp) lookup table that lets ReadTimestampMicros skip a
// Glob on a hit (List and MostRecent do not consult it), plus the claim_leases
// table backing the assignment-monitor's exclusive leases (§4.2). The
// filesystem remains the source of truth; Index can always be rebuilt from
// a full Glob scan.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS resource_index (
	rid             TEXT PRIMARY KEY,
	timestamp_micros INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_leases (
	assignment_rid TEXT PRIMARY KEY,
	worker_id      TEXT NOT NULL,
	claimed_at     INTEGER NOT NULL,
	heartbeat_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_leases_heartbeat ON claim_leases(heartbeat_at);
`

// Open opens (creating if needed) the sqlite auxiliary index at dbPath.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open index %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema %s: %w", dbPath, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", dbPath, err)
	}
	return &Index{db: db}, nil
}

// migrate applies idempotent, additive schema changes guarded by
// pragma_table_info probes, matching the teacher's column-by-column
// migration idiom.
func migrate(db *sql.DB) error {
	addColumnIfMissing := func(table, column, ddl string) error {
		var count int
		row := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
		return err
	}
	if err := addColumnIfMissing("claim_leases", "lease_note", "lease_note TEXT"); err != nil {
		return err
	}
	return nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// UpsertResource records the timestamp observed for rid at write time.
func (x *Index) UpsertResource(rid string, timestampMicros int64) error {
	_, err := x.db.Exec(`
		INSERT INTO resource_index (rid, timestamp_micros) VALUES (?, ?)
		ON CONFLICT(rid) DO UPDATE SET timestamp_micros = excluded.timestamp_micros
	`, rid, timestampMicros)
	if err != nil {
		return fmt.Errorf("store: upsert index %s: %w", rid, err)
	}
	return nil
}

// GetResourceTimestamp returns the cached timestamp for rid, or ok=false if
// the index holds no entry (caller should fall back to a Glob scan).
func (x *Index) GetResourceTimestamp(rid string) (int64, bool, error) {
	var ts int64
	err := x.db.QueryRow(`SELECT timestamp_micros FROM resource_index WHERE rid = ?`, rid).Scan(&ts)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("store: lookup index %s: %w", rid, err)
	}
	return ts, true, nil
}

// ClaimLease is an exclusive, heartbeat-renewed lease on an assignment
// resource ID, held by one worker at a time (§4.2).
type ClaimLease struct {
	AssignmentRID string
	WorkerID      string
	ClaimedAt     time.Time
	HeartbeatAt   time.Time
}

// UpsertClaimLease inserts a new lease for assignmentRID, failing with
// ErrVersionConflict if a different worker already holds it.
func (x *Index) UpsertClaimLease(assignmentRID, workerID string, now time.Time) error {
	existing, ok, err := x.GetClaimLease(assignmentRID)
	if err != nil {
		return err
	}
	if ok && existing.WorkerID != workerID {
		return fmt.Errorf("store: claim %s: %w (held by %s)", assignmentRID, ErrVersionConflict, existing.WorkerID)
	}
	res, err := x.db.Exec(`
		INSERT INTO claim_leases (assignment_rid, worker_id, claimed_at, heartbeat_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(assignment_rid) DO UPDATE SET heartbeat_at = excluded.heartbeat_at
		WHERE claim_leases.worker_id = excluded.worker_id
	`, assignmentRID, workerID, now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return fmt.Errorf("store: claim %s: %w", assignmentRID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: claim %s: %w (held by another worker)", assignmentRID, ErrVersionConflict)
	}
	return nil
}

// HeartbeatClaimLease renews the lease held by workerID on assignmentRID.
func (x *Index) HeartbeatClaimLease(assignmentRID, workerID string, now time.Time) error {
	res, err := x.db.Exec(`
		UPDATE claim_leases SET heartbeat_at = ? WHERE assignment_rid = ? AND worker_id = ?
	`, now.UnixMicro(), assignmentRID, workerID)
	if err != nil {
		return fmt.Errorf("store: heartbeat %s: %w", assignmentRID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: heartbeat %s: %w (lease not held by %s)", assignmentRID, ErrNotFound, workerID)
	}
	return nil
}

// DeleteClaimLease releases the lease on assignmentRID unconditionally, used
// when an assignment completes or errors out.
func (x *Index) DeleteClaimLease(assignmentRID string) error {
	if _, err := x.db.Exec(`DELETE FROM claim_leases WHERE assignment_rid = ?`, assignmentRID); err != nil {
		return fmt.Errorf("store: release %s: %w", assignmentRID, err)
	}
	return nil
}

func (x *Index) GetClaimLease(assignmentRID string) (ClaimLease, bool, error) {
	var (
		lease           ClaimLease
		claimedMicros   int64
		heartbeatMicros int64
	)
	lease.AssignmentRID = assignmentRID
	err := x.db.QueryRow(`
		SELECT worker_id, claimed_at, heartbeat_at FROM claim_leases WHERE assignment_rid = ?
	`, assignmentRID).Scan(&lease.WorkerID, &claimedMicros, &heartbeatMicros)
	switch {
	case err == sql.ErrNoRows:
		return ClaimLease{}, false, nil
	case err != nil:
		return ClaimLease{}, false, fmt.Errorf("store: get lease %s: %w", assignmentRID, err)
	}
	lease.ClaimedAt = time.UnixMicro(claimedMicros)
	lease.HeartbeatAt = time.UnixMicro(heartbeatMicros)
	return lease, true, nil
}

// GetExpiredClaimLeases returns leases whose last heartbeat is older than
// ttl relative to now, for the monitor's staleness sweep.
func (x *Index) GetExpiredClaimLeases(ttl time.Duration, now time.Time) ([]ClaimLease, error) {
	cutoff := now.Add(-ttl).UnixMicro()
	rows, err := x.db.Query(`
		SELECT assignment_rid, worker_id, claimed_at, heartbeat_at FROM claim_leases WHERE heartbeat_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: sweep expired leases: %w", err)
	}
	defer rows.Close()
	return scanLeases(rows)
}

// ListClaimLeases returns every currently held lease.
func (x *Index) ListClaimLeases() ([]ClaimLease, error) {
	rows, err := x.db.Query(`SELECT assignment_rid, worker_id, claimed_at, heartbeat_at FROM claim_leases`)
	if err != nil {
		return nil, fmt.Errorf("store: list leases: %w", err)
	}
	defer rows.Close()
	return scanLeases(rows)
}

func scanLeases(rows *sql.Rows) ([]ClaimLease, error) {
	var out []ClaimLease
	for rows.Next() {
		var (
			lease           ClaimLease
			claimedMicros   int64
			heartbeatMicros int64
		)
		if err := rows.Scan(&lease.AssignmentRID, &lease.WorkerID, &claimedMicros, &heartbeatMicros); err != nil {
			return nil, fmt.Errorf("store: scan lease: %w", err)
		}
		lease.ClaimedAt = time.UnixMicro(claimedMicros)
		lease.HeartbeatAt = time.UnixMicro(heartbeatMicros)
		out = append(out, lease)
	}
	return out, rows.Err()
}
